package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/platform/auth"
)

func samplePageEvent() Event {
	return Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "someone",
		Action:       ActionPageCreate,
		ResourceType: ResourcePage,
		ResourceID:   "demo",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
		UserAgent:    "test-agent",
	}
}

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	event := samplePageEvent()
	payloadJSON := []byte(`{"title":"Demo"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("integrity=%q", a)
	}
}

func TestComputeIntegritySHA256ChangesOnPayload(t *testing.T) {
	event := samplePageEvent()
	a, err := ComputeIntegritySHA256(event, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{name: "missing time", mutate: func(e *Event) { e.OccurredAt = time.Time{} }},
		{name: "missing actor", mutate: func(e *Event) { e.Actor = " " }},
		{name: "missing action", mutate: func(e *Event) { e.Action = "" }},
		{name: "missing resource type", mutate: func(e *Event) { e.ResourceType = "" }},
		{name: "missing resource id", mutate: func(e *Event) { e.ResourceID = "" }},
	}
	if err := samplePageEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := samplePageEvent()
			tc.mutate(&ev)
			if err := ev.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("DELETE", "/v1/pages/demo", nil)
	req.RemoteAddr = "198.51.100.7:5150"
	req.Header.Set("User-Agent", "curl/8")

	ev := FromRequest(req, ActionPageDelete, ResourcePage, "demo", nil)
	if ev.Actor != "anonymous" {
		t.Fatalf("actor=%q", ev.Actor)
	}
	if ev.IP.String() != "198.51.100.7" || ev.UserAgent != "curl/8" {
		t.Fatalf("event=%+v", ev)
	}

	ctx := auth.ContextWithIdentity(req.Context(), auth.Identity{Subject: "someone"})
	ev = FromRequest(req.WithContext(ctx), ActionPageDelete, ResourcePage, "demo", nil)
	if ev.Actor != "someone" {
		t.Fatalf("actor=%q", ev.Actor)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogRecorder(slog.New(slog.NewJSONHandler(&buf, nil)))

	ev := samplePageEvent()
	ev.Payload = map[string]any{"title": "Demo"}
	if err := rec.Record(context.Background(), ev); err != nil {
		t.Fatalf("Record() err=%v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want, _ := ComputeIntegritySHA256(ev, []byte(`{"title":"Demo"}`))
	if line["integrity_sha256"] != want {
		t.Fatalf("integrity=%v want %s", line["integrity_sha256"], want)
	}
	if line["component"] != "audit" || line["action"] != ActionPageCreate {
		t.Fatalf("line=%v", line)
	}

	if err := rec.Record(context.Background(), Event{Action: ActionPageCreate}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPostgresRecorderNotInitialized(t *testing.T) {
	var rec *PostgresRecorder
	if err := rec.Record(context.Background(), samplePageEvent()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Insert(context.Background(), nil, samplePageEvent()); err == nil {
		t.Fatalf("expected error")
	}
}
