package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConfigFromEnvModes(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Mode
		wantErr bool
	}{
		{name: "default gateway", env: map[string]string{}, want: ModeGateway},
		{name: "dev", env: map[string]string{"TS_AUTH_MODE": "dev"}, want: ModeDev},
		{name: "disabled", env: map[string]string{"TS_AUTH_MODE": "DISABLED"}, want: ModeDisabled},
		{name: "oidc without issuer", env: map[string]string{"TS_AUTH_MODE": "oidc"}, wantErr: true},
		{name: "oidc", env: map[string]string{"TS_AUTH_MODE": "oidc", "TS_OIDC_ISSUER_URL": "https://issuer.example", "TS_OIDC_CLIENT_ID": "ts"}, want: ModeOIDC},
		{name: "unknown", env: map[string]string{"TS_AUTH_MODE": "basic"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TS_AUTH_MODE", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, ok := tc.env["TS_AUTH_MODE"]; !ok {
				t.Setenv("TS_AUTH_MODE", "gateway")
			}
			cfg, err := ConfigFromEnv()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ConfigFromEnv() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ConfigFromEnv() err=%v", err)
			}
			if cfg.Mode != tc.want {
				t.Fatalf("Mode=%q, want %q", cfg.Mode, tc.want)
			}
		})
	}
}

func TestGatewayMiddleware(t *testing.T) {
	cfg := Config{
		Mode:                ModeGateway,
		RequiredRole:        "g_times_square_admin",
		GatewayUserHeader:   "X-Auth-Request-User",
		GatewayGroupsHeader: "X-Auth-Request-Groups",
	}
	authn, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	var got Identity
	h := Middleware{
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Authenticator: authn,
		Authorize:     RequireRole(cfg.RequiredRole),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "anonymous", want: http.StatusUnauthorized},
		{name: "missing role", headers: map[string]string{"X-Auth-Request-User": "someone"}, want: http.StatusForbidden},
		{name: "admin", headers: map[string]string{"X-Auth-Request-User": "someone", "X-Auth-Request-Groups": "g_users, G_Times_Square_Admin"}, want: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "http://example.test/v1/pages", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status=%d, want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
	if got.Subject != "someone" {
		t.Fatalf("identity=%+v", got)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	authn, err := New(context.Background(), Config{Mode: ModeDisabled})
	if err != nil || authn != nil {
		t.Fatalf("New(disabled)=%v err=%v", authn, err)
	}
	h := Middleware{}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "http://example.test/v1/pages/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("Authorization", "Bearer  abc.def ")
	if got := bearerToken(req); got != "abc.def" {
		t.Fatalf("bearerToken()=%q", got)
	}
	req.Header.Set("Authorization", "Basic xyz")
	if got := bearerToken(req); got != "" {
		t.Fatalf("bearerToken(basic)=%q", got)
	}
}
