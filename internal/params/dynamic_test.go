package params

import (
	"errors"
	"testing"
	"time"
)

func TestDynamicDefaultEvaluate(t *testing.T) {
	// 2025-06-15 is a Sunday.
	now := time.Date(2025, time.June, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		rule string
		want string
	}{
		{rule: "today", want: "2025-06-15"},
		{rule: "yesterday", want: "2025-06-14"},
		{rule: "tomorrow", want: "2025-06-16"},
		{rule: "+5d", want: "2025-06-20"},
		{rule: "-15d", want: "2025-05-31"},
		{rule: "+0d", want: "2025-06-15"},
		{rule: "+2w", want: "2025-06-29"},
		{rule: "-1m", want: "2025-05-15"},
		{rule: "+1y", want: "2026-06-15"},
		{rule: "week_start", want: "2025-06-09"},
		{rule: "week_end", want: "2025-06-15"},
		{rule: "-1week_start", want: "2025-06-02"},
		{rule: "+1week_end", want: "2025-06-22"},
		{rule: "month_start", want: "2025-06-01"},
		{rule: "month_end", want: "2025-06-30"},
		{rule: "-1month_end", want: "2025-05-31"},
		{rule: "+8month_start", want: "2026-02-01"},
		{rule: "year_start", want: "2025-01-01"},
		{rule: "-1year_end", want: "2024-12-31"},
	}

	for _, tc := range tests {
		t.Run(tc.rule, func(t *testing.T) {
			dd, err := ParseDynamicDefault(tc.rule)
			if err != nil {
				t.Fatalf("ParseDynamicDefault(%q): %v", tc.rule, err)
			}
			got := dd.EvaluateFor(KindDate, now).Canonical()
			if got != tc.want {
				t.Fatalf("%s => %s, want %s", tc.rule, got, tc.want)
			}
		})
	}
}

func TestDynamicDefaultMonthClamping(t *testing.T) {
	tests := []struct {
		now  time.Time
		rule string
		want string
	}{
		{now: time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC), rule: "-1m", want: "2025-02-28"},
		{now: time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC), rule: "-1m", want: "2024-02-29"},
		{now: time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), rule: "+1y", want: "2025-02-28"},
		{now: time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), rule: "-13m", want: "2023-12-31"},
	}
	for _, tc := range tests {
		dd, err := ParseDynamicDefault(tc.rule)
		if err != nil {
			t.Fatalf("ParseDynamicDefault(%q): %v", tc.rule, err)
		}
		if got := dd.EvaluateFor(KindDate, tc.now).Canonical(); got != tc.want {
			t.Fatalf("%s from %s => %s, want %s", tc.rule, tc.now.Format(dateLayout), got, tc.want)
		}
	}
}

func TestDynamicDefaultDayObsUsesUTCMinus12(t *testing.T) {
	// 06:00 UTC on the 15th is still the 14th in UTC-12.
	now := time.Date(2025, time.June, 15, 6, 0, 0, 0, time.UTC)
	dd, err := ParseDynamicDefault("today")
	if err != nil {
		t.Fatalf("ParseDynamicDefault: %v", err)
	}
	if got := dd.EvaluateFor(KindDayObs, now).Canonical(); got != "20250614" {
		t.Fatalf("dayobs today=%s, want 20250614", got)
	}
	if got := dd.EvaluateFor(KindDayObsDate, now).Canonical(); got != "2025-06-14" {
		t.Fatalf("dayobs-date today=%s, want 2025-06-14", got)
	}
	if got := dd.EvaluateFor(KindDate, now).Canonical(); got != "2025-06-15" {
		t.Fatalf("date today=%s, want 2025-06-15", got)
	}
}

func TestParseDynamicDefaultRejectsBadSyntax(t *testing.T) {
	for _, rule := range []string{"", "now", "5d", "+d", "+1q", "week-start", "-1today", "+1.5d", " today"} {
		_, err := ParseDynamicDefault(rule)
		var syntaxErr *DynamicDefaultSyntaxError
		if !errors.As(err, &syntaxErr) {
			t.Fatalf("ParseDynamicDefault(%q) err=%v, want DynamicDefaultSyntaxError", rule, err)
		}
	}
}
