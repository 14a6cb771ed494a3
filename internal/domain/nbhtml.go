package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

// DisplaySettings are render options that do not affect execution.
type DisplaySettings struct {
	HideCode bool
}

// DisplaySettingsFromQuery reads ts_hide_code (default 1).
func DisplaySettingsFromQuery(q url.Values) (DisplaySettings, error) {
	raw := q.Get("ts_hide_code")
	switch raw {
	case "", "1":
		return DisplaySettings{HideCode: true}, nil
	case "0":
		return DisplaySettings{HideCode: false}, nil
	default:
		return DisplaySettings{}, fmt.Errorf("ts_hide_code must be 1 or 0, got %q", raw)
	}
}

func (s DisplaySettings) QueryString() string {
	if s.HideCode {
		return "ts_hide_code=1"
	}
	return "ts_hide_code=0"
}

// AllDisplaySettings lists every render produced for a finished
// computation.
func AllDisplaySettings() []DisplaySettings {
	return []DisplaySettings{{HideCode: true}, {HideCode: false}}
}

// NbHTML is a cached HTML render of a page instance.
type NbHTML struct {
	PageName          string         `json:"page_name"`
	Fingerprint       string         `json:"fingerprint"`
	HTML              string         `json:"html"`
	HTMLHash          string         `json:"html_hash"`
	Values            map[string]any `json:"values"`
	HideCode          bool           `json:"hide_code"`
	DateExecuted      time.Time      `json:"date_executed"`
	ExecutionDuration time.Duration  `json:"execution_duration"`
	DateRendered      time.Time      `json:"date_rendered"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
}

func HashHTML(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])
}

// Expired reports whether a finite-lifetime entry has passed its expiry.
func (h NbHTML) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)
}
