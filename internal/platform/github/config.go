package github

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
)

// Config selects how the service authenticates to GitHub. A personal or
// installation Token takes precedence over GitHub App credentials.
type Config struct {
	APIURL         string
	Token          string
	AppID          int64
	AppPrivateKey  string
	WebhookSecret  string
	AcceptedOrgs   []string
	CheckRuns      bool
	RequestTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	var appID int64
	if raw := strings.TrimSpace(env.String("TS_GITHUB_APP_ID", "")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse TS_GITHUB_APP_ID: %w", err)
		}
		appID = id
	}
	checkRuns, err := env.Bool("TS_GITHUB_CHECK_RUNS", true)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("TS_GITHUB_REQUEST_TIMEOUT", 20*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		APIURL:         env.String("TS_GITHUB_API_URL", "https://api.github.com"),
		Token:          env.String("TS_GITHUB_TOKEN", ""),
		AppID:          appID,
		AppPrivateKey:  env.String("TS_GITHUB_APP_PRIVATE_KEY", ""),
		WebhookSecret:  env.String("TS_GITHUB_WEBHOOK_SECRET", ""),
		AcceptedOrgs:   env.List("TS_GITHUB_ORGS", []string{"lsst", "lsst-sqre", "lsst-dm", "lsst-ts", "lsst-sitcom", "lsst-pst"}),
		CheckRuns:      checkRuns,
		RequestTimeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("TS_GITHUB_API_URL must be an http(s) URL (got %q)", c.APIURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("TS_GITHUB_REQUEST_TIMEOUT must be positive")
	}
	if c.AppID != 0 && strings.TrimSpace(c.AppPrivateKey) == "" {
		return errors.New("TS_GITHUB_APP_PRIVATE_KEY is required with TS_GITHUB_APP_ID")
	}
	if c.AppID == 0 && strings.TrimSpace(c.AppPrivateKey) != "" {
		return errors.New("TS_GITHUB_APP_ID is required with TS_GITHUB_APP_PRIVATE_KEY")
	}
	return nil
}

// Enabled reports whether any GitHub credentials are configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Token) != "" || c.AppID != 0
}

// OrgAccepted reports whether owner may sync pages into the catalog. The
// comparison is case-insensitive.
func (c Config) OrgAccepted(owner string) bool {
	for _, org := range c.AcceptedOrgs {
		if strings.EqualFold(org, owner) {
			return true
		}
	}
	return false
}
