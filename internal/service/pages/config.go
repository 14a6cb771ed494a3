package pages

import (
	"errors"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
)

type Config struct {
	// EnvironmentURL and PathPrefix build the html_url of status events.
	EnvironmentURL string
	PathPrefix     string

	DefaultTimeout time.Duration
	// TimeoutSlack is added to a job's timeout before the tracker gives up
	// on hearing back from noteburst.
	TimeoutSlack time.Duration
	// StaleJobLifetime bounds how long an in-flight marker blocks new
	// dispatches for its fingerprint.
	StaleJobLifetime time.Duration
	PollInterval     time.Duration
	StreamGrace      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PathPrefix:       "/times-square",
		DefaultTimeout:   300 * time.Second,
		TimeoutSlack:     2 * time.Minute,
		StaleJobLifetime: 10 * time.Minute,
		PollInterval:     2 * time.Second,
		StreamGrace:      5 * time.Second,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.EnvironmentURL = strings.TrimRight(env.String("TS_ENVIRONMENT_URL", ""), "/")
	cfg.PathPrefix = env.String("TS_PATH_PREFIX", cfg.PathPrefix)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{key: "TS_DEFAULT_EXECUTION_TIMEOUT", dst: &cfg.DefaultTimeout},
		{key: "TS_EXECUTION_TIMEOUT_SLACK", dst: &cfg.TimeoutSlack},
		{key: "TS_STALE_JOB_LIFETIME", dst: &cfg.StaleJobLifetime},
		{key: "TS_JOB_POLL_INTERVAL", dst: &cfg.PollInterval},
		{key: "TS_STREAM_GRACE", dst: &cfg.StreamGrace},
	}
	for _, d := range durations {
		v, err := env.Duration(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PathPrefix != "" && !strings.HasPrefix(c.PathPrefix, "/") {
		return errors.New("TS_PATH_PREFIX must start with /")
	}
	if c.DefaultTimeout <= 0 {
		return errors.New("TS_DEFAULT_EXECUTION_TIMEOUT must be positive")
	}
	if c.TimeoutSlack < 0 {
		return errors.New("TS_EXECUTION_TIMEOUT_SLACK must not be negative")
	}
	if c.StaleJobLifetime <= 0 {
		return errors.New("TS_STALE_JOB_LIFETIME must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("TS_JOB_POLL_INTERVAL must be positive")
	}
	if c.StreamGrace < 0 {
		return errors.New("TS_STREAM_GRACE must not be negative")
	}
	return nil
}
