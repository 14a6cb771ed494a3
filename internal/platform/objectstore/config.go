package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
)

type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	BucketHTML string
	// HTMLRetentionDays installs a bucket lifecycle rule expiring rendered
	// HTML objects after this many days. Zero leaves lifecycle untouched.
	HTMLRetentionDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("TS_S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	retention, err := env.Int("TS_S3_HTML_RETENTION_DAYS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:   env.String("TS_S3_ENDPOINT", "localhost:9000"),
		AccessKey:  env.String("TS_S3_ACCESS_KEY", "timessquare"),
		SecretKey:  env.String("TS_S3_SECRET_KEY", "timessquare"),
		Region:     env.String("TS_S3_REGION", "us-east-1"),
		UseSSL:     useSSL,
		BucketHTML: env.String("TS_S3_BUCKET_HTML", "times-square-html"),

		HTMLRetentionDays: retention,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketHTML) == "" {
		return errors.New("html bucket is required")
	}
	if c.HTMLRetentionDays < 0 {
		return errors.New("html retention days must be >= 0")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
