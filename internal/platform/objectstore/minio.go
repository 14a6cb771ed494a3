package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// HTMLPrefix is the key prefix of every rendered HTML object.
const HTMLPrefix = "nbhtml/"

const htmlRetentionRuleID = "times-square-html-retention"

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBucket creates the HTML bucket when it does not exist yet and
// installs the retention rule when one is configured.
func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketHTML)
	if err != nil {
		return fmt.Errorf("html bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketHTML, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("make html bucket: %w", err)
		}
	}
	if rules := htmlLifecycle(cfg.HTMLRetentionDays); rules != nil {
		if err := client.SetBucketLifecycle(ctx, cfg.BucketHTML, rules); err != nil {
			return fmt.Errorf("set html retention: %w", err)
		}
	}
	return nil
}

// htmlLifecycle expires HTML objects after days. It is nil for zero.
func htmlLifecycle(days int) *lifecycle.Configuration {
	if days <= 0 {
		return nil
	}
	rules := lifecycle.NewConfiguration()
	rules.Rules = []lifecycle.Rule{{
		ID:         htmlRetentionRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: HTMLPrefix},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return rules
}

// CheckBucket is the readiness probe for the HTML bucket.
func CheckBucket(client *minio.Client, cfg Config) func(context.Context) error {
	return func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("minio client not initialized")
		}
		exists, err := client.BucketExists(ctx, cfg.BucketHTML)
		if err != nil {
			return fmt.Errorf("html bucket exists: %w", err)
		}
		if !exists {
			return fmt.Errorf("html bucket missing: %s", cfg.BucketHTML)
		}
		return nil
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
