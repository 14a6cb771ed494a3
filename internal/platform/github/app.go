package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Factory hands out clients scoped to a repository's app installation, or
// a single token client when Config.Token is set.
type Factory struct {
	cfg  Config
	key  *rsa.PrivateKey
	now  func() time.Time
	http *http.Client
}

func NewFactory(cfg Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{cfg: cfg, now: time.Now, http: &http.Client{Timeout: cfg.RequestTimeout}}
	if cfg.Token == "" && cfg.AppID != 0 {
		key, err := parsePrivateKey([]byte(cfg.AppPrivateKey))
		if err != nil {
			return nil, err
		}
		f.key = key
	}
	return f, nil
}

func (f *Factory) Config() Config { return f.cfg }

// ForInstallation returns a client acting as the given app installation.
func (f *Factory) ForInstallation(ctx context.Context, installationID int64) (*Client, error) {
	if f.cfg.Token != "" || f.key == nil {
		return NewClient(ctx, f.cfg.APIURL, f.cfg.Token, f.cfg.RequestTimeout), nil
	}
	if installationID == 0 {
		return nil, errors.New("installation id is required")
	}
	appClient, err := f.appClient()
	if err != nil {
		return nil, err
	}
	var out struct {
		Token string `json:"token"`
	}
	path := "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"
	if err := appClient.request(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, fmt.Errorf("installation token: %w", err)
	}
	return NewClient(ctx, f.cfg.APIURL, out.Token, f.cfg.RequestTimeout), nil
}

// ForRepository looks up the app installation covering owner/repo.
func (f *Factory) ForRepository(ctx context.Context, owner, repo string) (*Client, error) {
	if f.cfg.Token != "" || f.key == nil {
		return f.ForInstallation(ctx, 0)
	}
	appClient, err := f.appClient()
	if err != nil {
		return nil, err
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := appClient.request(ctx, http.MethodGet, repoPath(owner, repo)+"/installation", nil, &out); err != nil {
		return nil, fmt.Errorf("repository installation: %w", err)
	}
	return f.ForInstallation(ctx, out.ID)
}

func (f *Factory) appClient() (*Client, error) {
	token, err := f.appJWT()
	if err != nil {
		return nil, err
	}
	return newClient(f.cfg.APIURL, &http.Client{
		Timeout:   f.cfg.RequestTimeout,
		Transport: bearerTransport{token: token, base: f.http.Transport},
	}), nil
}

// appJWT signs the short-lived RS256 token that authenticates as the app.
func (f *Factory) appJWT() (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: f.key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("app jwt signer: %w", err)
	}
	now := f.now().UTC()
	claims := jwt.Claims{
		Issuer:   strconv.FormatInt(f.cfg.AppID, 10),
		IssuedAt: jwt.NewNumericDate(now.Add(-60 * time.Second)),
		Expiry:   jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return token, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("TS_GITHUB_APP_PRIVATE_KEY is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("app private key is not RSA")
	}
	return key, nil
}
