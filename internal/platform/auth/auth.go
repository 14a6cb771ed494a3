package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
)

type Mode string

const (
	// ModeGateway trusts the username header set by the ingress auth
	// proxy in front of the service.
	ModeGateway  Mode = "gateway"
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Config struct {
	Mode Mode

	// RequiredRole gates write routes. Empty admits any authenticated
	// caller.
	RequiredRole string
	RolesClaim   string
	EmailClaim   string

	GatewayUserHeader   string
	GatewayEmailHeader  string
	GatewayGroupsHeader string

	OIDCIssuerURL string
	OIDCClientID  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("TS_AUTH_MODE", string(ModeGateway))))
	mode := Mode(modeRaw)
	switch mode {
	case ModeGateway, ModeOIDC, ModeDev, ModeDisabled:
	default:
		return Config{}, fmt.Errorf("TS_AUTH_MODE must be one of: gateway, oidc, dev, disabled (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:                mode,
		RequiredRole:        strings.ToLower(strings.TrimSpace(env.String("TS_AUTH_REQUIRED_ROLE", ""))),
		RolesClaim:          env.String("TS_AUTH_ROLES_CLAIM", "groups"),
		EmailClaim:          env.String("TS_AUTH_EMAIL_CLAIM", "email"),
		GatewayUserHeader:   env.String("TS_AUTH_GATEWAY_USER_HEADER", "X-Auth-Request-User"),
		GatewayEmailHeader:  env.String("TS_AUTH_GATEWAY_EMAIL_HEADER", "X-Auth-Request-Email"),
		GatewayGroupsHeader: env.String("TS_AUTH_GATEWAY_GROUPS_HEADER", "X-Auth-Request-Groups"),
		OIDCIssuerURL:       env.String("TS_OIDC_ISSUER_URL", ""),
		OIDCClientID:        env.String("TS_OIDC_CLIENT_ID", ""),
		DevSubject:          env.String("TS_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:            env.String("TS_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:            parseCSV(env.String("TS_DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeGateway:
		if strings.TrimSpace(c.GatewayUserHeader) == "" {
			return errors.New("TS_AUTH_GATEWAY_USER_HEADER is required when TS_AUTH_MODE=gateway")
		}
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("TS_OIDC_ISSUER_URL is required when TS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("TS_OIDC_CLIENT_ID is required when TS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("TS_AUTH_ROLES_CLAIM is required when TS_AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("TS_DEV_AUTH_SUBJECT is required when TS_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
