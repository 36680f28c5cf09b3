// Package auth authenticates API callers and enforces the viewer/editor/admin
// role ladder. Three modes are supported: oidc verifies bearer ID tokens
// against an issuer, dev injects a fixed identity and disabled lets every
// request through as an anonymous admin.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/montylab/simorch/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(env.String("SIMORCH_AUTH_MODE", string(ModeDisabled)))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeDev):
		mode = ModeDev
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("SIMORCH_AUTH_MODE must be one of: oidc, dev, disabled (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("SIMORCH_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("SIMORCH_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("SIMORCH_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("SIMORCH_OIDC_CLIENT_ID", ""),
		DevSubject:    env.String("SIMORCH_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("SIMORCH_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      normalizeRoles(env.CSV("SIMORCH_DEV_AUTH_ROLES", []string{RoleAdmin})),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("SIMORCH_AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("SIMORCH_AUTH_EMAIL_CLAIM is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("SIMORCH_OIDC_ISSUER_URL is required when SIMORCH_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("SIMORCH_OIDC_CLIENT_ID is required when SIMORCH_AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("SIMORCH_DEV_AUTH_SUBJECT is required when SIMORCH_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("SIMORCH_DEV_AUTH_ROLES must be non-empty when SIMORCH_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func normalizeRoles(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, role := range in {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
