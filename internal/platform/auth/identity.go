package auth

import (
	"context"
	"net/http"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Owner is the name recorded on runs the identity creates.
func (i Identity) Owner() string {
	if i.Email != "" {
		return i.Email
	}
	return i.Subject
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type StaticAuthenticator struct {
	identity Identity
}

// NewDevAuthenticator returns the configured developer identity for every request.
func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

// NewAnonymousAuthenticator backs the disabled mode.
func NewAnonymousAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// NewAuthenticator picks the implementation for cfg.Mode. The oidc mode
// contacts the issuer for discovery.
func NewAuthenticator(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCVerifier(ctx, cfg)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	default:
		return NewAnonymousAuthenticator(), nil
	}
}
