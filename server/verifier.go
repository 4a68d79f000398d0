package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the outcome of verifying an authentication assertion.
type Identity struct {
	// Subject is the stable user identifier.
	Subject string

	// Audience is the project the assertion was issued for.
	Audience string
}

// IdentityVerifier validates the id_token presented by the authentication
// page and extracts the user identity from it.
type IdentityVerifier interface {
	Verify(ctx context.Context, assertion string) (Identity, error)
}

// NewVerifier builds the verifier for the configured identity issuer. Dev
// mode without an issuer falls back to unverified parsing.
func NewVerifier(ctx context.Context, cfg Config, logger *slog.Logger) (IdentityVerifier, error) {
	if cfg.Identity.Issuer == "" {
		if !cfg.Server.DevMode {
			return nil, errors.New("identity.issuer is required in production mode")
		}
		logger.Warn("identity assertions are not signature-checked", "mode", "dev")
		return &InsecureVerifier{}, nil
	}
	return NewOIDCVerifier(ctx, cfg.Identity.Issuer, cfg.Security.ProjectID)
}

// OIDCVerifier checks assertions against the issuer's published keys and
// pins the audience to the project id.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier performs issuer discovery and prepares the verifier.
func NewOIDCVerifier(ctx context.Context, issuer, audience string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover identity issuer %s: %w", issuer, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: audience})}, nil
}

// Verify validates signature, expiry, issuer, and audience.
func (v *OIDCVerifier) Verify(ctx context.Context, assertion string) (Identity, error) {
	idToken, err := v.verifier.Verify(ctx, assertion)
	if err != nil {
		return Identity{}, fmt.Errorf("verify assertion: %w", err)
	}
	identity := Identity{Subject: idToken.Subject}
	if len(idToken.Audience) > 0 {
		identity.Audience = idToken.Audience[0]
	}
	return identity, nil
}

// InsecureVerifier extracts claims without checking the signature. Dev
// mode only.
type InsecureVerifier struct{}

// Verify parses the assertion and returns its subject and audience as-is.
func (*InsecureVerifier) Verify(_ context.Context, assertion string) (Identity, error) {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return Identity{}, fmt.Errorf("parse assertion: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return Identity{}, errors.New("assertion has no subject")
	}

	identity := Identity{Subject: subject}
	if audience, err := token.Claims.GetAudience(); err == nil && len(audience) > 0 {
		identity.Audience = audience[0]
	}
	return identity, nil
}
