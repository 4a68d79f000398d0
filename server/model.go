package server

import (
	"strings"

	"grantd/storage"
)

// AuthRequestState is the authorization request carried across the
// unauthenticated redirect hops between entry, authentication, and consent.
// It travels only inside an encrypted envelope; nothing server-side is
// stored until consent is resolved.
type AuthRequestState struct {
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	ResponseType string `json:"response_type"`
	Scope        string `json:"scope"`
	State        string `json:"state,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// subjectEnvelope wraps the authenticated user id between the
// authentication and consent steps.
type subjectEnvelope struct {
	Subject   string `json:"sub"`
	CreatedAt int64  `json:"created_at"`
}

// consentPayload is the render-ready consent page model. Field names match
// what consent front ends consume.
type consentPayload struct {
	Scope              string          `json:"scope"`
	Scopes             []storage.Scope `json:"scopes"`
	EncryptedAuthToken string          `json:"encryptedAuthToken"`
	EncryptedUserID    string          `json:"encryptedUserId"`
	ProviderName       string          `json:"providerName"`
}

// splitScope breaks a scope string on the configured separator, dropping
// empty items.
func splitScope(scope, separator string) []string {
	if separator == "" {
		separator = " "
	}
	parts := strings.Split(scope, separator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
