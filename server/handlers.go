package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"grantd/storage"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    storage.Store
	Provider fosite.OAuth2Provider
	Codec    *EnvelopeCodec
	Verifier IdentityVerifier

	loginTmpl   *template.Template
	consentTmpl *template.Template
}

// NewApp wires together the application state from configuration and
// seeds the storage backend with the configured clients, scopes, and
// users.
func NewApp(ctx context.Context, cfg Config, store storage.Store, verifier IdentityVerifier, logger *slog.Logger) (*App, error) {
	key, err := cfg.Security.DecodedEnvelopeKey()
	if err != nil {
		return nil, err
	}
	codec, err := NewEnvelopeCodec(key, cfg.EnvelopeTTL())
	if err != nil {
		return nil, err
	}

	loginTmpl, err := loadTemplate("login", cfg.Views.LoginTemplatePath, loginPageHTML)
	if err != nil {
		return nil, err
	}
	consentTmpl, err := loadTemplate("consent", cfg.Views.ConsentTemplatePath, consentPageHTML)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Provider:    NewProvider(cfg, store),
		Codec:       codec,
		Verifier:    verifier,
		loginTmpl:   loginTmpl,
		consentTmpl: consentTmpl,
	}

	if err := app.seed(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// seed registers configured clients, scopes, and users.
func (a *App) seed(ctx context.Context) error {
	for _, cc := range a.Config.Clients {
		client, err := buildClient(cc, a.Config.Server.ProviderName)
		if err != nil {
			return err
		}
		if err := a.Store.RegisterClient(ctx, client); err != nil {
			return fmt.Errorf("register client %s: %w", cc.ClientID, err)
		}
	}
	for _, sc := range a.Config.Scopes {
		if err := a.Store.RegisterScope(ctx, storage.Scope{Name: sc.Name, Description: sc.Description}); err != nil {
			return fmt.Errorf("register scope %s: %w", sc.Name, err)
		}
	}
	for _, uc := range a.Config.Users {
		hash := []byte(uc.PasswordHash)
		if len(hash) == 0 {
			var err error
			hash, err = bcrypt.GenerateFromPassword([]byte(uc.Password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password for %s: %w", uc.Username, err)
			}
		}
		if err := a.Store.RegisterUser(ctx, storage.User{Username: uc.Username, PasswordHash: hash}); err != nil {
			return fmt.Errorf("register user %s: %w", uc.Username, err)
		}
	}
	return nil
}

func buildClient(cc ClientConfig, defaultProvider string) (*storage.Client, error) {
	var hashedSecret []byte
	if cc.ClientSecret != "" {
		var err error
		hashedSecret, err = bcrypt.GenerateFromPassword([]byte(cc.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash secret for %s: %w", cc.ClientID, err)
		}
	}

	grantTypes := cc.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "implicit", "refresh_token", "password"}
		if hashedSecret != nil {
			grantTypes = append(grantTypes, "client_credentials")
		}
	}
	responseTypes := cc.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code", "token"}
	}
	providerName := cc.ProviderName
	if providerName == "" {
		providerName = defaultProvider
	}

	return &storage.Client{
		ID:              cc.ClientID,
		HashedSecret:    hashedSecret,
		RedirectURIs:    cc.RedirectURIs,
		GrantTypes:      grantTypes,
		ResponseTypes:   responseTypes,
		Scopes:          cc.Scopes,
		Public:          hashedSecret == nil,
		ProviderName:    providerName,
		ImplicitConsent: cc.ImplicitConsent,
		BrowserRedirect: cc.BrowserRedirect,
	}, nil
}

// handleAuthorizeEntry validates an authorization request, seals it into
// an encrypted envelope, and sends the browser to the authentication
// surface. No server-side state is created.
func (a *App) handleAuthorizeEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	wantRedirect := q.Get("redirect") != "false"

	if clientID == "" || redirectURI == "" {
		a.writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("client_id and redirect_uri are required."))
		return
	}

	client, err := a.Store.GetRegisteredClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.writeOAuthError(w, fosite.ErrInvalidClient.WithHint("Client is not registered."))
			return
		}
		a.serverError(w, err)
		return
	}

	// An unregistered redirect_uri never receives an error redirect.
	if !registeredRedirect(client.RedirectURIs, redirectURI) {
		a.writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("redirect_uri is not registered for this client."))
		return
	}

	if responseType != "code" && responseType != "token" {
		a.writeOAuthError(w, fosite.ErrUnsupportedResponseType.WithHint("response_type must be 'code' or 'token'."))
		return
	}

	for _, sc := range splitScope(scope, a.Config.ScopeSeparator()) {
		if !client.GetScopes().Has(sc) {
			a.writeOAuthError(w, fosite.ErrInvalidScope.WithHintf("The client is not allowed to request scope '%s'.", sc))
			return
		}
	}

	authToken, err := a.Codec.SealState(AuthRequestState{
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		ResponseType: responseType,
		Scope:        scope,
		State:        state,
	})
	if err != nil {
		a.serverError(w, err)
		return
	}

	target := appendQuery(a.Config.AuthenticationURL(), map[string]string{"auth_token": authToken})
	a.deliver(w, r, client, wantRedirect, target)
}

// handleAuthenticationPage serves the authentication surface: either a
// redirect to the configured external front end or the built-in page.
func (a *App) handleAuthenticationPage(w http.ResponseWriter, r *http.Request) {
	authToken := r.URL.Query().Get("auth_token")
	state, err := a.Codec.OpenState(authToken)
	if err != nil {
		a.envelopeError(w, err)
		return
	}

	client, err := a.Store.GetRegisteredClient(r.Context(), state.ClientID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	if a.Config.Server.AuthenticationURL != "" {
		target := appendQuery(a.Config.Server.AuthenticationURL, map[string]string{"auth_token": authToken})
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	data := loginPageData{
		ProviderName: client.ProviderName,
		AuthToken:    authToken,
		APIKey:       a.Config.Security.ProjectAPIKey,
		PostURL:      a.Config.AuthenticationURL(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.loginTmpl.Execute(w, data); err != nil {
		a.Logger.Error("render login page", "error", err)
	}
}

// handleAuthenticate consumes the authentication result. A verified
// assertion moves the flow to consent (or straight to grant issuance for
// implicit-consent clients); anything else is an access_denied outcome.
func (a *App) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("invalid form"))
		return
	}

	state, err := a.Codec.OpenState(r.PostFormValue("auth_token"))
	if err != nil {
		a.envelopeError(w, err)
		return
	}

	client, err := a.Store.GetRegisteredClient(r.Context(), state.ClientID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	wantRedirect := r.PostFormValue("redirect") != "false" && !client.BrowserRedirect

	// Anything short of an explicit success=true is a cancellation.
	assertion := r.PostFormValue("id_token")
	if r.PostFormValue("success") != "true" || assertion == "" {
		a.deliverError(w, client, wantRedirect, state.RedirectURI, "access_denied", "authentication was cancelled", state.State)
		return
	}

	identity, err := a.Verifier.Verify(r.Context(), assertion)
	if err != nil {
		a.Logger.Warn("assertion rejected", "client_id", state.ClientID, "error", err)
		a.deliverError(w, client, wantRedirect, state.RedirectURI, "access_denied", "identity assertion could not be verified", state.State)
		return
	}
	if identity.Audience != a.Config.Security.ProjectID {
		a.Logger.Warn("assertion audience mismatch", "client_id", state.ClientID, "audience", identity.Audience)
		a.deliverError(w, client, wantRedirect, state.RedirectURI, "access_denied", "identity assertion was issued for another project", state.State)
		return
	}

	if client.ImplicitConsent {
		target, err := a.resolveConsent(r.Context(), client, ConsentDecision{Allow: true, State: state, Subject: identity.Subject})
		if err != nil {
			a.grantError(w, client, wantRedirect, state, err)
			return
		}
		a.deliver(w, r, client, wantRedirect, target)
		return
	}

	userToken, err := a.Codec.SealSubject(identity.Subject)
	if err != nil {
		a.serverError(w, err)
		return
	}
	target := appendQuery(a.Config.ConsentURL(), map[string]string{
		"auth_token": r.PostFormValue("auth_token"),
		"user_id":    userToken,
	})
	a.deliver(w, r, client, wantRedirect, target)
}

// handleConsentPage builds the consent view model: the requested scopes
// with their catalog descriptions, the provider label, and the envelopes
// the decision form must post back. response_type=raw returns the model
// as JSON for external consent front ends.
func (a *App) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, err := a.Codec.OpenState(q.Get("auth_token"))
	if err != nil {
		a.envelopeError(w, err)
		return
	}
	if _, err := a.Codec.OpenSubject(q.Get("user_id")); err != nil {
		a.envelopeError(w, err)
		return
	}

	client, err := a.Store.GetRegisteredClient(r.Context(), state.ClientID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	catalog, err := a.Store.ListScopes(r.Context())
	if err != nil {
		a.serverError(w, err)
		return
	}
	descriptions := make(map[string]string, len(catalog))
	for _, sc := range catalog {
		descriptions[sc.Name] = sc.Description
	}

	requested := splitScope(state.Scope, a.Config.ScopeSeparator())
	scopes := make([]storage.Scope, 0, len(requested))
	for _, name := range requested {
		scopes = append(scopes, storage.Scope{Name: name, Description: descriptions[name]})
	}

	payload := consentPayload{
		Scope:              state.Scope,
		Scopes:             scopes,
		EncryptedAuthToken: q.Get("auth_token"),
		EncryptedUserID:    q.Get("user_id"),
		ProviderName:       client.ProviderName,
	}

	if q.Get("response_type") == "raw" {
		writeJSON(w, payload)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := consentPageData{Payload: payload, PostURL: a.Config.ConsentURL()}
	if err := a.consentTmpl.Execute(w, data); err != nil {
		a.Logger.Error("render consent page", "error", err)
	}
}

// handleConsentDecision resolves the posted allow/deny decision into the
// client callback.
func (a *App) handleConsentDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("invalid form"))
		return
	}

	state, err := a.Codec.OpenState(r.PostFormValue("auth_token"))
	if err != nil {
		a.envelopeError(w, err)
		return
	}
	subject, err := a.Codec.OpenSubject(r.PostFormValue("user_id"))
	if err != nil {
		a.envelopeError(w, err)
		return
	}

	client, err := a.Store.GetRegisteredClient(r.Context(), state.ClientID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	wantRedirect := r.PostFormValue("redirect") != "false" && !client.BrowserRedirect

	decision := ConsentDecision{
		Allow:   r.PostFormValue("action") == "allow",
		State:   state,
		Subject: subject,
	}
	target, err := a.resolveConsent(r.Context(), client, decision)
	if err != nil {
		a.grantError(w, client, wantRedirect, state, err)
		return
	}
	a.deliver(w, r, client, wantRedirect, target)
}

// handleToken runs the token endpoint through the protocol engine. The
// grant handlers cover authorization_code (single-use consumption),
// refresh_token (rotation), client_credentials, and password.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := newSession("")

	accessRequest, err := a.Provider.NewAccessRequest(ctx, r, session)
	if err != nil {
		a.Logger.Warn("token request rejected", "error", err)
		a.Provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := a.Provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		a.Logger.Error("token issuance failed", "error", err)
		a.Provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	a.Provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// handleRevoke implements RFC 7009 token revocation.
func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := a.Provider.NewRevocationRequest(ctx, r)
	if err != nil {
		a.Logger.Warn("revocation rejected", "error", err)
	}
	a.Provider.WriteRevocationResponse(ctx, w, err)
}

// handleIntrospect implements RFC 7662 token introspection.
func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ir, err := a.Provider.NewIntrospectionRequest(ctx, r, newSession(""))
	if err != nil {
		a.Logger.Warn("introspection rejected", "error", err)
		a.Provider.WriteIntrospectionError(ctx, w, err)
		return
	}
	a.Provider.WriteIntrospectionResponse(ctx, w, ir)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Error("storage unreachable", "error", err)
		http.Error(w, "storage unreachable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// deliver sends the browser to target, or hands the URL back as JSON for
// clients that follow redirects themselves.
func (a *App) deliver(w http.ResponseWriter, r *http.Request, client *storage.Client, wantRedirect bool, target string) {
	if wantRedirect && !client.BrowserRedirect {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "url": target})
}

// deliverError reports a flow error on the client callback, honoring the
// same redirect duality as deliver.
func (a *App) deliverError(w http.ResponseWriter, client *storage.Client, wantRedirect bool, redirectURI, code, description, state string) {
	if wantRedirect && !client.BrowserRedirect {
		w.Header().Set("Location", errorRedirect(redirectURI, code, description, state))
		w.WriteHeader(http.StatusFound)
		return
	}
	writeJSON(w, map[string]string{"error": code, "error_description": description})
}

// grantError maps a protocol engine failure to the client callback.
func (a *App) grantError(w http.ResponseWriter, client *storage.Client, wantRedirect bool, state AuthRequestState, err error) {
	rfc := fosite.ErrorToRFC6749Error(err)
	a.Logger.Error("grant issuance failed", "client_id", state.ClientID, "error", rfc.ErrorField, "description", rfc.GetDescription())
	a.deliverError(w, client, wantRedirect, state.RedirectURI, rfc.ErrorField, rfc.GetDescription(), state.State)
}

// envelopeError reports an unusable auth_token. Tampered and expired
// envelopes are both client errors; the redirect target inside them
// cannot be trusted, so no redirect is attempted.
func (a *App) envelopeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrTokenExpired) {
		a.writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("The auth token has expired."))
		return
	}
	a.writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("The auth token is missing or invalid."))
}

// writeOAuthError renders a protocol error as JSON with its RFC 6749
// status code.
func (a *App) writeOAuthError(w http.ResponseWriter, err error) {
	rfc := fosite.ErrorToRFC6749Error(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(rfc.CodeField)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             rfc.ErrorField,
		"error_description": rfc.GetDescription(),
	})
}

func (a *App) serverError(w http.ResponseWriter, err error) {
	a.Logger.Error("internal error", "error", err)
	a.writeOAuthError(w, fosite.ErrServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
