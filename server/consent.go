package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ory/fosite"

	"grantd/storage"
)

// ConsentDecision is the resolved outcome of the consent step: the user
// either allowed or denied the authorization request for the given
// subject.
type ConsentDecision struct {
	Allow   bool
	State   AuthRequestState
	Subject string
}

// resolveConsent turns a consent decision into the client callback URL.
// Denials produce an access_denied callback; approvals run the requested
// response type through the protocol engine, yielding an authorization
// code in the query or an implicit token in the fragment.
func (a *App) resolveConsent(ctx context.Context, client *storage.Client, decision ConsentDecision) (string, error) {
	state := decision.State

	if !decision.Allow {
		return errorRedirect(state.RedirectURI, "access_denied", "the resource owner denied the request", state.State), nil
	}

	redirectURI, err := url.Parse(state.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parse redirect uri: %w", err)
	}

	session := newSession(decision.Subject)

	ar := fosite.NewAuthorizeRequest()
	ar.Form = url.Values{"redirect_uri": {state.RedirectURI}}
	ar.Client = client
	ar.Session = session
	ar.RequestedAt = time.Now()
	ar.RedirectURI = redirectURI
	ar.ResponseTypes = fosite.Arguments{state.ResponseType}
	ar.State = state.State

	// Consent covers every requested scope; both response types issue
	// exactly what is granted here.
	for _, scope := range splitScope(state.Scope, a.Config.ScopeSeparator()) {
		ar.RequestedScope = append(ar.RequestedScope, scope)
		ar.GrantedScope = append(ar.GrantedScope, scope)
	}

	response, err := a.Provider.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		return "", err
	}

	if state.ResponseType == "token" {
		return appendFragment(state.RedirectURI, response.GetParameters()), nil
	}

	params := make(map[string]string, len(response.GetParameters()))
	for key := range response.GetParameters() {
		params[key] = response.GetParameters().Get(key)
	}
	return appendQuery(state.RedirectURI, params), nil
}
