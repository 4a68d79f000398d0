package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router assembles the HTTP surface: the browser-facing flow endpoints,
// the token endpoints, and health.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/authorize/entry", a.handleAuthorizeEntry)
	r.Get("/authorize/consent", a.handleConsentPage)
	r.Post("/authorize/consent", a.handleConsentDecision)
	r.Get("/authentication/", a.handleAuthenticationPage)
	r.Post("/authentication/", a.handleAuthenticate)

	r.Post("/token", a.handleToken)
	r.Post("/revoke", a.handleRevoke)
	r.Post("/introspect", a.handleIntrospect)

	r.Get("/healthz", a.handleHealth)

	return r
}
