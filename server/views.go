package server

import (
	"fmt"
	"html/template"
	"os"
)

// Built-in page templates. Deployments that want their own look configure
// views.*_template_path; the templates receive the same data either way.

const loginPageHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Sign in</title>
</head>
<body>
  <h1>Sign in{{if .ProviderName}} to {{.ProviderName}}{{end}}</h1>
  <form method="post" action="{{.PostURL}}">
    <input type="hidden" name="auth_token" value="{{.AuthToken}}">
    <label>Identity assertion
      <input type="text" name="id_token" autocomplete="off">
    </label>
    <button type="submit" name="success" value="true">Continue</button>
    <button type="submit" name="success" value="false">Cancel</button>
  </form>
  <script>window.projectApiKey = {{.APIKey}};</script>
</body>
</html>
`

const consentPageHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Authorize access</title>
</head>
<body>
  <h1>{{.Payload.ProviderName}} requests access</h1>
  <ul>
    {{range .Payload.Scopes}}<li><strong>{{.Name}}</strong> {{.Description}}</li>
    {{end}}
  </ul>
  <form method="post" action="{{.PostURL}}">
    <input type="hidden" name="auth_token" value="{{.Payload.EncryptedAuthToken}}">
    <input type="hidden" name="user_id" value="{{.Payload.EncryptedUserID}}">
    <button type="submit" name="action" value="allow">Allow</button>
    <button type="submit" name="action" value="deny">Deny</button>
  </form>
</body>
</html>
`

// loginPageData is the model for the authentication page template.
type loginPageData struct {
	ProviderName string
	AuthToken    string
	APIKey       string
	PostURL      string
}

// consentPageData is the model for the consent page template.
type consentPageData struct {
	Payload consentPayload
	PostURL string
}

// loadTemplate parses the template at path, or falls back to the built-in
// source when no path is configured.
func loadTemplate(name, path, builtin string) (*template.Template, error) {
	source := builtin
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s template: %w", name, err)
		}
		source = string(b)
	}
	tmpl, err := template.New(name).Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return tmpl, nil
}
