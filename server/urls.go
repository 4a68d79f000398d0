package server

import (
	"net/url"
	"sort"
	"strings"
)

// isSafeRedirectURI validates that a redirect URI is safe to send a
// browser to. Blocks dangerous schemes, protocol-relative URLs, and
// credential or fragment tricks in the authority part.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain confusion
	if strings.Contains(rest, "@") {
		return false
	}

	// Blocks http://evil.com#http://trusted.com/callback
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}

// registeredRedirect reports whether uri exactly matches one of the
// registered URIs and passes the safety checks.
func registeredRedirect(registered []string, uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range registered {
		if u == uri {
			return true
		}
	}
	return false
}

// appendQuery adds parameters to a URL's query string, preserving what is
// already there.
func appendQuery(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// appendFragment attaches parameters as the URL fragment, replacing any
// existing fragment.
func appendFragment(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return u.String() + "#" + encodeNonEmpty(params)
}

// encodeNonEmpty encodes values like url.Values.Encode but skips empty
// ones, so optional parameters such as state never appear blank.
func encodeNonEmpty(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if v == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// errorRedirect builds the client callback URL for a failed authorization.
func errorRedirect(redirectURI, code, description, state string) string {
	return appendQuery(redirectURI, map[string]string{
		"error":             code,
		"error_description": description,
		"state":             state,
	})
}
