package server

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfigYAML() string {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	return `server:
  public_url: http://127.0.0.1:8080
  dev_mode: true
security:
  envelope_key: ` + key + `
  hmac_secret: 0123456789abcdef0123456789abcdef
  project_id: demo-project
clients:
  - client_id: web
    client_secret: s3cret
    redirect_uris: ["http://localhost:3000/callback"]
    scopes: ["profile", "email"]
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Storage.Backend != "memory" {
		t.Fatalf("default backend mismatch: %q", cfg.Storage.Backend)
	}
	if cfg.ScopeSeparator() != " " {
		t.Fatalf("default scope separator mismatch: %q", cfg.ScopeSeparator())
	}
	if cfg.AuthCodeTTL() != 10*time.Minute {
		t.Fatalf("default code TTL mismatch: %v", cfg.AuthCodeTTL())
	}
	if cfg.EnvelopeTTL() != DefaultEnvelopeTTL {
		t.Fatalf("default envelope TTL mismatch: %v", cfg.EnvelopeTTL())
	}
	if got := cfg.AuthenticationURL(); got != "http://127.0.0.1:8080/authentication/" {
		t.Fatalf("authentication URL mismatch: %q", got)
	}
	if got := cfg.ConsentURL(); got != "http://127.0.0.1:8080/authorize/consent" {
		t.Fatalf("consent URL mismatch: %q", got)
	}
	if len(cfg.Server.CORS.AllowedOrigins) != 1 || cfg.Server.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("default CORS origins mismatch: %v", cfg.Server.CORS.AllowedOrigins)
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv("GRANTD_SERVER_PUBLIC_URL", "http://auth.internal:9090")
	t.Setenv("GRANTD_STORAGE_BACKEND", "redis")
	t.Setenv("GRANTD_REDIS_ADDR", "redis.internal:6379")

	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "http://auth.internal:9090" {
		t.Fatalf("PublicURL override mismatch: %q", cfg.Server.PublicURL)
	}
	if cfg.Storage.Backend != "redis" || cfg.Storage.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("storage override mismatch: %+v", cfg.Storage)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	body := validConfigYAML() + "bogus_section:\n  x: 1\n"
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }},
		{"bad public url scheme", func(c *Config) { c.Server.PublicURL = "ftp://example.com" }},
		{"prod without tls domains", func(c *Config) { c.Server.DevMode = false; c.Identity.Issuer = "https://issuer" }},
		{"missing envelope key", func(c *Config) { c.Security.EnvelopeKey = "" }},
		{"short hmac secret", func(c *Config) { c.Security.HMACSecret = "short" }},
		{"missing project id", func(c *Config) { c.Security.ProjectID = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "dynamo" }},
		{"no clients", func(c *Config) { c.Clients = nil }},
		{"client without redirect", func(c *Config) { c.Clients[0].RedirectURIs = nil }},
		{"unsafe redirect uri", func(c *Config) { c.Clients[0].RedirectURIs = []string{"javascript:alert(1)"} }},
		{"user without credentials", func(c *Config) { c.Users = []UserConfig{{Username: "alice"}} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDecodedEnvelopeKeyAcceptsHex(t *testing.T) {
	sec := SecurityConfig{EnvelopeKey: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"}
	key, err := sec.DecodedEnvelopeKey()
	if err != nil {
		t.Fatalf("DecodedEnvelopeKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length mismatch: %d", len(key))
	}
}

func TestLifespansOverlayDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Tokens.ExpiresIn = map[string]int{"authorization_code": 3600}

	table := cfg.Lifespans()
	if table["authorization_code"] != time.Hour {
		t.Fatalf("configured lifespan not applied: %v", table["authorization_code"])
	}
	if table["implicit"] != DefaultImplicitExpiresIn*time.Second {
		t.Fatalf("implicit default mismatch: %v", table["implicit"])
	}
	if table["client_credentials"] != DefaultExpiresIn*time.Second {
		t.Fatalf("client_credentials default mismatch: %v", table["client_credentials"])
	}
}
