package server

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"grantd/storage"
)

// Token lifetime defaults, in seconds. Every grant type issues day-long
// tokens except implicit, whose tokens live in a browser fragment.
const (
	DefaultExpiresIn         = 86400
	DefaultImplicitExpiresIn = 3600
	DefaultScopeSeparator    = " "
	DefaultAuthCodeTTL       = 10 * time.Minute
)

// Hardcoded CORS defaults. Origins default to the wildcard so browser
// front ends can consume the JSON flow responses without extra
// configuration; deployments lock this down via cors.allowed_origins.
var (
	DefaultCORSAllowedOrigins = []string{"*"}
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Storage  StorageConfig  `yaml:"storage"`
	Identity IdentityConfig `yaml:"identity"`
	Views    ViewConfig     `yaml:"views"`
	Clients  []ClientConfig `yaml:"clients"`
	Scopes   []ScopeConfig  `yaml:"scopes"`
	Users    []UserConfig   `yaml:"users"`
}

// ServerConfig controls listener, TLS, and flow surface concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`

	// ProviderName labels the identity provider on the built-in pages when
	// a client does not set its own.
	ProviderName string `yaml:"provider_name"`

	// AuthenticationURL and ConsentURL point the flow at external front
	// ends. Empty values keep the built-in pages.
	AuthenticationURL string `yaml:"authentication_url"`
	ConsentURL        string `yaml:"consent_url"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// CORSConfig controls cross-origin access for browser based flows.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SecurityConfig holds key material and the project identity the
// authentication assertions must be issued for.
type SecurityConfig struct {
	// EnvelopeKey is the 32-byte auth_token encryption key, base64 or hex
	// encoded.
	EnvelopeKey string `yaml:"envelope_key"`

	// HMACSecret signs authorization codes and tokens; at least 32 bytes.
	HMACSecret string `yaml:"hmac_secret"`

	// ProjectID is the audience identity assertions must carry.
	ProjectID string `yaml:"project_id"`

	// ProjectAPIKey is exposed to the built-in authentication page.
	ProjectAPIKey string `yaml:"project_api_key"`

	// EnvelopeTTL bounds auth_token lifetime, e.g. "10m".
	EnvelopeTTL string `yaml:"envelope_ttl"`
}

// TokenConfig controls token lifetimes and scope parsing.
type TokenConfig struct {
	// ExpiresIn maps grant type to access token lifetime in seconds.
	ExpiresIn map[string]int `yaml:"expires_in"`

	ScopeSeparator string `yaml:"scope_separator"`

	// AuthCodeTTL bounds authorization code lifetime, e.g. "10m".
	AuthCodeTTL string `yaml:"auth_code_ttl"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "redis" or "memory".
	Backend string           `yaml:"backend"`
	Redis   RedisStoreConfig `yaml:"redis"`
}

// RedisStoreConfig mirrors storage.RedisConfig in YAML form.
type RedisStoreConfig struct {
	Addr         string `yaml:"addr"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	DialTimeout  string `yaml:"dial_timeout"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// IdentityConfig configures verification of authentication assertions.
type IdentityConfig struct {
	// Issuer is the OIDC issuer whose ID tokens prove authentication.
	// Empty in dev mode falls back to unverified parsing.
	Issuer string `yaml:"issuer"`
}

// ViewConfig overrides the built-in page templates.
type ViewConfig struct {
	ConsentTemplatePath string `yaml:"consent_template_path"`
	LoginTemplatePath   string `yaml:"login_template_path"`
}

// ClientConfig describes an OAuth client.
type ClientConfig struct {
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	RedirectURIs    []string `yaml:"redirect_uris"`
	Scopes          []string `yaml:"scopes"`
	GrantTypes      []string `yaml:"grant_types"`
	ResponseTypes   []string `yaml:"response_types"`
	ProviderName    string   `yaml:"provider_name"`
	ImplicitConsent bool     `yaml:"implicit_consent"`
	BrowserRedirect bool     `yaml:"browser_redirect"`
}

// ScopeConfig describes a scope catalog entry.
type ScopeConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// UserConfig describes a resource owner for the password grant. Either a
// bcrypt hash or, for dev setups, a plaintext password that is hashed at
// startup.
type UserConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w (check for typos or deprecated fields)", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			ProviderName:    "grantd",
			TLS:             TLSConfig{CacheDir: "./tls-cache"},
			CORS: CORSConfig{
				AllowedOrigins: DefaultCORSAllowedOrigins,
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Tokens: TokenConfig{
			ScopeSeparator: DefaultScopeSeparator,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: RedisStoreConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "grantd:",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"GRANTD_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"GRANTD_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"GRANTD_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"GRANTD_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"GRANTD_SERVER_TLS_EMAIL":       func(v string) { cfg.Server.TLS.Email = v },
		"GRANTD_SECURITY_ENVELOPE_KEY":  func(v string) { cfg.Security.EnvelopeKey = v },
		"GRANTD_SECURITY_HMAC_SECRET":   func(v string) { cfg.Security.HMACSecret = v },
		"GRANTD_SECURITY_PROJECT_ID":    func(v string) { cfg.Security.ProjectID = v },
		"GRANTD_SECURITY_API_KEY":       func(v string) { cfg.Security.ProjectAPIKey = v },
		"GRANTD_STORAGE_BACKEND":        func(v string) { cfg.Storage.Backend = v },
		"GRANTD_REDIS_ADDR":             func(v string) { cfg.Storage.Redis.Addr = v },
		"GRANTD_REDIS_PASSWORD":         func(v string) { cfg.Storage.Redis.Password = v },
		"GRANTD_REDIS_DB":               func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"GRANTD_IDENTITY_ISSUER":        func(v string) { cfg.Identity.Issuer = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if _, err := c.Security.DecodedEnvelopeKey(); err != nil {
		return err
	}
	if len(c.Security.HMACSecret) < 32 {
		return errors.New("security.hmac_secret must be at least 32 bytes")
	}
	if c.Security.ProjectID == "" {
		return errors.New("security.project_id is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'redis' or 'memory', got: %s", c.Storage.Backend)
	}

	if !c.Server.DevMode && c.Identity.Issuer == "" {
		return errors.New("identity.issuer is required in production mode")
	}

	if len(c.Clients) == 0 {
		return errors.New("at least one client must be configured")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !isSafeRedirectURI(uri) {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] is not a valid http(s) URL: %s", i, client.ClientID, j, uri)
			}
		}
	}

	for i, user := range c.Users {
		if user.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if user.Password == "" && user.PasswordHash == "" {
			return fmt.Errorf("users[%d] (%s): password or password_hash is required", i, user.Username)
		}
	}

	return nil
}

// DecodedEnvelopeKey decodes the envelope key and enforces the 32-byte
// length the cipher requires.
func (c SecurityConfig) DecodedEnvelopeKey() ([]byte, error) {
	if c.EnvelopeKey == "" {
		return nil, errors.New("security.envelope_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EnvelopeKey)
	if err != nil {
		key, err = hex.DecodeString(c.EnvelopeKey)
		if err != nil {
			return nil, errors.New("security.envelope_key must be base64 or hex encoded")
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("security.envelope_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// EnvelopeTTL returns the configured auth_token lifetime.
func (c Config) EnvelopeTTL() time.Duration {
	return parseDuration(c.Security.EnvelopeTTL, DefaultEnvelopeTTL)
}

// AuthCodeTTL returns the configured authorization code lifetime.
func (c Config) AuthCodeTTL() time.Duration {
	return parseDuration(c.Tokens.AuthCodeTTL, DefaultAuthCodeTTL)
}

// Lifespans builds the grant-type token lifetime table: configured values
// overlaid on the defaults.
func (c Config) Lifespans() storage.GrantLifespans {
	table := storage.GrantLifespans{
		"authorization_code": DefaultExpiresIn * time.Second,
		"implicit":           DefaultImplicitExpiresIn * time.Second,
		"refresh_token":      DefaultExpiresIn * time.Second,
		"client_credentials": DefaultExpiresIn * time.Second,
		"password":           DefaultExpiresIn * time.Second,
	}
	for grantType, seconds := range c.Tokens.ExpiresIn {
		if seconds > 0 {
			table[grantType] = time.Duration(seconds) * time.Second
		}
	}
	return table
}

// ScopeSeparator returns the configured scope separator.
func (c Config) ScopeSeparator() string {
	if c.Tokens.ScopeSeparator == "" {
		return DefaultScopeSeparator
	}
	return c.Tokens.ScopeSeparator
}

// RedisStorageConfig converts the YAML form into the storage package form.
func (c Config) RedisStorageConfig() storage.RedisConfig {
	return storage.RedisConfig{
		Addr:         c.Storage.Redis.Addr,
		Username:     c.Storage.Redis.Username,
		Password:     c.Storage.Redis.Password,
		DB:           c.Storage.Redis.DB,
		KeyPrefix:    c.Storage.Redis.KeyPrefix,
		DialTimeout:  parseDuration(c.Storage.Redis.DialTimeout, storage.DefaultDialTimeout),
		ReadTimeout:  parseDuration(c.Storage.Redis.ReadTimeout, storage.DefaultReadTimeout),
		WriteTimeout: parseDuration(c.Storage.Redis.WriteTimeout, storage.DefaultWriteTimeout),
	}
}

// AuthenticationURL is the absolute URL of the authentication surface.
func (c Config) AuthenticationURL() string {
	if c.Server.AuthenticationURL != "" {
		return c.Server.AuthenticationURL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/authentication/"
}

// ConsentURL is the absolute URL of the consent surface.
func (c Config) ConsentURL() string {
	if c.Server.ConsentURL != "" {
		return c.Server.ConsentURL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/authorize/consent"
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
