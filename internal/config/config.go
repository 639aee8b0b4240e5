// Package config loads sandbox orchestrator configuration from environment
// variables, with two fields (script timeout and proxy allow-list) kept
// behind a mutex and exposed through thread-safe getters and setters.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all LiveLabs sandbox orchestrator configuration.
type Config struct {
	// Docker connection
	DockerSock string

	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// Notifications
	WebhookURL     string
	WebhookHeaders string // comma-separated "Key:Value" pairs
	MQTTBroker     string
	MQTTTopic      string
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTQoS        int

	// Control API
	WebPort    string
	WebEnabled bool

	// Authentication (single built-in operator identity)
	AuthEnabled   *bool // nil = use store default (true); non-nil = env override
	SessionExpiry time.Duration
	CookieSecure  bool

	// TLS
	TLSCert string
	TLSKey  string
	TLSAuto bool

	// WebAuthn passkeys (all empty = disabled)
	WebAuthnRPID        string
	WebAuthnDisplayName string
	WebAuthnOrigins     string
	MetricsEnabled      bool

	// Reconciliation sweep (cron schedule, standard five-field syntax)
	ReconcileSchedule string

	// Private registry auth: comma-separated "host=user:secret" triples,
	// e.g. "ghcr.io=me:token123,docker.io=me:hunter2".
	RegistryAuth string

	// mu protects the mutable fields below, which have thread-safe setters.
	mu             sync.RWMutex
	scriptTimeout  time.Duration // script timeout setting; the script runner does not read it
	proxyAllowlist []string      // regex patterns the embedding proxy accepts
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		scriptTimeout:  60 * time.Second,
		proxyAllowlist: []string{`^https?://localhost(:\d+)?(/.*)?$`, `^https?://127\.0\.0\.1(:\d+)?(/.*)?$`},
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerSock:          envStr("LIVELABS_DOCKER_SOCK", "/var/run/docker.sock"),
		DBPath:              envStr("LIVELABS_DB_PATH", "/data/livelabs.db"),
		LogJSON:             envBool("LIVELABS_LOG_JSON", true),
		WebhookURL:          envStr("LIVELABS_WEBHOOK_URL", ""),
		WebhookHeaders:      envStr("LIVELABS_WEBHOOK_HEADERS", ""),
		MQTTBroker:          envStr("LIVELABS_MQTT_BROKER", ""),
		MQTTTopic:           envStr("LIVELABS_MQTT_TOPIC", ""),
		MQTTClientID:        envStr("LIVELABS_MQTT_CLIENT_ID", ""),
		MQTTUsername:        envStr("LIVELABS_MQTT_USERNAME", ""),
		MQTTPassword:        envStr("LIVELABS_MQTT_PASSWORD", ""),
		MQTTQoS:             envInt("LIVELABS_MQTT_QOS", 0),
		WebPort:             envStr("LIVELABS_WEB_PORT", "8080"),
		WebEnabled:          envBool("LIVELABS_WEB_ENABLED", true),
		AuthEnabled:         envBoolPtr("LIVELABS_AUTH_ENABLED"),
		SessionExpiry:       envDuration("LIVELABS_SESSION_EXPIRY", 720*time.Hour),
		CookieSecure:        envBool("LIVELABS_COOKIE_SECURE", true),
		TLSCert:             envStr("LIVELABS_TLS_CERT", ""),
		TLSKey:              envStr("LIVELABS_TLS_KEY", ""),
		TLSAuto:             envBool("LIVELABS_TLS_AUTO", false),
		WebAuthnRPID:        envStr("LIVELABS_WEBAUTHN_RPID", ""),
		WebAuthnDisplayName: envStr("LIVELABS_WEBAUTHN_DISPLAY_NAME", "LiveLabs"),
		WebAuthnOrigins:     envStr("LIVELABS_WEBAUTHN_ORIGINS", ""),
		MetricsEnabled:      envBool("LIVELABS_METRICS", false),
		ReconcileSchedule:   envStr("LIVELABS_RECONCILE_SCHEDULE", "@every 1m"),
		RegistryAuth:        envStr("LIVELABS_REGISTRY_AUTH", ""),
		scriptTimeout:       envDuration("LIVELABS_SCRIPT_TIMEOUT", 60*time.Second),
		proxyAllowlist:      envList("LIVELABS_PROXY_ALLOWLIST", []string{`^https?://localhost(:\d+)?(/.*)?$`, `^https?://127\.0\.0\.1(:\d+)?(/.*)?$`}),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	timeout := c.scriptTimeout
	allowlist := c.proxyAllowlist
	c.mu.RUnlock()

	var errs []error
	if timeout <= 0 {
		errs = append(errs, fmt.Errorf("LIVELABS_SCRIPT_TIMEOUT must be > 0, got %s", timeout))
	}
	if len(allowlist) == 0 {
		errs = append(errs, fmt.Errorf("LIVELABS_PROXY_ALLOWLIST must not be empty"))
	}
	for _, p := range allowlist {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("LIVELABS_PROXY_ALLOWLIST pattern %q: %w", p, err))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, fmt.Errorf("LIVELABS_TLS_CERT and LIVELABS_TLS_KEY must both be set or both empty"))
	}
	if c.WebAuthnRPID != "" && c.WebAuthnOrigins == "" {
		errs = append(errs, fmt.Errorf("LIVELABS_WEBAUTHN_ORIGINS is required when LIVELABS_WEBAUTHN_RPID is set"))
	}
	if c.WebAuthnRPID == "" && c.WebAuthnOrigins != "" {
		errs = append(errs, fmt.Errorf("LIVELABS_WEBAUTHN_RPID is required when LIVELABS_WEBAUTHN_ORIGINS is set"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, redacting
// secrets.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	timeout := c.scriptTimeout
	allowlist := strings.Join(c.proxyAllowlist, ",")
	c.mu.RUnlock()

	return map[string]string{
		"LIVELABS_DOCKER_SOCK":          c.DockerSock,
		"LIVELABS_DB_PATH":              c.DBPath,
		"LIVELABS_LOG_JSON":             fmt.Sprintf("%t", c.LogJSON),
		"LIVELABS_WEBHOOK_URL":          c.WebhookURL,
		"LIVELABS_MQTT_BROKER":          c.MQTTBroker,
		"LIVELABS_WEB_PORT":             c.WebPort,
		"LIVELABS_WEB_ENABLED":          fmt.Sprintf("%t", c.WebEnabled),
		"LIVELABS_SESSION_EXPIRY":       c.SessionExpiry.String(),
		"LIVELABS_COOKIE_SECURE":        fmt.Sprintf("%t", c.CookieSecure),
		"LIVELABS_TLS_CERT":             c.TLSCert,
		"LIVELABS_TLS_KEY":              redactPath(c.TLSKey),
		"LIVELABS_TLS_AUTO":             fmt.Sprintf("%t", c.TLSAuto),
		"LIVELABS_WEBAUTHN_RPID":        c.WebAuthnRPID,
		"LIVELABS_WEBAUTHN_DISPLAY_NAME": c.WebAuthnDisplayName,
		"LIVELABS_WEBAUTHN_ORIGINS":     c.WebAuthnOrigins,
		"LIVELABS_METRICS":              fmt.Sprintf("%t", c.MetricsEnabled),
		"LIVELABS_RECONCILE_SCHEDULE":   c.ReconcileSchedule,
		"LIVELABS_REGISTRY_AUTH":        redactPath(c.RegistryAuth),
		"LIVELABS_SCRIPT_TIMEOUT":       timeout.String(),
		"LIVELABS_PROXY_ALLOWLIST":      allowlist,
	}
}

// ScriptTimeout returns the current default script timeout (thread-safe).
func (c *Config) ScriptTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scriptTimeout
}

// SetScriptTimeout updates the default script timeout at runtime (thread-safe).
func (c *Config) SetScriptTimeout(d time.Duration) {
	c.mu.Lock()
	c.scriptTimeout = d
	c.mu.Unlock()
}

// ProxyAllowlist returns a copy of the current allow-list patterns (thread-safe).
func (c *Config) ProxyAllowlist() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.proxyAllowlist))
	copy(out, c.proxyAllowlist)
	return out
}

// SetProxyAllowlist replaces the allow-list patterns at runtime (thread-safe).
func (c *Config) SetProxyAllowlist(patterns []string) {
	c.mu.Lock()
	c.proxyAllowlist = patterns
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// envBoolPtr returns a *bool from env. Returns nil if unset (lets the
// store's persisted default apply).
func envBoolPtr(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// redactPath returns "(set)" if the path is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// TLSEnabled returns true when TLS is configured (cert+key or auto).
func (c *Config) TLSEnabled() bool {
	return (c.TLSCert != "" && c.TLSKey != "") || c.TLSAuto
}

// WebAuthnEnabled returns true when WebAuthn passkeys are configured.
func (c *Config) WebAuthnEnabled() bool {
	return c.WebAuthnRPID != ""
}

// WebAuthnOriginList parses the comma-separated origins into a slice.
func (c *Config) WebAuthnOriginList() []string {
	if c.WebAuthnOrigins == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.WebAuthnOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
