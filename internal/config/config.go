// Package config loads ironguard's runtime configuration.
//
// Sources, highest priority first:
//  1. command-line flags bound into the viper instance
//  2. environment variables (IRONGUARD_* prefix, "." replaced by "_")
//  3. ironguard.yaml in /etc/ironguard, $HOME/.ironguard or the working directory
//  4. built-in defaults
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/ironguard/csp"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/lockout"
	"github.com/jmcleod/ironguard/session"
)

const envPrefix = "IRONGUARD"

// Storage backends.
const (
	BackendBolt   = "bbolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Session  SessionConfig  `mapstructure:"session"`
	Lockout  LockoutConfig  `mapstructure:"lockout"`
	CSP      CSPConfig      `mapstructure:"csp"`
	Security SecurityConfig `mapstructure:"security"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Users    UsersConfig    `mapstructure:"users"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Production      bool          `mapstructure:"production"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	NoTLS           bool          `mapstructure:"no_tls"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SessionConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	TouchInterval    time.Duration `mapstructure:"touch_interval"`
	RotationEnabled  bool          `mapstructure:"rotation_enabled"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	PurgeAfter       time.Duration `mapstructure:"purge_after"`
	TouchCacheSize   int           `mapstructure:"touch_cache_size"`
	SameSite         string        `mapstructure:"same_site"`
}

type LockoutConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	Window       time.Duration `mapstructure:"window"`
	LockDuration time.Duration `mapstructure:"lock_duration"`
}

// DirectiveConfig is one CSP directive. Name may be camelCase or kebab-case.
type DirectiveConfig struct {
	Name    string   `mapstructure:"name"`
	Sources []string `mapstructure:"sources"`
}

type CSPConfig struct {
	Mode string `mapstructure:"mode"`
	// EnforceAfter is an RFC 3339 timestamp; empty means never switch.
	EnforceAfter string            `mapstructure:"enforce_after"`
	Directives   []DirectiveConfig `mapstructure:"directives"`
}

type SecurityConfig struct {
	Blocklist      []string `mapstructure:"blocklist"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// RateLimit is requests per second per client address; 0 disables it.
	RateLimit    float64 `mapstructure:"rate_limit"`
	RateBurst    int     `mapstructure:"rate_burst"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
}

type AuditConfig struct {
	WebhookURL        string `mapstructure:"webhook_url"`
	WebhookAuthHeader string `mapstructure:"webhook_auth_header"`
	File              string `mapstructure:"file"`
	FileMaxSizeMB     int    `mapstructure:"file_max_size_mb"`
	FileMaxBackups    int    `mapstructure:"file_max_backups"`
	FileMaxAgeDays    int    `mapstructure:"file_max_age_days"`
	LogEntries        bool   `mapstructure:"log_entries"`
}

type UsersConfig struct {
	// TOTPKey is a hex-encoded 32-byte key sealing TOTP secrets at rest.
	TOTPKey           string        `mapstructure:"totp_key"`
	BootstrapUsername string        `mapstructure:"bootstrap_username"`
	BootstrapPassword string        `mapstructure:"bootstrap_password"`
	ChallengeTTL      time.Duration `mapstructure:"challenge_ttl"`
	// PasswordProfile names the argon2id cost: interactive, moderate or
	// sensitive.
	PasswordProfile string `mapstructure:"password_profile"`
}

type AlertsConfig struct {
	LoginFailureThreshold int           `mapstructure:"login_failure_threshold"`
	LoginFailureWindow    time.Duration `mapstructure:"login_failure_window"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8443,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendBolt,
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			TTL:              session.DefaultTTL,
			TouchInterval:    session.DefaultTouchInterval,
			RotationEnabled:  true,
			RotationInterval: session.DefaultRotationInterval,
			PurgeAfter:       session.DefaultPurgeAfter,
			TouchCacheSize:   session.DefaultTouchCacheSize,
			SameSite:         "lax",
		},
		Lockout: LockoutConfig{
			Threshold:    lockout.DefaultThreshold,
			Window:       lockout.DefaultWindow,
			LockDuration: lockout.DefaultLockDuration,
		},
		CSP: CSPConfig{
			Mode: string(csp.ModeReportOnly),
		},
		Security: SecurityConfig{
			RateLimit:    20,
			RateBurst:    40,
			MaxBodyBytes: 1 << 20,
		},
		Audit: AuditConfig{
			FileMaxSizeMB:  100,
			FileMaxBackups: 10,
			FileMaxAgeDays: 90,
			LogEntries:     true,
		},
		Users: UsersConfig{
			BootstrapUsername: "admin",
			ChallengeTTL:      5 * time.Minute,
			PasswordProfile:   util.KDFProfileModerate,
		},
		Alerts: AlertsConfig{
			LoginFailureThreshold: 50,
			LoginFailureWindow:    time.Minute,
		},
	}
}

// NewViper returns a viper instance with defaults registered, the config
// search path set and environment overrides enabled. Callers may bind
// flags into it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("ironguard")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/ironguard/")
	v.AddConfigPath("$HOME/.ironguard")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.production", d.Server.Production)
	v.SetDefault("server.tls_cert", d.Server.TLSCert)
	v.SetDefault("server.tls_key", d.Server.TLSKey)
	v.SetDefault("server.no_tls", d.Server.NoTLS)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.touch_interval", d.Session.TouchInterval)
	v.SetDefault("session.rotation_enabled", d.Session.RotationEnabled)
	v.SetDefault("session.rotation_interval", d.Session.RotationInterval)
	v.SetDefault("session.purge_after", d.Session.PurgeAfter)
	v.SetDefault("session.touch_cache_size", d.Session.TouchCacheSize)
	v.SetDefault("session.same_site", d.Session.SameSite)

	v.SetDefault("lockout.threshold", d.Lockout.Threshold)
	v.SetDefault("lockout.window", d.Lockout.Window)
	v.SetDefault("lockout.lock_duration", d.Lockout.LockDuration)

	v.SetDefault("csp.mode", d.CSP.Mode)
	v.SetDefault("csp.enforce_after", d.CSP.EnforceAfter)

	v.SetDefault("security.blocklist", []string{})
	v.SetDefault("security.trusted_proxies", []string{})
	v.SetDefault("security.rate_limit", d.Security.RateLimit)
	v.SetDefault("security.rate_burst", d.Security.RateBurst)
	v.SetDefault("security.max_body_bytes", d.Security.MaxBodyBytes)

	v.SetDefault("audit.webhook_url", d.Audit.WebhookURL)
	v.SetDefault("audit.webhook_auth_header", d.Audit.WebhookAuthHeader)
	v.SetDefault("audit.file", d.Audit.File)
	v.SetDefault("audit.file_max_size_mb", d.Audit.FileMaxSizeMB)
	v.SetDefault("audit.file_max_backups", d.Audit.FileMaxBackups)
	v.SetDefault("audit.file_max_age_days", d.Audit.FileMaxAgeDays)
	v.SetDefault("audit.log_entries", d.Audit.LogEntries)

	v.SetDefault("users.totp_key", d.Users.TOTPKey)
	v.SetDefault("users.bootstrap_username", d.Users.BootstrapUsername)
	v.SetDefault("users.bootstrap_password", d.Users.BootstrapPassword)
	v.SetDefault("users.challenge_ttl", d.Users.ChallengeTTL)
	v.SetDefault("users.password_profile", d.Users.PasswordProfile)

	v.SetDefault("alerts.login_failure_threshold", d.Alerts.LoginFailureThreshold)
	v.SetDefault("alerts.login_failure_window", d.Alerts.LoginFailureWindow)
}

// Load reads the configuration from v. A non-empty configFile replaces the
// search path. A missing config file on the search path is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError reports one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate returns every rejected setting joined into one error, or nil.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		add("server.tls_cert", "tls_cert and tls_key must be set together")
	}

	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite, BackendMemory:
	default:
		add("storage.backend", "unknown backend %q (want bbolt, sqlite or memory)", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendMemory && c.Storage.DataDir == "" {
		add("storage.data_dir", "data_dir is required for the %s backend", c.Storage.Backend)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format", "unknown format %q (want json or text)", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}

	if c.Session.TTL <= 0 {
		add("session.ttl", "ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Session.TouchInterval < 0 {
		add("session.touch_interval", "touch_interval must not be negative")
	}
	if c.Session.RotationEnabled && c.Session.RotationInterval <= 0 {
		add("session.rotation_interval", "rotation_interval must be positive when rotation is enabled")
	}
	if c.Session.TouchCacheSize < 0 {
		add("session.touch_cache_size", "touch_cache_size must not be negative")
	}
	if _, err := parseSameSite(c.Session.SameSite); err != nil {
		add("session.same_site", "%v", err)
	}

	if c.Lockout.Threshold < 1 {
		add("lockout.threshold", "threshold must be at least 1, got %d", c.Lockout.Threshold)
	}
	if c.Lockout.Window <= 0 {
		add("lockout.window", "window must be positive")
	}
	if c.Lockout.LockDuration <= 0 {
		add("lockout.lock_duration", "lock_duration must be positive")
	}

	if _, err := c.CSPPolicy(); err != nil {
		add("csp", "%v", err)
	}

	for _, entry := range c.Security.Blocklist {
		if !validAddressOrCIDR(entry) {
			add("security.blocklist", "malformed address or CIDR %q", entry)
		}
	}
	for _, entry := range c.Security.TrustedProxies {
		if !validAddressOrCIDR(entry) {
			add("security.trusted_proxies", "malformed address or CIDR %q", entry)
		}
	}
	if c.Security.RateLimit < 0 {
		add("security.rate_limit", "rate_limit must not be negative")
	}
	if c.Security.RateLimit > 0 && c.Security.RateBurst < 1 {
		add("security.rate_burst", "rate_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Security.MaxBodyBytes <= 0 {
		add("security.max_body_bytes", "max_body_bytes must be positive")
	}

	if c.Audit.WebhookURL != "" && !strings.HasPrefix(c.Audit.WebhookURL, "http://") && !strings.HasPrefix(c.Audit.WebhookURL, "https://") {
		add("audit.webhook_url", "webhook_url must be an http(s) URL")
	}

	if _, err := c.TOTPKey(); err != nil {
		add("users.totp_key", "%v", err)
	}
	if _, err := c.PasswordParams(); err != nil {
		add("users.password_profile", "%v", err)
	}
	if c.Users.BootstrapPassword != "" && c.Users.BootstrapUsername == "" {
		add("users.bootstrap_username", "bootstrap_username is required with bootstrap_password")
	}

	if c.Alerts.LoginFailureThreshold < 0 {
		add("alerts.login_failure_threshold", "threshold must not be negative")
	}

	return errors.Join(errs...)
}

func validAddressOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// SessionPolicy converts the session section.
func (c *Config) SessionPolicy() session.Config {
	return session.Config{
		TTL:              c.Session.TTL,
		TouchInterval:    c.Session.TouchInterval,
		RotationEnabled:  c.Session.RotationEnabled,
		RotationInterval: c.Session.RotationInterval,
		PurgeAfter:       c.Session.PurgeAfter,
		TouchCacheSize:   c.Session.TouchCacheSize,
	}
}

// LockoutPolicy converts the lockout section.
func (c *Config) LockoutPolicy() lockout.Config {
	return lockout.Config{
		Threshold:    c.Lockout.Threshold,
		Window:       c.Lockout.Window,
		LockDuration: c.Lockout.LockDuration,
	}
}

// CSPPolicy converts the csp section. Without configured directives the
// default nonce-based policy is used.
func (c *Config) CSPPolicy() (csp.Config, error) {
	policy := csp.DefaultConfig()
	mode, err := csp.ParseMode(c.CSP.Mode)
	if err != nil {
		return csp.Config{}, err
	}
	policy.Mode = mode
	if c.CSP.EnforceAfter != "" {
		at, err := time.Parse(time.RFC3339, c.CSP.EnforceAfter)
		if err != nil {
			return csp.Config{}, fmt.Errorf("invalid enforce_after: %w", err)
		}
		policy.EnforceAfter = at
	}
	if len(c.CSP.Directives) > 0 {
		policy.Directives = make([]csp.Directive, 0, len(c.CSP.Directives))
		for _, d := range c.CSP.Directives {
			policy.Directives = append(policy.Directives, csp.Directive{Name: d.Name, Sources: d.Sources})
		}
	}
	if err := policy.Validate(); err != nil {
		return csp.Config{}, err
	}
	return policy, nil
}

// SameSiteMode returns the cookie SameSite attribute.
func (c *Config) SameSiteMode() http.SameSite {
	mode, err := parseSameSite(c.Session.SameSite)
	if err != nil {
		return http.SameSiteLaxMode
	}
	return mode
}

func parseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("unknown same_site %q (want lax, strict or none)", s)
}

// TOTPKey decodes users.totp_key. An empty setting yields a nil key.
func (c *Config) TOTPKey() ([]byte, error) {
	if c.Users.TOTPKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Users.TOTPKey)
	if err != nil {
		return nil, fmt.Errorf("totp_key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("totp_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// PasswordParams resolves users.password_profile to argon2id parameters.
func (c *Config) PasswordParams() (util.Argon2idParams, error) {
	return util.Argon2idProfile(c.Users.PasswordProfile)
}
