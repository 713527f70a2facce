package config

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/csp"
	"github.com/jmcleod/ironguard/internal/util"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, 8*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Session.TouchInterval)
	assert.True(t, cfg.Session.RotationEnabled)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, 10*time.Minute, cfg.Lockout.Window)
	assert.Equal(t, 15*time.Minute, cfg.Lockout.LockDuration)
	assert.Equal(t, "report-only", cfg.CSP.Mode)
	assert.Equal(t, http.SameSiteLaxMode, cfg.SameSiteMode())
	assert.Equal(t, 50, cfg.Alerts.LoginFailureThreshold)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9443
  production: true
storage:
  backend: sqlite
  data_dir: /var/lib/ironguard
session:
  ttl: 2h
  same_site: strict
lockout:
  threshold: 3
csp:
  mode: enforce
  directives:
    - name: defaultSrc
      sources: ["'self'"]
    - name: scriptSrc
      sources: ["'self'", "'nonce-{{nonce}}'"]
security:
  blocklist: ["203.0.113.7", "198.51.100.0/24"]
`)

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.True(t, cfg.Server.Production)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, http.SameSiteStrictMode, cfg.SameSiteMode())
	assert.Equal(t, 3, cfg.LockoutPolicy().Threshold)
	assert.Equal(t, []string{"203.0.113.7", "198.51.100.0/24"}, cfg.Security.Blocklist)

	policy, err := cfg.CSPPolicy()
	require.NoError(t, err)
	assert.Equal(t, csp.ModeEnforce, policy.Mode)
	require.Len(t, policy.Directives, 2)
	assert.Equal(t, "scriptSrc", policy.Directives[1].Name)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("IRONGUARD_SERVER_PORT", "9000")
	t.Setenv("IRONGUARD_SESSION_TTL", "30m")
	t.Setenv("IRONGUARD_LOCKOUT_THRESHOLD", "7")
	t.Setenv("IRONGUARD_STORAGE_BACKEND", "memory")

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 7, cfg.Lockout.Threshold)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }, "session.ttl"},
		{"threshold below one", func(c *Config) { c.Lockout.Threshold = 0 }, "lockout.threshold"},
		{"unknown csp mode", func(c *Config) { c.CSP.Mode = "sometimes" }, "csp"},
		{"bad enforce_after", func(c *Config) { c.CSP.EnforceAfter = "tomorrow" }, "csp"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"malformed cidr", func(c *Config) { c.Security.Blocklist = []string{"10.0.0.0/33"} }, "security.blocklist"},
		{"malformed proxy", func(c *Config) { c.Security.TrustedProxies = []string{"proxy.local"} }, "security.trusted_proxies"},
		{"short totp key", func(c *Config) { c.Users.TOTPKey = "abcd" }, "users.totp_key"},
		{"unknown password profile", func(c *Config) { c.Users.PasswordProfile = "paranoid" }, "users.password_profile"},
		{"bad same_site", func(c *Config) { c.Session.SameSite = "sometimes" }, "session.same_site"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"half tls pair", func(c *Config) { c.Server.TLSCert = "cert.pem" }, "server.tls_cert"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestTOTPKey(t *testing.T) {
	cfg := Default()
	key, err := cfg.TOTPKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	cfg.Users.TOTPKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	key, err = cfg.TOTPKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestPasswordParams(t *testing.T) {
	cfg := Default()
	params, err := cfg.PasswordParams()
	require.NoError(t, err)
	assert.Equal(t, util.DefaultArgon2idParams(), params)

	cfg.Users.PasswordProfile = util.KDFProfileInteractive
	params, err = cfg.PasswordParams()
	require.NoError(t, err)
	assert.Equal(t, uint32(19*1024), params.MemoryKiB)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
