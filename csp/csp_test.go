package csp

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_OrderKebabAndNonce(t *testing.T) {
	cfg := Config{Directives: []Directive{
		{Name: "defaultSrc", Sources: []string{"'self'"}},
		{Name: "scriptSrc", Sources: []string{"'self'", "'nonce-{{nonce}}'"}},
		{Name: "style-src", Sources: []string{"'nonce-{{nonce}}'", "https://fonts.example/{{nonce}}"}},
		{Name: "upgradeInsecureRequests"},
	}}

	got, err := Build(cfg, "abc123")
	require.NoError(t, err)
	assert.Equal(t,
		"default-src 'self'; script-src 'self' 'nonce-abc123'; style-src 'nonce-abc123' https://fonts.example/abc123; upgrade-insecure-requests",
		got)

	again, err := Build(cfg, "abc123")
	require.NoError(t, err)
	assert.Equal(t, got, again, "output is deterministic")
}

func TestBuild_RejectsMalformedInput(t *testing.T) {
	_, err := Build(Config{Directives: []Directive{{Name: ""}}}, "n")
	assert.Error(t, err)
	_, err = Build(Config{Directives: []Directive{{Name: "script src"}}}, "n")
	assert.Error(t, err)
	_, err = Build(Config{Directives: []Directive{{Name: "scriptSrc", Sources: []string{"'self'; object-src *"}}}}, "n")
	assert.Error(t, err)
}

func TestEffectiveMode(t *testing.T) {
	cutover := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Mode: ModeReportOnly, EnforceAfter: cutover}

	assert.Equal(t, ModeReportOnly, cfg.EffectiveMode(cutover.Add(-time.Second)))
	assert.Equal(t, ModeEnforce, cfg.EffectiveMode(cutover))
	assert.Equal(t, ModeEnforce, cfg.EffectiveMode(cutover.Add(time.Hour)))

	assert.Equal(t, ModeReportOnly, Config{}.EffectiveMode(cutover))
	assert.Equal(t, ModeEnforce, Config{Mode: ModeEnforce}.EffectiveMode(cutover))
}

func TestParseModeAndValidate(t *testing.T) {
	m, err := ParseMode(" Enforce ")
	require.NoError(t, err)
	assert.Equal(t, ModeEnforce, m)
	_, err = ParseMode("block")
	assert.Error(t, err)

	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Mode: "loud"}.Validate())
}

func TestGenerateNonce_Has128Bits(t *testing.T) {
	n, err := GenerateNonce()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(n)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestMiddleware_SetsNonceAndPolicy(t *testing.T) {
	var seen []string
	h := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, NonceFromRequest(r))
	}))

	var nonces []string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		nonce := rec.Header().Get(NonceHeader)
		require.NotEmpty(t, nonce)
		policy := rec.Header().Get(reportOnlyHeader)
		assert.Contains(t, policy, "script-src 'self' 'nonce-"+nonce+"'")
		assert.NotContains(t, policy, NoncePlaceholder)
		assert.Empty(t, rec.Header().Get(enforceHeader))
		nonces = append(nonces, nonce)
	}
	assert.Equal(t, nonces, seen, "handler sees the same nonce as the header")
	assert.NotEqual(t, nonces[0], nonces[1], "nonce is fresh per request")
}

func TestMiddleware_EnforcesAfterCutover(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceAfter = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	h := Middleware(cfg, WithClock(func() time.Time { return now }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, rec.Header().Get(enforceHeader))
	assert.Empty(t, rec.Header().Get(reportOnlyHeader))
}

func TestMiddleware_FailuresDegradeToNoHeader(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("nonce source fails", func(t *testing.T) {
		h := Middleware(DefaultConfig(), WithNonceSource(func() (string, error) {
			return "", errors.New("entropy exhausted")
		}))(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(NonceHeader))
		assert.Empty(t, rec.Header().Get(reportOnlyHeader))
	})

	t.Run("policy build fails", func(t *testing.T) {
		cfg := Config{Directives: []Directive{{Name: "bad name"}}}
		h := Middleware(cfg)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		for name := range rec.Header() {
			assert.False(t, strings.HasPrefix(name, "Content-Security-Policy"), name)
		}
	})
}
