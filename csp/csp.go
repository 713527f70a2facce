// Package csp assembles a Content-Security-Policy per request around a fresh
// nonce and supports a report-only phase with a scheduled switch to
// enforcement.
package csp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/jmcleod/ironguard/internal/util"
)

const (
	// NoncePlaceholder is replaced in every source token by the request nonce.
	NoncePlaceholder = "{{nonce}}"
	// NonceHeader exposes the request nonce to the client.
	NonceHeader = "X-CSP-Nonce"

	enforceHeader    = "Content-Security-Policy"
	reportOnlyHeader = "Content-Security-Policy-Report-Only"
	nonceBytes       = 16
)

// Mode selects the policy header.
type Mode string

const (
	ModeReportOnly Mode = "report-only"
	ModeEnforce    Mode = "enforce"
)

// ParseMode accepts "report-only" or "enforce".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeReportOnly, ModeEnforce:
		return m, nil
	}
	return "", fmt.Errorf("unknown CSP mode %q", s)
}

// Directive is one policy directive. Name may be camelCase (scriptSrc) or
// wire form (script-src).
type Directive struct {
	Name    string
	Sources []string
}

// Config is the process-wide policy configuration. Directives are emitted
// in slice order.
type Config struct {
	Mode         Mode
	Directives   []Directive
	EnforceAfter time.Time
}

// DefaultConfig returns a nonce-based policy in report-only mode.
func DefaultConfig() Config {
	nonce := "'nonce-" + NoncePlaceholder + "'"
	return Config{
		Mode: ModeReportOnly,
		Directives: []Directive{
			{Name: "defaultSrc", Sources: []string{"'self'"}},
			{Name: "scriptSrc", Sources: []string{"'self'", nonce}},
			{Name: "styleSrc", Sources: []string{"'self'", nonce}},
			{Name: "imgSrc", Sources: []string{"'self'", "data:"}},
			{Name: "connectSrc", Sources: []string{"'self'"}},
			{Name: "fontSrc", Sources: []string{"'self'"}},
			{Name: "objectSrc", Sources: []string{"'none'"}},
			{Name: "baseUri", Sources: []string{"'self'"}},
			{Name: "formAction", Sources: []string{"'self'"}},
			{Name: "frameAncestors", Sources: []string{"'none'"}},
		},
	}
}

// EffectiveMode returns ModeEnforce once EnforceAfter is set and reached,
// and the configured mode otherwise.
func (c Config) EffectiveMode(now time.Time) Mode {
	if !c.EnforceAfter.IsZero() && !now.Before(c.EnforceAfter) {
		return ModeEnforce
	}
	if c.Mode == "" {
		return ModeReportOnly
	}
	return c.Mode
}

// Validate checks the mode and that every directive name is well formed.
func (c Config) Validate() error {
	if c.Mode != "" {
		if _, err := ParseMode(string(c.Mode)); err != nil {
			return err
		}
	}
	for _, d := range c.Directives {
		if _, err := directiveName(d.Name); err != nil {
			return err
		}
	}
	return nil
}

// HeaderName returns the response header used for mode.
func HeaderName(mode Mode) string {
	if mode == ModeEnforce {
		return enforceHeader
	}
	return reportOnlyHeader
}

// Build renders the policy: sources joined by spaces with the nonce
// substituted, names converted to kebab-case, directives joined by "; ".
func Build(cfg Config, nonce string) (string, error) {
	parts := make([]string, 0, len(cfg.Directives))
	for _, d := range cfg.Directives {
		name, err := directiveName(d.Name)
		if err != nil {
			return "", err
		}
		if len(d.Sources) == 0 {
			parts = append(parts, name)
			continue
		}
		sources := strings.ReplaceAll(strings.Join(d.Sources, " "), NoncePlaceholder, nonce)
		if strings.ContainsAny(sources, ";,\r\n") {
			return "", fmt.Errorf("directive %s: invalid source list %q", name, sources)
		}
		parts = append(parts, name+" "+sources)
	}
	return strings.Join(parts, "; "), nil
}

// directiveName converts camelCase to kebab-case and rejects anything that
// is not a plain ASCII identifier.
func directiveName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty CSP directive name")
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r > unicode.MaxASCII:
			return "", fmt.Errorf("invalid CSP directive name %q", name)
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r), unicode.IsDigit(r), r == '-':
			b.WriteRune(r)
		default:
			return "", fmt.Errorf("invalid CSP directive name %q", name)
		}
	}
	return b.String(), nil
}

// GenerateNonce returns 128 random bits, base64 encoded.
func GenerateNonce() (string, error) {
	b, err := util.RandomBytes(nonceBytes)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

type contextKey struct{}

// NonceFromContext returns the request nonce, or "" if none was generated.
func NonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(contextKey{}).(string)
	return nonce
}

// NonceFromRequest is NonceFromContext for a request; it matches the
// web.NonceFunc signature.
func NonceFromRequest(r *http.Request) string {
	return NonceFromContext(r.Context())
}

type middlewareOptions struct {
	now      func() time.Time
	newNonce func() (string, error)
	logger   *slog.Logger
}

// Option configures Middleware.
type Option func(*middlewareOptions)

// WithClock overrides the time source used for the enforce cutover.
func WithClock(now func() time.Time) Option {
	return func(o *middlewareOptions) { o.now = now }
}

// WithNonceSource overrides nonce generation.
func WithNonceSource(fn func() (string, error)) Option {
	return func(o *middlewareOptions) { o.newNonce = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *middlewareOptions) { o.logger = logger }
}

// Middleware attaches a fresh nonce to every request and sets the policy
// header. Any failure leaves the response without a policy header; the
// request is always served.
func Middleware(cfg Config, opts ...Option) func(http.Handler) http.Handler {
	o := middlewareOptions{
		now:      time.Now,
		newNonce: GenerateNonce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "csp")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nonce, err := o.newNonce()
			if err != nil || nonce == "" {
				logger.Warn("CSP nonce generation failed; serving without policy", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, nonce))

			policy, err := Build(cfg, nonce)
			if err != nil {
				logger.Warn("CSP policy build failed; serving without policy", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set(NonceHeader, nonce)
			w.Header().Set(HeaderName(cfg.EffectiveMode(o.now())), policy)
			next.ServeHTTP(w, r)
		})
	}
}
