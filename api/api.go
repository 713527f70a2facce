package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/csp"
	"github.com/jmcleod/ironguard/csrf"
	"github.com/jmcleod/ironguard/lockout"
	"github.com/jmcleod/ironguard/session"
	"github.com/jmcleod/ironguard/tickets"
	"github.com/jmcleod/ironguard/users"
)

const (
	defaultMaxBodyBytes = 1 << 20
	lockoutSweepEvery   = time.Minute
)

// Deps are the security components the API orchestrates.
type Deps struct {
	Log        *audit.Log
	Sessions   *session.Manager
	CSRF       *csrf.Store
	Lockout    *lockout.Tracker
	Users      *users.Directory
	Challenges *users.ChallengeStore
	Tickets    *tickets.Store
}

// API holds the dependencies needed by the REST handlers and the request
// pipeline.
type API struct {
	log        *audit.Log
	sessions   *session.Manager
	csrf       *csrf.Store
	lockout    *lockout.Tracker
	users      *users.Directory
	challenges *users.ChallengeStore
	tickets    *tickets.Store

	logger   *slog.Logger
	security *securityLogger
	metrics  *apiMetrics
	alerts   *metricsCollector

	cspConfig      csp.Config
	trustedProxies []netip.Prefix
	blocklist      []netip.Prefix
	limiter        *clientLimiter
	maxBodyBytes   int64
	production     bool
	sameSite       http.SameSite
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for security events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithCSP sets the Content-Security-Policy configuration.
func WithCSP(cfg csp.Config) Option {
	return func(a *API) { a.cspConfig = cfg }
}

// WithTrustedProxies parses CIDRs (or bare addresses) whose proxy headers
// are honoured when extracting the client address.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := parsePrefixes(cidrs)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithBlocklist parses CIDRs (or bare addresses) rejected before any other
// processing.
func WithBlocklist(cidrs []string) (Option, error) {
	prefixes, err := parsePrefixes(cidrs)
	if err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}
	return func(a *API) { a.blocklist = prefixes }, nil
}

// WithRateLimit allows rps requests per second per client address with the
// given burst. rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *API) { a.limiter = newClientLimiter(rps, burst) }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithProduction marks cookies Secure regardless of the request scheme.
func WithProduction(production bool) Option {
	return func(a *API) { a.production = production }
}

// WithSameSite sets the SameSite attribute of the sid and csrf cookies.
func WithSameSite(mode http.SameSite) Option {
	return func(a *API) { a.sameSite = mode }
}

// WithAlertFunc registers a callback for anomaly alerts. threshold and
// window tune the login failure spike detector; zero keeps the defaults.
func WithAlertFunc(fn AlertFunc, threshold int, window time.Duration) Option {
	return func(a *API) {
		a.alerts = newMetricsCollector(fn)
		if threshold > 0 {
			a.alerts.loginThreshold = threshold
		}
		if window > 0 {
			a.alerts.loginWindow = window
		}
	}
}

// WithClock overrides the time source used by the API layer.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API instance.
func New(deps Deps, opts ...Option) *API {
	a := &API{
		log:          deps.Log,
		sessions:     deps.Sessions,
		csrf:         deps.CSRF,
		lockout:      deps.Lockout,
		users:        deps.Users,
		challenges:   deps.Challenges,
		tickets:      deps.Tickets,
		cspConfig:    csp.DefaultConfig(),
		maxBodyBytes: defaultMaxBodyBytes,
		sameSite:     http.SameSiteLaxMode,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.challenges == nil {
		a.challenges = users.NewChallengeStore(users.DefaultChallengeTTL, nil)
	}
	if a.tickets == nil && a.log != nil {
		a.tickets = tickets.NewStore(a.log, nil)
	}
	if a.alerts == nil {
		a.alerts = newMetricsCollector(func(e AlertEvent) {
			a.logger.Warn("security alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold)
		})
	}
	a.alerts.now = a.now
	a.metrics = newAPIMetrics(a.csrf, a.lockout)
	a.security = newSecurityLogger(a.logger, a.metrics, a.alerts, a.now)
	return a
}

// Router returns a chi.Router with all API routes mounted. It performs no
// security processing on its own; Handler wraps it in the pipeline.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/login", a.Login)
	r.Post("/auth/login/2fa", a.LoginTwoFactor)
	r.Post("/auth/logout", a.Logout)
	r.With(a.RequireAuth).Get("/auth/session", a.Session)
	r.With(a.RequireAuth).Post("/auth/2fa/setup", a.SetupTwoFactor)

	r.Route("/tickets", func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Post("/", a.CreateTicket)
		r.Get("/{ticketID}", a.GetTicket)
		r.Patch("/{ticketID}", a.UpdateTicket)
	})

	r.Route("/audit", func(r chi.Router) {
		r.Use(a.RequireAuth, a.RequireRole(users.RoleAdmin))
		r.Get("/", a.ListAudit)
		r.Get("/verify", a.VerifyAudit)
	})

	r.With(a.RequireAuth, a.RequireRole(users.RoleAdmin)).Post("/users", a.CreateUser)

	return r
}

// Handler returns the full request pipeline: blocklist, CSP nonce, body
// limit, per-client rate limit, session resolution and CSRF verification,
// in that order, in front of the API routes mounted at /api/v1. A non-nil
// static handler serves every other path behind the same pipeline.
func (a *API) Handler(static http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(a.instrument)
	r.Use(a.rejectBlocked)
	r.Use(csp.Middleware(a.cspConfig, csp.WithClock(a.now), csp.WithLogger(a.logger)))
	r.Use(SecurityHeaders)
	r.Use(a.limitBody)
	r.Use(a.rateLimit)
	r.Use(a.resolveSession)
	r.Use(a.verifyCSRF)

	r.Mount("/api/v1", a.Router())
	if static != nil {
		r.Handle("/*", static)
	}
	return r
}

// Start runs the background maintenance loops until ctx is cancelled:
// lockout sweeps every minute, MFA challenge pruning and session purging.
func (a *API) Start(ctx context.Context) {
	go a.sessions.Run(ctx)
	go func() {
		ticker := time.NewTicker(lockoutSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sweep()
			}
		}
	}()
}

func (a *API) sweep() {
	locks := a.lockout.Sweep()
	challenges := a.challenges.Sweep()
	if locks > 0 || challenges > 0 {
		a.logger.Debug("swept expired security state", "lockouts", locks, "challenges", challenges)
	}
}

// parsePrefixes accepts CIDRs and bare addresses (treated as /32 or /128).
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}
