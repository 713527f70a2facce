package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/api"
	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/csp"
	"github.com/jmcleod/ironguard/csrf"
	"github.com/jmcleod/ironguard/internal/config"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/lockout"
	"github.com/jmcleod/ironguard/session"
	"github.com/jmcleod/ironguard/tickets"
	"github.com/jmcleod/ironguard/users"
	"github.com/jmcleod/ironguard/web"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the helpdesk API server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	def := config.Default()
	flags := serverCmd.Flags()
	flags.IntP("port", "p", def.Server.Port, "Port to listen on")
	flags.String("tls-cert", "", "Path to TLS certificate file")
	flags.String("tls-key", "", "Path to TLS key file")
	flags.Bool("no-tls", false, "Serve plain HTTP (behind a TLS-terminating proxy)")
	flags.Bool("production", false, "Always mark cookies Secure")

	cobra.CheckErr(v.BindPFlag("server.port", flags.Lookup("port")))
	cobra.CheckErr(v.BindPFlag("server.tls_cert", flags.Lookup("tls-cert")))
	cobra.CheckErr(v.BindPFlag("server.tls_key", flags.Lookup("tls-key")))
	cobra.CheckErr(v.BindPFlag("server.no_tls", flags.Lookup("no-tls")))
	cobra.CheckErr(v.BindPFlag("server.production", flags.Lookup("production")))
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	repo, closeRepo, err := openRepository(cfg.Storage, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	dispatcher := audit.NewDispatcher(logger, auditSinks(cfg.Audit, logger)...)
	defer dispatcher.Close()
	auditLog := audit.NewLog(repo, audit.WithDispatcher(dispatcher), audit.WithLogger(logger))

	a, err := newAPI(cmd.Context(), cfg, auditLog, logger)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", a.MetricsHandler())

	webHandler, err := web.Handler(csp.NonceFromRequest)
	if err != nil {
		return err
	}
	r.Mount("/", a.Handler(webHandler))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if !cfg.Server.NoTLS {
		tlsConfig, err := serverTLSConfig(cfg.Server)
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.NoTLS {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS("", "")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	fmt.Printf("Starting server on port %d (backend: %s, data: %s)...\n",
		cfg.Server.Port, cfg.Storage.Backend, cfg.Storage.DataDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// newAPI wires the security components onto auditLog's repository and
// creates the bootstrap administrator on first start.
func newAPI(ctx context.Context, cfg *config.Config, auditLog *audit.Log, logger *slog.Logger) (*api.API, error) {
	csrfStore := csrf.NewStore()
	sessions, err := session.NewManager(auditLog, csrfStore, cfg.SessionPolicy(), session.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	directory, err := newDirectory(cfg, auditLog, logger)
	if err != nil {
		return nil, err
	}
	if err := bootstrapAdmin(ctx, cfg.Users, directory); err != nil {
		return nil, err
	}

	policy, err := cfg.CSPPolicy()
	if err != nil {
		return nil, fmt.Errorf("csp policy: %w", err)
	}
	trusted, err := api.WithTrustedProxies(cfg.Security.TrustedProxies)
	if err != nil {
		return nil, err
	}
	blocked, err := api.WithBlocklist(cfg.Security.Blocklist)
	if err != nil {
		return nil, err
	}

	deps := api.Deps{
		Log:        auditLog,
		Sessions:   sessions,
		CSRF:       csrfStore,
		Lockout:    lockout.New(cfg.LockoutPolicy()),
		Users:      directory,
		Challenges: users.NewChallengeStore(cfg.Users.ChallengeTTL, nil),
		Tickets:    tickets.NewStore(auditLog, nil),
	}
	alertLogger := logger.With("component", "alerts")
	return api.New(deps,
		api.WithLogger(logger),
		api.WithCSP(policy),
		trusted,
		blocked,
		api.WithRateLimit(cfg.Security.RateLimit, cfg.Security.RateBurst),
		api.WithMaxBodyBytes(cfg.Security.MaxBodyBytes),
		api.WithProduction(cfg.Server.Production),
		api.WithSameSite(cfg.SameSiteMode()),
		api.WithAlertFunc(func(e api.AlertEvent) {
			alertLogger.Warn(e.Message, "alert", string(e.Type), "count", e.Count, "threshold", e.Threshold)
		}, cfg.Alerts.LoginFailureThreshold, cfg.Alerts.LoginFailureWindow),
	), nil
}

func newDirectory(cfg *config.Config, auditLog *audit.Log, logger *slog.Logger) (*users.Directory, error) {
	params, err := cfg.PasswordParams()
	if err != nil {
		return nil, err
	}
	opts := []users.Option{users.WithLogger(logger), users.WithArgon2Params(params)}
	key, err := cfg.TOTPKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		opts = append(opts, users.WithSealingKey(key))
	}
	directory, err := users.NewDirectory(auditLog, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating user directory: %w", err)
	}
	return directory, nil
}

// bootstrapAdmin creates the first administrator when no users exist. An
// unset password is generated and printed once.
func bootstrapAdmin(ctx context.Context, cfg config.UsersConfig, directory *users.Directory) error {
	password := cfg.BootstrapPassword
	generated := password == ""
	if generated {
		var err error
		if password, err = util.RandomToken(18); err != nil {
			return err
		}
	}
	u, err := directory.Bootstrap(ctx, cfg.BootstrapUsername, password)
	if err != nil {
		return fmt.Errorf("bootstrapping admin: %w", err)
	}
	if u != nil && generated {
		fmt.Printf("Created administrator %q with password %s\n", u.Username, password)
	}
	return nil
}

func auditSinks(cfg config.AuditConfig, logger *slog.Logger) []audit.Sink {
	var sinks []audit.Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink(cfg.WebhookURL, cfg.WebhookAuthHeader))
	}
	if cfg.File != "" {
		sinks = append(sinks, audit.NewFileSink(audit.FileOptions{
			Path:       cfg.File,
			MaxSizeMB:  cfg.FileMaxSizeMB,
			MaxBackups: cfg.FileMaxBackups,
			MaxAgeDays: cfg.FileMaxAgeDays,
			Compress:   true,
		}))
	}
	if cfg.LogEntries {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	return sinks
}

func serverTLSConfig(cfg config.ServerConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

