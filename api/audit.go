package api

import (
	"log/slog"
	"net/http"
	"time"
)

// SecurityEvent identifies a security-relevant request outcome written to
// the structured log. Durable records go to the hash-chain audit log; these
// events feed operators, metrics and anomaly alerts.
type SecurityEvent string

const (
	eventLoginSuccess    SecurityEvent = "login_success"
	eventLoginFailure    SecurityEvent = "login_failure"
	eventLoginLocked     SecurityEvent = "login_locked"
	eventMFAChallenge    SecurityEvent = "mfa_challenge"
	eventMFAEnabled      SecurityEvent = "mfa_enabled"
	eventLogout          SecurityEvent = "logout"
	eventSessionRotated  SecurityEvent = "session_rotated"
	eventCSRFRejected    SecurityEvent = "csrf_rejected"
	eventRateLimited     SecurityEvent = "rate_limited"
	eventBlocked         SecurityEvent = "blocked_address"
	eventChainConflict   SecurityEvent = "audit_chain_conflict"
	eventUserCreated     SecurityEvent = "user_created"
	eventAuditVerified   SecurityEvent = "audit_verified"
	eventAuditTampered   SecurityEvent = "audit_integrity_violation"
	eventAuditAppendFail SecurityEvent = "audit_append_failed"
)

// securityLogger wraps slog.Logger for structured security event logging.
// Raw tokens and passwords are never passed to it.
type securityLogger struct {
	logger  *slog.Logger
	metrics *apiMetrics
	alerts  *metricsCollector
	now     func() time.Time
}

func newSecurityLogger(logger *slog.Logger, metrics *apiMetrics, alerts *metricsCollector, now func() time.Time) *securityLogger {
	return &securityLogger{
		logger:  logger.With("component", "security"),
		metrics: metrics,
		alerts:  alerts,
		now:     now,
	}
}

func (sl *securityLogger) log(event SecurityEvent, r *http.Request, attrs ...slog.Attr) {
	sl.write(slog.LevelInfo, event, r, attrs...)
}

// logFailure logs a rejected request with its reason at WARN.
func (sl *securityLogger) logFailure(event SecurityEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	sl.write(slog.LevelWarn, event, r, attrs...)
}

func (sl *securityLogger) write(level slog.Level, event SecurityEvent, r *http.Request, attrs ...slog.Attr) {
	remote := clientFromContext(r.Context()).Address
	if remote == "" {
		remote = r.RemoteAddr
	}
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", remote),
		slog.String("timestamp", sl.now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	sl.logger.LogAttrs(r.Context(), level, "security", baseAttrs...)

	if sl.metrics != nil {
		sl.metrics.securityEvents.WithLabelValues(string(event)).Inc()
	}
	sl.alerts.recordEvent(event)
}

func userAttr(userID string) slog.Attr {
	return slog.String("user_id", userID)
}

func usernameAttr(username string) slog.Attr {
	return slog.String("username", username)
}
