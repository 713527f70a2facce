package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/lockout"
	"github.com/jmcleod/ironguard/session"
	"github.com/jmcleod/ironguard/users"
)

// Failure reasons recorded in login-failure audit entries.
const (
	reasonInvalidCredentials = "invalid_credentials"
	reasonInvalidTOTP        = "invalid_totp"
	reasonLocked             = "locked"
)

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	// A locked key is refused before the password is even checked, so a
	// correct password does not help during the lock.
	client := clientFromContext(r.Context())
	if err := a.lockout.Check(req.Username, client.Address); err != nil {
		a.rejectLocked(w, r, req.Username, err)
		return
	}

	u, err := a.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			a.loginFailed(w, r, req.Username, reasonInvalidCredentials)
			return
		}
		a.mapError(w, r, err)
		return
	}

	if u.TOTPEnabled() {
		token := a.challenges.Issue(u)
		a.security.log(eventMFAChallenge, r, userAttr(u.ID))
		writeJSON(w, http.StatusOK, LoginResponse{MFARequired: true, ChallengeToken: token})
		return
	}
	a.completeLogin(w, r, u, audit.ActionLoginSuccess)
}

// LoginTwoFactor handles POST /auth/login/2fa.
func (a *API) LoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TwoFactorLoginRequest](w, r)
	if !ok {
		return
	}
	if req.ChallengeToken == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	ch, found := a.challenges.Lookup(req.ChallengeToken)
	if !found {
		a.security.logFailure(eventLoginFailure, r, "unknown or expired challenge")
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials)
		return
	}

	client := clientFromContext(r.Context())
	if err := a.lockout.Check(ch.Username, client.Address); err != nil {
		a.rejectLocked(w, r, ch.Username, err)
		return
	}

	u, err := a.users.Get(r.Context(), ch.UserID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials)
			return
		}
		a.mapError(w, r, err)
		return
	}
	if err := a.users.VerifyTOTP(u, req.Code); err != nil {
		a.challenges.Fail(req.ChallengeToken)
		a.loginFailed(w, r, ch.Username, reasonInvalidTOTP)
		return
	}
	// Complete fails if a concurrent request already used the challenge.
	if !a.challenges.Complete(req.ChallengeToken) {
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials)
		return
	}
	a.completeLogin(w, r, u, audit.ActionLoginSuccess2FA)
}

// completeLogin clears the failure record, replaces any session the client
// already holds and issues a fresh one.
func (a *API) completeLogin(w http.ResponseWriter, r *http.Request, u *users.User, action string) {
	ctx := r.Context()
	client := clientFromContext(ctx)
	a.lockout.Clear(u.Username, client.Address)

	if raw := currentRawToken(r); raw != "" {
		if err := a.sessions.Revoke(ctx, raw, client); err != nil {
			a.logger.Warn("revoking previous session on login failed", "user_id", u.ID, "error", err)
		}
	}

	issued, err := a.sessions.Create(ctx, u.ID, client, action)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.writeSessionCookies(w, r, issued.RawToken, issued.CSRFSecret)
	a.security.log(eventLoginSuccess, r, userAttr(u.ID), slog.String("action", action))

	expiresAt := issued.ExpiresAt
	writeJSON(w, http.StatusOK, LoginResponse{
		User:      newUserResponse(u),
		ExpiresAt: &expiresAt,
		CSRFToken: issued.CSRFSecret,
	})
}

// loginFailed counts the failure, records it in the audit log and answers
// 401. The failure that triggers the lock is still a 401; the next attempt
// sees the lock.
func (a *API) loginFailed(w http.ResponseWriter, r *http.Request, username, reason string) {
	client := clientFromContext(r.Context())
	var locked *lockout.LockedError
	isLocked := errors.As(a.lockout.RecordFailure(username, client.Address), &locked)

	a.recordLoginFailure(r.Context(), username, reason, isLocked, client)
	a.security.logFailure(eventLoginFailure, r, reason, usernameAttr(util.NormalizeIdentifier(username)))
	if isLocked {
		a.security.log(eventLoginLocked, r, usernameAttr(util.NormalizeIdentifier(username)),
			slog.Int("retry_after_seconds", locked.RetryAfterSeconds()))
	}
	writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials)
}

// rejectLocked answers a login attempt against a locked key.
func (a *API) rejectLocked(w http.ResponseWriter, r *http.Request, username string, err error) {
	var locked *lockout.LockedError
	if !errors.As(err, &locked) {
		a.mapError(w, r, err)
		return
	}
	client := clientFromContext(r.Context())
	a.recordLoginFailure(r.Context(), username, reasonLocked, true, client)
	a.security.logFailure(eventLoginLocked, r, reasonLocked, usernameAttr(util.NormalizeIdentifier(username)))
	writeLocked(w, r, locked)
}

// recordLoginFailure appends a login-failure entry. The response does not
// depend on it: a failed append is logged and the attempt is still refused.
func (a *API) recordLoginFailure(ctx context.Context, username, reason string, locked bool, client audit.Client) {
	name := util.NormalizeIdentifier(username)
	_, err := a.log.Append(ctx, audit.Event{
		Action:   audit.ActionLoginFailure,
		Entity:   audit.EntityUser,
		EntityID: name,
		After: audit.AuthFailureSnapshot{
			Username: name,
			Reason:   reason,
			Locked:   locked,
		},
		Client: client,
	})
	if err != nil {
		a.logger.Error("recording login failure in audit log", "event", eventAuditAppendFail, "error", err)
	}
}

// Logout handles POST /auth/logout. It always clears the cookies and
// succeeds, whether or not the client held a live session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if raw := currentRawToken(r); raw != "" {
		if err := a.sessions.Revoke(r.Context(), raw, clientFromContext(r.Context())); err != nil {
			a.mapError(w, r, err)
			return
		}
		if res := resolutionFromContext(r.Context()); res != nil {
			a.security.log(eventLogout, r, userAttr(res.Session.UserID))
		}
	}
	a.clearSessionCookies(w, r)
	writeJSON(w, http.StatusOK, struct{}{})
}

// Session handles GET /auth/session.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	res := resolutionFromContext(r.Context())
	u := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, SessionResponse{
		User:      newUserResponse(u),
		CreatedAt: res.Session.CreatedAt,
		ExpiresAt: res.Session.ExpiresAt,
	})
}

// SetupTwoFactor handles POST /auth/2fa/setup.
func (a *API) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	secret, url, err := a.users.EnableTOTP(r.Context(), u.ID, clientFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.security.log(eventMFAEnabled, r, userAttr(u.ID))
	writeJSON(w, http.StatusOK, SetupTwoFactorResponse{Secret: secret, URL: url})
}

// currentRawToken returns the session token the client holds after this
// request's resolution: the rotated token if the session was just rotated,
// otherwise the sid cookie.
func currentRawToken(r *http.Request) string {
	if res := resolutionFromContext(r.Context()); res != nil && res.Rotated != nil {
		return res.Rotated.RawToken
	}
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
