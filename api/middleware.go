package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/csrf"
	"github.com/jmcleod/ironguard/session"
	"github.com/jmcleod/ironguard/users"
)

type contextKey int

const (
	clientKey contextKey = iota
	resolutionKey
	userKey
)

// resolveSession turns the sid cookie into a session on the request
// context. Unknown, expired and revoked tokens continue as anonymous and
// have their cookies cleared, except tokens replaced by rotation: a request
// in flight during rotation must not delete the successor's cookies.
// Rotations and lazily re-created CSRF secrets are sent back as fresh
// cookies.
func (a *API) resolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(session.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := a.sessions.Resolve(r.Context(), cookie.Value, clientFromContext(r.Context()))
		if err != nil {
			if errors.Is(err, session.ErrSessionInvalid) {
				if !errors.Is(err, session.ErrSessionRotated) {
					a.clearSessionCookies(w, r)
				}
				next.ServeHTTP(w, r)
				return
			}
			a.mapError(w, r, err)
			return
		}

		switch {
		case res.Rotated != nil:
			a.writeSessionCookies(w, r, res.Rotated.RawToken, res.Rotated.CSRFSecret)
			a.security.log(eventSessionRotated, r, userAttr(res.Session.UserID))
		case res.CSRFIssued:
			a.writeCSRFCookie(w, r, res.CSRFSecret)
		}

		ctx := context.WithValue(r.Context(), resolutionKey, res)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects anonymous requests and loads the session's user.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := resolutionFromContext(r.Context())
		if res == nil {
			writeError(w, r, http.StatusUnauthorized, codeAuthRequired)
			return
		}
		u, err := a.users.Get(r.Context(), res.Session.UserID)
		if err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				writeError(w, r, http.StatusUnauthorized, codeAuthRequired)
				return
			}
			a.writeInternalError(w, r, "failed to load session user", err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects users without role. It must run after RequireAuth.
func (a *API) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := userFromContext(r.Context())
			if u == nil || !u.HasRole(role) {
				writeError(w, r, http.StatusForbidden, codeForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) secureCookies(r *http.Request) bool {
	return a.production || requestIsSecure(r)
}

func (a *API) cookieMaxAge() int {
	return int(a.sessions.Config().TTL / time.Second)
}

func (a *API) writeSessionCookies(w http.ResponseWriter, r *http.Request, rawToken, csrfSecret string) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    rawToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies(r),
		SameSite: a.sameSite,
		MaxAge:   a.cookieMaxAge(),
	})
	a.writeCSRFCookie(w, r, csrfSecret)
}

func (a *API) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	for _, c := range []struct {
		name     string
		httpOnly bool
	}{{session.CookieName, true}, {csrf.CookieName, false}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     "/",
			HttpOnly: c.httpOnly,
			Secure:   a.secureCookies(r),
			SameSite: a.sameSite,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
		})
	}
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func clientFromContext(ctx context.Context) audit.Client {
	c, _ := ctx.Value(clientKey).(audit.Client)
	return c
}

func resolutionFromContext(ctx context.Context) *session.Resolution {
	res, _ := ctx.Value(resolutionKey).(*session.Resolution)
	return res
}

func userFromContext(ctx context.Context) *users.User {
	u, _ := ctx.Value(userKey).(*users.User)
	return u
}
