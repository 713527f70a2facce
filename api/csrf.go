package api

import (
	"net/http"

	"github.com/jmcleod/ironguard/csrf"
)

// verifyCSRF enforces the per-session CSRF secret on unsafe requests of
// authenticated sessions. The request that triggered a rotation is checked
// against the secret of the session it replaced.
func (a *API) verifyCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := resolutionFromContext(r.Context())
		if res == nil || csrf.SafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		var err error
		if res.Rotated != nil {
			err = csrf.VerifySecret(r, res.PreviousCSRFSecret)
		} else {
			err = a.csrf.Verify(r, res.Session.TokenHash)
		}
		if err != nil {
			a.security.logFailure(eventCSRFRejected, r, err.Error(), userAttr(res.Session.UserID))
			a.mapError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the CSRF cookie. It is intentionally NOT HttpOnly so
// that the SPA can read it and echo it in the X-CSRF-Token header.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request, secret string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrf.CookieName,
		Value:    secret,
		Path:     "/",
		HttpOnly: false,
		Secure:   a.secureCookies(r),
		SameSite: a.sameSite,
		MaxAge:   a.cookieMaxAge(),
	})
}
