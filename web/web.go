// Package web serves the embedded helpdesk SPA.
package web

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed dist/*
var content embed.FS

// noncePlaceholder marks nonce attributes in index.html.
const noncePlaceholder = "__CSP_NONCE__"

// NonceFunc returns the per-request CSP nonce from the request context.
// When nil, nonce attributes are left empty and no meta tag is injected.
type NonceFunc func(r *http.Request) string

// Handler returns an http.Handler that serves the embedded SPA assets.
//
// index.html is rendered per request: every nonce placeholder is replaced
// with the request nonce, and a <meta name="csp-nonce"> tag is injected
// before </head> so client code can tag dynamically created <style>
// elements. The rendered page is never cached.
func Handler(nonceFunc NonceFunc) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}

	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	indexTemplate := string(indexBytes)

	static := http.FileServer(http.FS(fsys))

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		nonce := ""
		if nonceFunc != nil {
			nonce = html.EscapeString(nonceFunc(r))
		}
		body := strings.ReplaceAll(indexTemplate, noncePlaceholder, nonce)
		if nonce != "" {
			nonceTag := `<meta name="csp-nonce" content="` + nonce + `">`
			body = strings.Replace(body, "</head>", "  "+nonceTag+"\n  </head>", 1)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write([]byte(body))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "" || cleanPath == "." || cleanPath == "index.html" {
			serveIndex(w, r)
			return
		}

		// Unknown API routes must not fall back to the SPA.
		if strings.HasPrefix(cleanPath, "api/") {
			http.NotFound(w, r)
			return
		}

		if _, err := fs.Stat(fsys, cleanPath); err == nil {
			static.ServeHTTP(w, r)
			return
		}

		// Client-side router deep-link fallback.
		serveIndex(w, r)
	}), nil
}
