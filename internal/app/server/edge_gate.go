package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/auth"
	"ipguard/internal/support"
)

const notAllowedPath = "/not-allowed"

type BanChecker interface {
	IsBanned(ctx context.Context, userID uint, ip string) (bool, error)
}

// EdgeGate refuses authenticated requests whose origin is banned for the
// token's user. It only enforces bans; revoked approvals are picked up by the
// client poller. Mount it after auth.RequireAuth.
func EdgeGate(checker BanChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, public := support.PublicIPFromRequest(r, "")
			if !public {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := auth.GetUserIDFromRequest(r)
			if err != nil {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			banned, err := checker.IsBanned(r.Context(), userID, ip)
			if err != nil {
				log.Error("Edge gate could not read trust state", "user_id", userID, "ip", ip, "error", err)
				writeError(w, "TransientFailure", http.StatusServiceUnavailable)
				return
			}
			if !banned {
				next.ServeHTTP(w, r)
				return
			}

			log.Info("Edge gate rejected banned origin", "user_id", userID, "ip", ip, "path", r.URL.Path)
			auth.ClearSessionCookie(w)
			if acceptsHTML(r) {
				http.Redirect(w, r, notAllowedPath, http.StatusSeeOther)
				return
			}
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":    "OriginBanned",
				"redirect": notAllowedPath,
			})
		})
	}
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

const notAllowedPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Access blocked</title></head>
<body><h1>Access blocked</h1>
<p>Sign-ins from your current network have been blocked for this account.
Contact an administrator if you believe this is a mistake.</p></body></html>
`

func notAllowed(w http.ResponseWriter, r *http.Request) {
	if acceptsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(notAllowedPage))
		return
	}
	writeErrorMessage(w, "OriginBanned", "Access from this network is blocked for your account", http.StatusForbidden)
}
