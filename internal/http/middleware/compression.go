package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForWebSocket wraps a compression middleware so websocket
// upgrade requests bypass it. A compressed response writer breaks the
// connection hijack the upgrade needs.
func SkipCompressionForWebSocket(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

// isWebSocketUpgrade reports whether the request is asking to switch
// protocols to websocket.
func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
