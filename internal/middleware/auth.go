// Package middleware holds HTTP middleware shared by the API routes.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/convo-bridge/pkg/utils"
)

// tokenParam is the query parameter accepted on websocket and SSE requests,
// whose browser clients cannot set an Authorization header.
const tokenParam = "token"

// TokenAuth rejects requests that do not carry token as a bearer token. Stream
// requests may pass it as the "token" query parameter instead; it is removed
// from the URL once checked.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validToken(presentedToken(r), token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="bridge"`)
				utils.RespondError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, value, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	if !isStreamRequest(r) {
		return ""
	}
	query := r.URL.Query()
	token := query.Get(tokenParam)
	if query.Has(tokenParam) {
		query.Del(tokenParam)
		r.URL.RawQuery = query.Encode()
		r.RequestURI = r.URL.RequestURI()
	}
	return token
}

func isStreamRequest(r *http.Request) bool {
	if websocket.IsWebSocketUpgrade(r) {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func validToken(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
