package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// BearerAuth guards mutating routes with the static API token shared with the
// verification backends. An empty configured token disables the guard, which
// is only acceptable in dev.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
