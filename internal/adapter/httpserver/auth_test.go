package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	httpserver "github.com/nexsaude/carteirinha-jobs/internal/adapter/httpserver"
)

func authedHandler(token string) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httpserver.BearerAuth(token)(ok)
}

func TestBearerAuth_ValidToken(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	authedHandler("secret").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerAuth_Rejections(t *testing.T) {
	t.Parallel()
	for name, header := range map[string]string{
		"missing header": "",
		"wrong token":    "Bearer nope",
		"wrong scheme":   "Basic secret",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			authedHandler("secret").ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestBearerAuth_EmptyTokenDisablesGuard(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	authedHandler("").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
