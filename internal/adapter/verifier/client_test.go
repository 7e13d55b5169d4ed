package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backend(t *testing.T, status int, body map[string]any, capture *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			*capture = *r
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerify_Success(t *testing.T) {
	t.Parallel()
	var got http.Request
	srv := backend(t, http.StatusOK, map[string]any{"status": "success"}, &got)
	c := New("/verificar_carteirinha", "tok-123", 5*time.Second)

	out, err := c.Verify(context.Background(), srv.URL, "123456")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "/verificar_carteirinha", got.URL.Path)
	assert.Equal(t, "Bearer tok-123", got.Header.Get("Authorization"))
}

func TestVerify_SuccessPortugueseSpelling(t *testing.T) {
	t.Parallel()
	srv := backend(t, http.StatusOK, map[string]any{"status": "Sucesso"}, nil)
	c := New("/verificar_carteirinha", "", 5*time.Second)

	out, err := c.Verify(context.Background(), srv.URL, "123456")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestVerify_ErrorMessagePrecedence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"resultado message first", map[string]any{
			"status": "error",
			"detail": "outer",
			"resultado": map[string]any{"message": "card not found", "erro": "inner"},
		}, "card not found"},
		{"resultado erro second", map[string]any{
			"status":    "erro",
			"detail":    "outer",
			"resultado": map[string]any{"erro": "portal timeout"},
		}, "portal timeout"},
		{"detail third", map[string]any{
			"status": "error",
			"detail": "session expired",
		}, "session expired"},
		{"status fallback", map[string]any{
			"status": "weird",
		}, "API status: weird"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := backend(t, http.StatusOK, tc.body, nil)
			c := New("/verificar_carteirinha", "", 5*time.Second)
			out, err := c.Verify(context.Background(), srv.URL, "123456")
			require.NoError(t, err)
			assert.False(t, out.Success)
			assert.Equal(t, tc.want, out.Message)
		})
	}
}

func TestVerify_Non2xxIsError(t *testing.T) {
	t.Parallel()
	srv := backend(t, http.StatusBadGateway, map[string]any{"detail": "upstream down"}, nil)
	c := New("/verificar_carteirinha", "", 5*time.Second)

	_, err := c.Verify(context.Background(), srv.URL, "123456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestVerify_UnparseableBodyIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	t.Cleanup(srv.Close)
	c := New("/verificar_carteirinha", "", 5*time.Second)

	_, err := c.Verify(context.Background(), srv.URL, "123456")
	require.Error(t, err)
}

func TestVerify_Timeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := New("/verificar_carteirinha", "", 50*time.Millisecond)

	_, err := c.Verify(context.Background(), srv.URL, "123456")
	require.Error(t, err)
}

func TestVerify_SendsCardPayload(t *testing.T) {
	t.Parallel()
	var payload struct {
		Card string `json:"card"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	t.Cleanup(srv.Close)
	c := New("/verificar_carteirinha", "", 5*time.Second)

	_, err := c.Verify(context.Background(), srv.URL, "9988776655")
	require.NoError(t, err)
	assert.Equal(t, "9988776655", payload.Card)
}
