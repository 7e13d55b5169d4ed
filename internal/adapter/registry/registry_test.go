package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFreeHealthy_ProbesAndOrders(t *testing.T) {
	t.Parallel()
	up1 := healthServer(t, http.StatusOK, nil)
	down := healthServer(t, http.StatusServiceUnavailable, nil)
	up2 := healthServer(t, http.StatusOK, nil)

	r := New([]string{up1.URL, down.URL, up2.URL}, "/health", time.Second, time.Minute)
	free := r.FreeHealthy(context.Background())

	require.Len(t, free, 2)
	assert.Equal(t, Slot{Index: 0, URL: up1.URL}, free[0])
	assert.Equal(t, Slot{Index: 2, URL: up2.URL}, free[1])
}

func TestFreeHealthy_BusyExcluded(t *testing.T) {
	t.Parallel()
	up := healthServer(t, http.StatusOK, nil)
	r := New([]string{up.URL}, "/health", time.Second, time.Minute)

	require.Len(t, r.FreeHealthy(context.Background()), 1)

	r.SetBusy(up.URL, true)
	assert.Empty(t, r.FreeHealthy(context.Background()))

	r.SetBusy(up.URL, false)
	assert.Len(t, r.FreeHealthy(context.Background()), 1)
}

func TestFreeHealthy_CachesProbes(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	up := healthServer(t, http.StatusOK, &hits)
	r := New([]string{up.URL}, "/health", time.Second, 30*time.Second)

	base := time.Now()
	r.now = func() time.Time { return base }

	r.FreeHealthy(context.Background())
	r.FreeHealthy(context.Background())
	assert.Equal(t, int32(1), hits.Load(), "second call inside the cache window must not probe")

	r.now = func() time.Time { return base.Add(31 * time.Second) }
	r.FreeHealthy(context.Background())
	assert.Equal(t, int32(2), hits.Load(), "expired cache entry must be re-probed")
}

func TestFreeHealthy_UnreachableBackend(t *testing.T) {
	t.Parallel()
	// Closed immediately so the probe gets a connection error.
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	r := New([]string{url}, "/health", time.Second, time.Minute)
	assert.Empty(t, r.FreeHealthy(context.Background()))
}

func TestURLsAndSize(t *testing.T) {
	t.Parallel()
	r := New([]string{"http://a", "http://b"}, "/health", time.Second, time.Minute)
	assert.Equal(t, 2, r.Size())
	assert.Equal(t, []string{"http://a", "http://b"}, r.URLs())
}
