// Package registry tracks the configured backend fleet: which backends are
// busy with a dispatched job and which answered their last liveness probe.
package registry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
)

// Health is a cached probe result.
type Health struct {
	OK        bool
	CheckedAt time.Time
}

// Slot is a free, healthy backend offered to the dispatcher. Index is the
// backend's position in the configured list and derives the lease slot id.
type Slot struct {
	Index int
	URL   string
}

type backend struct {
	url    string
	busy   bool
	health Health
}

// Registry holds the fleet state. Busy flags and cached health live behind one
// mutex; probes run outside it so a slow backend never blocks the others.
type Registry struct {
	mu       sync.Mutex
	backends []*backend

	client     *http.Client
	healthPath string
	cacheFor   time.Duration

	now func() time.Time
}

// New builds a Registry over the configured backend URLs. Order is fixed for
// the life of the process.
func New(urls []string, healthPath string, probeTimeout, cacheFor time.Duration) *Registry {
	bs := make([]*backend, 0, len(urls))
	for _, u := range urls {
		bs = append(bs, &backend{url: u})
	}
	return &Registry{
		backends: bs,
		client: &http.Client{
			Timeout:   probeTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		healthPath: healthPath,
		cacheFor:   cacheFor,
		now:        time.Now,
	}
}

// Size returns the number of configured backends.
func (r *Registry) Size() int { return len(r.backends) }

// URLs returns the backend URLs in configuration order.
func (r *Registry) URLs() []string {
	out := make([]string, len(r.backends))
	for i, b := range r.backends {
		out[i] = b.url
	}
	return out
}

// SetBusy flips the busy flag for a backend URL. Workers call it with false on
// every exit path.
func (r *Registry) SetBusy(url string, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.backends {
		if b.url == url {
			b.busy = busy
			return
		}
	}
}

// FreeHealthy returns the backends that are not busy and whose health probe is
// fresh and OK. Stale probes are refreshed first, concurrently, so one slow
// backend does not delay the health view of the rest.
func (r *Registry) FreeHealthy(ctx context.Context) []Slot {
	type probe struct {
		idx int
		url string
	}
	var stale []probe
	r.mu.Lock()
	now := r.now()
	for i, b := range r.backends {
		if b.busy {
			continue
		}
		if b.health.CheckedAt.IsZero() || now.Sub(b.health.CheckedAt) > r.cacheFor {
			stale = append(stale, probe{idx: i, url: b.url})
		}
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		var wg sync.WaitGroup
		results := make([]bool, len(stale))
		for i, p := range stale {
			wg.Add(1)
			go func(i int, url string) {
				defer wg.Done()
				results[i] = r.probe(ctx, url)
			}(i, p.url)
		}
		wg.Wait()
		r.mu.Lock()
		checked := r.now()
		for i, p := range stale {
			r.backends[p.idx].health = Health{OK: results[i], CheckedAt: checked}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var free []Slot
	for i, b := range r.backends {
		if !b.busy && b.health.OK {
			free = append(free, Slot{Index: i, URL: b.url})
		}
	}
	return free
}

func (r *Registry) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+r.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		slog.Debug("backend probe failed", slog.String("backend", url), slog.Any("error", err))
		observability.BackendHealthy.WithLabelValues(url).Set(0)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok {
		observability.BackendHealthy.WithLabelValues(url).Set(1)
	} else {
		slog.Debug("backend probe unhealthy", slog.String("backend", url), slog.Int("status", resp.StatusCode))
		observability.BackendHealthy.WithLabelValues(url).Set(0)
	}
	return ok
}
