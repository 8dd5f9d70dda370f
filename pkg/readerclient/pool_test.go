package readerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/multipaz/readercred/pkg/attestation"
	"github.com/multipaz/readercred/pkg/config"
	"github.com/multipaz/readercred/pkg/rcerrors"
	"github.com/multipaz/readercred/pkg/securearea"
	"github.com/multipaz/readercred/pkg/server"
	"github.com/multipaz/readercred/pkg/storage"
	"github.com/multipaz/readercred/pkg/transport"
)

// rpcCounter wraps an http.Handler and counts requests per URL path, the
// harness the end-to-end scenario tests below are built against.
type rpcCounter struct {
	mu     sync.Mutex
	counts map[string]int
	next   http.Handler
	down   bool
}

func (c *rpcCounter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	down := c.down
	if !down {
		c.counts[r.URL.Path]++
	}
	c.mu.Unlock()

	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	c.next.ServeHTTP(w, r)
}

func (c *rpcCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

func (c *rpcCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

func (c *rpcCounter) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

type testHarness struct {
	client  *ReaderBackendClient
	counter *rpcCounter
	fake    clock.FakeClock
	srv     *httptest.Server
}

func newTestHarness(t *testing.T, targetCount int) *testHarness {
	t.Helper()

	fakeClk := clock.NewFake()
	fakeClk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	adapter := attestation.NewIOSAdapter("com.multipaz.reader", true)
	serverStore := storage.NewMemoryStore()
	backend, err := server.NewBackend(serverStore, adapter, adapter, fakeClk, config.ServerConfig{ReaderCertValidityDays: 30})
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	mux := http.NewServeMux()
	server.NewRouter(backend).Mount(mux, "")

	counter := &rpcCounter{counts: make(map[string]int), next: mux}
	srv := httptest.NewServer(counter)

	c, err := New(Config{
		Store:       storage.NewMemoryStore(),
		SecureArea:  securearea.NewSoftware(),
		Transport:   transport.NewClient(srv.URL),
		Generator:   adapter,
		Clock:       fakeClk,
		TargetCount: targetCount,
	})
	if err != nil {
		t.Fatalf("readerclient.New() error = %v", err)
	}

	return &testHarness{client: c, counter: counter, fake: fakeClk, srv: srv}
}

func (h *testHarness) close() { h.srv.Close() }

func TestHappyPathColdClient(t *testing.T) {
	h := newTestHarness(t, 10)
	defer h.close()
	ctx := context.Background()

	key, err := h.client.GetKey(ctx, h.fake.Now())
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if len(key.CertChain) != 2 {
		t.Errorf("len(CertChain) = %d, want 2", len(key.CertChain))
	}
	if got := h.counter.total(); got != 4 {
		t.Errorf("RPC count = %d, want 4 (getNonce, register, getNonce, certifyKeys)", got)
	}
}

func TestReplenishAtHalf(t *testing.T) {
	h := newTestHarness(t, 10)
	defer h.close()
	ctx := context.Background()

	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("cold GetKey() error = %v", err)
	}
	h.counter.reset()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		key, err := h.client.GetKey(ctx, h.fake.Now())
		if err != nil {
			t.Fatalf("GetKey() #%d error = %v", i, err)
		}
		if seen[key.Alias] {
			t.Errorf("GetKey() #%d returned a repeated alias %q before markKeyAsUsed", i, key.Alias)
		}
		seen[key.Alias] = true
		if err := h.client.MarkKeyAsUsed(ctx, key.Alias, h.fake.Now()); err != nil {
			t.Fatalf("MarkKeyAsUsed() #%d error = %v", i, err)
		}
	}
	if got := h.counter.total(); got != 0 {
		t.Errorf("RPC count after 5 pairs = %d, want 0", got)
	}

	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("6th GetKey() error = %v", err)
	}
	if got := h.counter.total(); got != 2 {
		t.Errorf("RPC count after 6th GetKey = %d, want 2 (getNonce, certifyKeys)", got)
	}
}

func TestOfflineSurvival(t *testing.T) {
	h := newTestHarness(t, 10)
	defer h.close()
	ctx := context.Background()

	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("cold GetKey() error = %v", err)
	}
	h.counter.setDown(true)

	var lastAlias string
	for i := 0; i < 10; i++ {
		key, err := h.client.GetKey(ctx, h.fake.Now())
		if err != nil {
			t.Fatalf("GetKey() #%d error = %v", i, err)
		}
		lastAlias = key.Alias
		if err := h.client.MarkKeyAsUsed(ctx, key.Alias, h.fake.Now()); err != nil {
			t.Fatalf("MarkKeyAsUsed() #%d error = %v", i, err)
		}
	}

	stats, err := h.client.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalCount != 1 {
		t.Fatalf("TotalCount after 10 pairs = %d, want 1", stats.TotalCount)
	}

	for i := 0; i < 10; i++ {
		key, err := h.client.GetKey(ctx, h.fake.Now())
		if err != nil {
			t.Fatalf("retained GetKey() #%d error = %v", i, err)
		}
		if key.Alias != lastAlias {
			t.Fatalf("retained GetKey() #%d alias = %q, want %q", i, key.Alias, lastAlias)
		}
		if err := h.client.MarkKeyAsUsed(ctx, key.Alias, h.fake.Now()); err != nil {
			t.Fatalf("retained MarkKeyAsUsed() #%d error = %v", i, err)
		}
	}

	h.fake.Add(40 * 24 * time.Hour)
	if _, err := h.client.GetKey(ctx, h.fake.Now()); !rcerrors.Is(err, rcerrors.NoValidKey) {
		t.Fatalf("GetKey() after validity window error = %v, want NoValidKey", err)
	}
}

func TestServerAmnesia(t *testing.T) {
	h := newTestHarness(t, 10)
	defer h.close()
	ctx := context.Background()

	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("cold GetKey() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		key, err := h.client.GetKey(ctx, h.fake.Now())
		if err != nil {
			t.Fatalf("GetKey() #%d error = %v", i, err)
		}
		if err := h.client.MarkKeyAsUsed(ctx, key.Alias, h.fake.Now()); err != nil {
			t.Fatalf("MarkKeyAsUsed() #%d error = %v", i, err)
		}
	}

	// Simulate amnesia: fresh server storage, same backend wiring.
	adapter := attestation.NewIOSAdapter("com.multipaz.reader", true)
	backend, err := server.NewBackend(storage.NewMemoryStore(), adapter, adapter, h.fake, config.ServerConfig{ReaderCertValidityDays: 30})
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	mux := http.NewServeMux()
	server.NewRouter(backend).Mount(mux, "")
	h.counter.mu.Lock()
	h.counter.next = mux
	h.counter.mu.Unlock()
	h.counter.reset()

	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("post-amnesia GetKey() error = %v", err)
	}
	if got := h.counter.total(); got != 6 {
		t.Errorf("RPC count after amnesia = %d, want 6", got)
	}
}

func TestTimePasses(t *testing.T) {
	h := newTestHarness(t, 10)
	defer h.close()
	ctx := context.Background()

	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("cold GetKey() error = %v", err)
	}
	h.counter.reset()

	h.fake.Add(15 * 24 * time.Hour)
	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("GetKey() at t0+15d error = %v", err)
	}
	if got := h.counter.total(); got != 0 {
		t.Errorf("RPC count at t0+15d = %d, want 0", got)
	}

	h.fake.Add(6 * 24 * time.Hour) // now at t0+21d
	if _, err := h.client.GetKey(ctx, h.fake.Now()); err != nil {
		t.Fatalf("GetKey() at t0+21d error = %v", err)
	}
	if got := h.counter.total(); got != 2 {
		t.Errorf("RPC count at t0+21d = %d, want 2", got)
	}
}
