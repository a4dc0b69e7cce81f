package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localbiz/directory/pkg/resilience"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

func newServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		switch r.URL.Query().Get("q") {
		case "Nowhere":
			fmt.Fprint(w, `[]`)
		case "Broken":
			fmt.Fprint(w, `[{"lat":"north","lon":"-100"}]`)
		default:
			fmt.Fprint(w, `[{"lat":"25.6714","lon":"-100.3095"}]`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupPacesRequests(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Options{
		BaseURL:   srv.URL,
		UserAgent: "test-agent",
		Limiter:   resilience.NewLimiterWithClock(resilience.LimiterOpts{Rate: 1, Burst: 1}, clock),
	})

	for _, addr := range []string{"Calle 1", "Calle 2", "Calle 3"} {
		p, err := c.Lookup(context.Background(), addr)
		if err != nil {
			t.Fatal(err)
		}
		if p.Lat != 25.6714 || p.Lng != -100.3095 {
			t.Fatalf("point = %+v", p)
		}
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d", hits.Load())
	}
	if clock.slept < 2*time.Second || clock.slept > 2100*time.Millisecond {
		t.Fatalf("slept %v, want ~2s for three requests at 1 rps", clock.slept)
	}
}

func TestLookupCachesResultsAndMisses(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Options{
		BaseURL:   srv.URL,
		UserAgent: "test-agent",
		Limiter:   resilience.NewLimiterWithClock(resilience.LimiterOpts{Rate: 1, Burst: 1}, clock),
	})

	ctx := context.Background()
	if _, err := c.Lookup(ctx, "Calle 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup(ctx, "  calle   1 "); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Lookup(ctx, "Nowhere"); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("expected ErrNoMatch, got %v", err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestLookupRejectsBadCoordinates(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	c := New(Options{BaseURL: srv.URL, UserAgent: "test-agent",
		Limiter: resilience.NewLimiterWithClock(resilience.LimiterOpts{Rate: 1}, &fakeClock{now: time.Unix(1, 0)})})

	if _, err := c.Lookup(context.Background(), "Broken"); err == nil || errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := c.Lookup(context.Background(), " "); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for blank address, got %v", err)
	}
}

func TestLookupHonoursCancellation(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Lookup(ctx, "Calle 1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
