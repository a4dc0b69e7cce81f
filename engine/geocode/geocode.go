// Package geocode resolves street addresses to coordinates through a
// Nominatim-compatible search endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/pkg/resilience"
)

const DefaultBaseURL = "https://nominatim.openstreetmap.org"

var ErrNoMatch = errors.New("geocode: no match")

// Options configures a Client.
type Options struct {
	BaseURL   string
	UserAgent string
	// Limiter paces requests. The public endpoint allows one per second.
	Limiter *resilience.Limiter
	Client  *http.Client
	Logger  *slog.Logger
}

// Client looks up addresses. Results, including misses, are cached for the
// life of the client.
type Client struct {
	base    string
	agent   string
	limiter *resilience.Limiter
	client  *http.Client
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]*domain.Point
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		agent:   opts.UserAgent,
		limiter: opts.Limiter,
		client:  opts.Client,
		log:     opts.Logger,
		cache:   map[string]*domain.Point{},
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.agent == "" {
		c.agent = "localbiz-directory/1.0"
	}
	if c.limiter == nil {
		c.limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: 1, Burst: 1})
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

type match struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Lookup returns the best match for address.
func (c *Client) Lookup(ctx context.Context, address string) (domain.Point, error) {
	key := strings.ToLower(strings.Join(strings.Fields(address), " "))
	if key == "" {
		return domain.Point{}, ErrNoMatch
	}

	c.mu.Lock()
	p, hit := c.cache[key]
	c.mu.Unlock()
	if hit {
		if p == nil {
			return domain.Point{}, ErrNoMatch
		}
		return *p, nil
	}

	p, err := c.query(ctx, address)
	if err != nil && !errors.Is(err, ErrNoMatch) {
		return domain.Point{}, err
	}
	c.mu.Lock()
	c.cache[key] = p
	c.mu.Unlock()
	if p == nil {
		return domain.Point{}, ErrNoMatch
	}
	return *p, nil
}

func (c *Client) query(ctx context.Context, address string) (*domain.Point, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{"q": {address}, "format": {"json"}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: http status %d", resp.StatusCode)
	}

	var matches []match
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, fmt.Errorf("geocode: decode: %w", err)
	}
	if len(matches) == 0 {
		c.log.Debug("geocode: no match", "address", address)
		return nil, ErrNoMatch
	}
	lat, err1 := strconv.ParseFloat(matches[0].Lat, 64)
	lng, err2 := strconv.ParseFloat(matches[0].Lon, 64)
	p := domain.Point{Lat: lat, Lng: lng}
	if err1 != nil || err2 != nil || !p.Valid() {
		return nil, fmt.Errorf("geocode: bad coordinates %q,%q", matches[0].Lat, matches[0].Lon)
	}
	return &p, nil
}
