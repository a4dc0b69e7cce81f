// Package places fetches candidate businesses from the places text search
// API, one page at a time, as a lazy sequence.
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/pkg/metrics"
)

const (
	DefaultBaseURL   = "https://maps.googleapis.com/maps/api/place"
	DefaultMaxPages  = 3
	DefaultPageDelay = 2 * time.Second
	DefaultMaxWidth  = 800

	// TransientMarker appears in every photo URL served by the provider.
	// Such URLs expire and must never be stored as a record's image.
	TransientMarker = "maps.googleapis.com"
	// MediaMarker is the host of the newer photo media endpoint.
	MediaMarker = "places.googleapis.com"
)

var ErrNoAPIKey = errors.New("places: api key is required")

// Sleeper waits between pages. resilience.SystemClock satisfies it.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	APIKey  string
	BaseURL string
	Zone    geo.Zone
	// MinRating and MinReviews form the quality gate: a candidate passes
	// when either threshold is met. Both zero disables the gate.
	MinRating     float64
	MinReviews    int
	MaxPages      int
	PageDelay     time.Duration
	PhotoMaxWidth int
	// KeepUnlocated yields candidates without coordinates so a later stage
	// can geocode them. The geo gate still drops invalid or distant points.
	KeepUnlocated bool
	Sleeper       Sleeper
	Limiter       *rate.Limiter
	Client        *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Directory
}

// Query is one text search around a center.
type Query struct {
	Text string
	// Center and RadiusMeters default to the client zone when zero.
	Center       *domain.Point
	RadiusMeters int
}

// Client talks to the places API.
type Client struct {
	opts Options
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func (f sleepFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Zone.RadiusKm == 0 {
		opts.Zone = geo.DefaultZone
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.PhotoMaxWidth <= 0 {
		opts.PhotoMaxWidth = DefaultMaxWidth
	}
	if opts.Sleeper == nil {
		opts.Sleeper = sleepFunc(sleepCtx)
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts}, nil
}

// Zone returns the admission zone used by the geo gate.
func (c *Client) Zone() geo.Zone { return c.opts.Zone }

// PhotoURL builds the provider photo URL for a photo reference.
func (c *Client) PhotoURL(ref string) string {
	if ref == "" {
		return ""
	}
	q := url.Values{
		"maxwidth":       {strconv.Itoa(c.opts.PhotoMaxWidth)},
		"photoreference": {ref},
		"key":            {c.opts.APIKey},
	}
	return c.opts.BaseURL + "/photo?" + q.Encode()
}

// Search returns the candidates of q that pass the quality and geo gates.
// Pages are fetched lazily as the sequence is consumed; each call starts a
// fresh search. A failed, empty or non-OK page ends the sequence without
// error, keeping whatever was already yielded.
func (c *Client) Search(ctx context.Context, q Query) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		log := c.opts.Logger.With("query", q.Text)
		token := ""
		for page := 1; page <= c.opts.MaxPages; page++ {
			if page > 1 {
				if err := c.opts.Sleeper.Sleep(ctx, c.opts.PageDelay); err != nil {
					return
				}
			}
			resp, err := c.fetchPage(ctx, q, token)
			if err != nil {
				log.Warn("places: page failed, ending search", "page", page, "error", err)
				return
			}
			c.opts.Metrics.Page()
			log.Debug("places: page", "page", page, "results", len(resp.Results))
			if len(resp.Results) == 0 {
				return
			}
			for _, r := range resp.Results {
				cand := toCandidate(r)
				if !c.passesQuality(cand) {
					c.opts.Metrics.Candidate("low_quality")
					continue
				}
				unlocated := cand.Location == nil && c.opts.KeepUnlocated
				if !unlocated && !c.opts.Zone.Admit(log, cand.Name, cand.Location) {
					c.opts.Metrics.Candidate("outside_zone")
					continue
				}
				if !yield(cand) {
					return
				}
			}
			if resp.NextPageToken == "" {
				return
			}
			token = resp.NextPageToken
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, q Query, token string) (searchResponse, error) {
	resp, err := c.request(ctx, q, token)
	// A fresh page token is briefly invalid; wait one more delay and retry once.
	if err == nil && token != "" && resp.Status == "INVALID_REQUEST" {
		if err := c.opts.Sleeper.Sleep(ctx, c.opts.PageDelay); err != nil {
			return searchResponse{}, err
		}
		resp, err = c.request(ctx, q, token)
	}
	if err != nil {
		return searchResponse{}, err
	}
	switch resp.Status {
	case "OK", "ZERO_RESULTS":
		return resp, nil
	default:
		return searchResponse{}, fmt.Errorf("places: status %s: %s", resp.Status, resp.ErrorMessage)
	}
}

func (c *Client) request(ctx context.Context, q Query, token string) (searchResponse, error) {
	if err := c.opts.Limiter.Wait(ctx); err != nil {
		return searchResponse{}, err
	}

	center := c.opts.Zone.Center
	if q.Center != nil {
		center = *q.Center
	}
	radius := q.RadiusMeters
	if radius <= 0 {
		radius = c.opts.Zone.RadiusMeters()
	}
	params := url.Values{"key": {c.opts.APIKey}}
	if token != "" {
		params.Set("pagetoken", token)
	} else {
		params.Set("query", q.Text)
		params.Set("location", strconv.FormatFloat(center.Lat, 'f', -1, 64)+","+strconv.FormatFloat(center.Lng, 'f', -1, 64))
		params.Set("radius", strconv.Itoa(radius))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.opts.BaseURL+"/textsearch/json?"+params.Encode(), nil)
	if err != nil {
		return searchResponse{}, err
	}
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return searchResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return searchResponse{}, fmt.Errorf("places: http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return searchResponse{}, err
	}
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return searchResponse{}, fmt.Errorf("places: decode: %w", err)
	}
	return sr, nil
}

func (c *Client) passesQuality(cand domain.Candidate) bool {
	minRating, minReviews := c.opts.MinRating, c.opts.MinReviews
	if minRating <= 0 && minReviews <= 0 {
		return true
	}
	if minRating > 0 && cand.Rating != nil && *cand.Rating >= minRating {
		return true
	}
	if minReviews > 0 && cand.ReviewCount != nil && *cand.ReviewCount >= minReviews {
		return true
	}
	return false
}

func toCandidate(r result) domain.Candidate {
	c := domain.Candidate{
		SourceID:    r.PlaceID,
		Name:        strings.TrimSpace(r.Name),
		Address:     strings.TrimSpace(r.FormattedAddress),
		Rating:      r.Rating,
		ReviewCount: r.UserRatingsTotal,
		Tags:        r.Types,
	}
	if c.Address == "" {
		c.Address = strings.TrimSpace(r.Vicinity)
	}
	if g := r.Geometry; g != nil && g.Location != nil && g.Location.Lat != nil && g.Location.Lng != nil {
		c.Location = &domain.Point{Lat: *g.Location.Lat, Lng: *g.Location.Lng}
	}
	for _, p := range r.Photos {
		if p.PhotoReference != "" {
			c.Photos = append(c.Photos, domain.PhotoRef{Reference: p.PhotoReference, Width: p.Width, Height: p.Height})
		}
	}
	return c
}
