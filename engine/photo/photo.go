// Package photo copies transient provider photos into durable object
// storage.
package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "golang.org/x/image/webp"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/localbiz/directory/engine/objects"
	"github.com/localbiz/directory/pkg/fn"
	"github.com/localbiz/directory/pkg/metrics"
	"github.com/localbiz/directory/pkg/resilience"
)

// Defaults.
const (
	DefaultMinBytes = 1000
	DefaultMaxBytes = 10 << 20
	DefaultPrefix   = "businesses"
	DefaultTimeout  = 10 * time.Second
)

var (
	ErrEmptySource  = errors.New("photo: empty source")
	ErrUnresolvable = errors.New("photo: reference cannot be resolved to a URL")
	ErrNoRoute      = errors.New("photo: no route returned an image")
	ErrTooSmall     = errors.New("photo: payload below minimum size")
	ErrNotImage     = errors.New("photo: payload is not a decodable image")
	ErrTooLarge     = errors.New("photo: payload above maximum size")
)

// resourceError is an answer about one photo rather than about the route
// that fetched it, such as a 404 or an HTML error page. It never counts
// against the route's breaker.
type resourceError struct{ err error }

func (e *resourceError) Error() string { return e.err.Error() }
func (e *resourceError) Unwrap() error { return e.err }

// routeFailure reports whether err says the route itself is unhealthy.
func routeFailure(err error) bool {
	var re *resourceError
	return !errors.As(err, &re)
}

func uploadRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Options configures a Persister. Zero values select the defaults.
type Options struct {
	// Routes are tried in order; nil means Direct only.
	Routes []Route
	// Resolve turns a provider photo reference into a fetchable URL.
	Resolve  func(ref string) string
	MinBytes int
	MaxBytes int64
	Prefix   string
	// Timeout bounds each route attempt.
	Timeout time.Duration
	Breaker resilience.BreakerOpts
	Upload  fn.RetryOpts
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Directory
	Now     func() time.Time
}

type route struct {
	Route
	breaker *resilience.Breaker
}

// Persister fetches, verifies and uploads photos.
type Persister struct {
	store    objects.Store
	routes   []route
	resolve  func(string) string
	minBytes int
	maxBytes int64
	prefix   string
	timeout  time.Duration
	upload   fn.RetryOpts
	client   *http.Client
	log      *slog.Logger
	metrics  *metrics.Directory
	now      func() time.Time
}

// New creates a Persister writing to store.
func New(store objects.Store, opts Options) *Persister {
	p := &Persister{
		store:    store,
		resolve:  opts.Resolve,
		minBytes: opts.MinBytes,
		maxBytes: opts.MaxBytes,
		prefix:   strings.Trim(opts.Prefix, "/"),
		timeout:  opts.Timeout,
		upload:   opts.Upload,
		client:   opts.Client,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if p.minBytes <= 0 {
		p.minBytes = DefaultMinBytes
	}
	if p.maxBytes <= 0 {
		p.maxBytes = DefaultMaxBytes
	}
	if p.prefix == "" {
		p.prefix = DefaultPrefix
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.upload.MaxAttempts == 0 {
		p.upload = fn.DefaultRetry
	}
	if p.upload.Retryable == nil {
		p.upload.Retryable = uploadRetryable
	}
	if p.client == nil {
		p.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	routes := opts.Routes
	if len(routes) == 0 {
		routes = []Route{Direct}
	}
	for _, r := range routes {
		bo := opts.Breaker
		if bo.IsFailure == nil {
			bo.IsFailure = routeFailure
		}
		bo.OnStateChange = func(from, to resilience.State) {
			p.log.Warn("photo: route breaker changed state", "route", r.Name, "from", from, "to", to)
		}
		p.routes = append(p.routes, route{Route: r, breaker: resilience.NewBreaker(bo)})
	}
	return p
}

// Host is the durable storage marker of persisted URLs.
func (p *Persister) Host() string { return p.store.Host() }

// Persist copies the photo at src (an absolute URL or a provider reference)
// to durable storage and returns its public URL. Any error means the caller
// has no new image and must keep whatever it had.
func (p *Persister) Persist(ctx context.Context, src, name string) (string, error) {
	u, err := p.resolveURL(src)
	if err != nil {
		return "", err
	}

	data, err := p.fetch(ctx, u)
	if err != nil {
		p.log.Warn("photo: fetch failed", "name", name, "error", err)
		return "", err
	}

	ext, contentType, err := p.verify(data)
	if err != nil {
		p.log.Warn("photo: rejected", "name", name, "bytes", len(data), "error", err)
		return "", err
	}

	path := p.objectPath(name, ext)
	res := fn.Retry(ctx, p.upload, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, p.store.Upload(ctx, path, data, contentType))
	})
	if _, err := res.Unwrap(); err != nil {
		p.metrics.PhotoUpload("error")
		p.log.Error("photo: upload failed", "name", name, "path", path, "error", err)
		return "", fmt.Errorf("photo: upload %s: %w", path, err)
	}
	p.metrics.PhotoUpload("ok")
	return p.store.PublicURL(path), nil
}

func (p *Persister) resolveURL(src string) (string, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", ErrEmptySource
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src, nil
	}
	if p.resolve == nil {
		return "", ErrUnresolvable
	}
	u := p.resolve(src)
	if u == "" {
		return "", ErrUnresolvable
	}
	return u, nil
}

// fetch walks the routes in order and returns the first image body.
func (p *Persister) fetch(ctx context.Context, src string) ([]byte, error) {
	var errs []error
	for _, r := range p.routes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var body []byte
		err := r.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			body, err = p.get(ctx, r.URL(src))
			return err
		})
		if err != nil {
			result := "error"
			if errors.Is(err, resilience.ErrCircuitOpen) {
				result = "open"
			}
			p.metrics.PhotoFetch(r.Name, result)
			p.log.Debug("photo: route failed", "route", r.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
			continue
		}
		p.metrics.PhotoFetch(r.Name, "ok")
		return body, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoRoute, errors.Join(errs...))
}

func (p *Persister) get(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, &resourceError{fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mt, "image/") {
		return nil, &resourceError{fmt.Errorf("content type %q is not an image", resp.Header.Get("Content-Type"))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.maxBytes {
		p.metrics.PhotoReject("too_large")
		return nil, &resourceError{fmt.Errorf("%w: more than %d bytes", ErrTooLarge, p.maxBytes)}
	}
	return data, nil
}

// verify checks size and decodability. The extension and content type come
// from the decoded format since provider headers are not trusted.
func (p *Persister) verify(data []byte) (ext, contentType string, err error) {
	if len(data) < p.minBytes {
		p.metrics.PhotoReject("too_small")
		return "", "", fmt.Errorf("%w: %d < %d bytes", ErrTooSmall, len(data), p.minBytes)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		p.metrics.PhotoReject("not_image")
		return "", "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	ext = format
	if format == "jpeg" {
		ext = "jpg"
	}
	return ext, "image/" + format, nil
}

func (p *Persister) objectPath(name, ext string) string {
	return fmt.Sprintf("%s/%d-%s.%s", p.prefix, p.now().UnixMilli(), Sanitize(name), ext)
}

// Sanitize turns a business name into a lowercase ASCII slug.
func Sanitize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-")
	}
	if s == "" {
		return "business"
	}
	return s
}
