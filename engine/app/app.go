// Package app builds the engine components from configuration for the
// binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/localbiz/directory/engine/geocode"
	"github.com/localbiz/directory/engine/ingest"
	"github.com/localbiz/directory/engine/objects"
	"github.com/localbiz/directory/engine/photo"
	"github.com/localbiz/directory/engine/places"
	"github.com/localbiz/directory/engine/store"
	"github.com/localbiz/directory/pkg/config"
	"github.com/localbiz/directory/pkg/metrics"
	"github.com/localbiz/directory/pkg/mid"
	"github.com/localbiz/directory/pkg/resilience"
)

// Store is an opened records store with its cleanup and health check.
type Store struct {
	store.Store
	Close  func()
	Health mid.HealthFunc
}

// OpenStore connects to the configured backend and makes sure its schema
// or constraints exist.
func OpenStore(ctx context.Context, cfg config.Store, log *slog.Logger) (*Store, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.ViaBouncer)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewPostgres(pool, "")
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("connected to postgres", "max_conns", cfg.MaxConns, "via_bouncer", cfg.ViaBouncer)
		return &Store{Store: pg, Close: pool.Close, Health: pool.Ping}, nil

	case "neo4j":
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return nil, fmt.Errorf("app: neo4j connect: %w", err)
		}
		closeDriver := func() { driver.Close(context.Background()) }
		if err := driver.VerifyConnectivity(ctx); err != nil {
			closeDriver()
			return nil, fmt.Errorf("app: neo4j verify: %w", err)
		}
		nodes := store.NewBusinessRepo(driver)
		if err := nodes.EnsureConstraints(ctx); err != nil {
			closeDriver()
			return nil, fmt.Errorf("app: neo4j constraints: %w", err)
		}
		log.Info("connected to neo4j", "url", cfg.Neo4jURL)
		return &Store{Store: store.NewNeo4j(nodes), Close: closeDriver, Health: driver.VerifyConnectivity}, nil

	case "memory":
		return &Store{Store: store.NewMemory(), Close: func() {}, Health: func(context.Context) error { return nil }}, nil
	}
	return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
}

// Places builds the search client.
func Places(cfg config.Config, m *metrics.Directory, log *slog.Logger) (*places.Client, error) {
	qps := cfg.Places.QPS
	if qps <= 0 {
		qps = 5
	}
	timeout := cfg.Places.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return places.New(places.Options{
		APIKey:        cfg.Places.APIKey,
		BaseURL:       cfg.Places.BaseURL,
		MinRating:     cfg.Places.MinRating,
		MinReviews:    cfg.Places.MinReviews,
		MaxPages:      cfg.Places.MaxPages,
		PageDelay:     cfg.Places.PageDelay,
		PhotoMaxWidth: cfg.Photo.MaxWidth,
		KeepUnlocated: cfg.Geocoder.Enabled,
		Limiter:       rate.NewLimiter(rate.Limit(qps), 1),
		Client:        &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger:        log,
		Metrics:       m,
	})
}

// Geocoder returns the address geocoder, or nil when it is disabled.
func Geocoder(cfg config.Geocoder, log *slog.Logger) ingest.Geocoder {
	if !cfg.Enabled {
		return nil
	}
	return geocode.New(geocode.Options{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Limiter:   resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Rate, Burst: 1}),
		Logger:    log,
	})
}

// Objects opens the configured bucket.
func Objects(ctx context.Context, cfg config.Storage) (*objects.S3Store, error) {
	return objects.NewS3Store(ctx, objects.S3Options{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		PathStyle:       cfg.PathStyle,
		PublicBaseURL:   cfg.PublicBaseURL,
		CacheControl:    "public, max-age=31536000, immutable",
	})
}

// Photos builds the persister over bucket. resolve maps provider photo
// references to URLs, normally (*places.Client).PhotoURL.
func Photos(bucket objects.Store, cfg config.Photo, resolve func(string) string, m *metrics.Directory, log *slog.Logger) (*photo.Persister, error) {
	routes, err := photo.ParseRoutes(cfg.Proxies)
	if err != nil {
		return nil, err
	}
	return photo.New(bucket, photo.Options{
		Routes:   routes,
		Resolve:  resolve,
		MinBytes: cfg.MinBytes,
		Prefix:   cfg.Prefix,
		Timeout:  cfg.Timeout,
		Breaker:  resilience.DefaultBreakerOpts,
		Logger:   log,
		Metrics:  m,
	}), nil
}
