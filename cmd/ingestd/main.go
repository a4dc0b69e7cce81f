// Command ingestd serves on-demand ingestion requests from NATS and exposes
// /metrics and /healthz.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/localbiz/directory/engine/app"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/engine/ingest"
	"github.com/localbiz/directory/engine/writer"
	"github.com/localbiz/directory/pkg/config"
	"github.com/localbiz/directory/pkg/metrics"
	"github.com/localbiz/directory/pkg/mid"
)

const service = "directory-ingestd"

var errNATSDown = errors.New("nats: not connected")

func main() {
	cfgPath := flag.String("config", "", "optional config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(slog.Default(), err)
	}
	log := cfg.Logger().With("service", service)
	if err := cfg.Validate(config.NeedPlaces, config.NeedStore, config.NeedStorage, config.NeedNATS); err != nil {
		fatal(log, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("ingestd stopped", "error", err)
		os.Exit(1)
	}
}

func fatal(log *slog.Logger, err error) {
	log.Error("configuration error", "error", err)
	fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	st, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	search, err := app.Places(cfg, m, log)
	if err != nil {
		return err
	}
	bucket, err := app.Objects(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	photos, err := app.Photos(bucket, cfg.Photo, search.PhotoURL, m, log)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(service),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	pipeline := ingest.New(ingest.Deps{
		Zone:     geo.DefaultZone,
		Writer:   writer.New(st, writer.Options{Logger: log, Metrics: m}),
		Geocoder: app.Geocoder(cfg.Geocoder, log),
		Photos:   photos,
		Logger:   log,
		Metrics:  m,
	})
	consumer := ingest.NewConsumer(pipeline, search, nc, log)
	sub, err := consumer.Start(ctx, nc)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.RequestSubject, err)
	}
	defer sub.Unsubscribe()
	log.Info("listening for ingestion requests", "subject", ingest.RequestSubject, "metrics", cfg.MetricsAddr)

	ops := mid.OpsHandler(service, log, metrics.Handler(reg), map[string]mid.HealthFunc{
		"store": st.Health,
		"nats": func(context.Context) error {
			if !nc.IsConnected() {
				return errNATSDown
			}
			return nil
		},
	})
	return mid.Serve(ctx, cfg.MetricsAddr, ops)
}
