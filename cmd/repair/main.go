// Command repair finds records whose image still points at the provider's
// expiring photo URLs, copies those photos into the bucket and rewrites the
// records. It is safe to run repeatedly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/localbiz/directory/engine/app"
	"github.com/localbiz/directory/engine/repair"
	"github.com/localbiz/directory/engine/writer"
	"github.com/localbiz/directory/pkg/config"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "optional config file")
		markers = flag.String("markers", "", "comma-separated URL markers of stale images (default: provider photo hosts)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(slog.Default(), err)
	}
	log := cfg.Logger()
	if err := cfg.Validate(config.NeedPlaces, config.NeedStore, config.NeedStorage); err != nil {
		fatal(log, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := run(ctx, cfg, splitMarkers(*markers), log)
	fmt.Printf("scanned=%d success=%d failed=%d\n", t.Scanned, t.Success, t.Failed)
	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("repair interrupted; rerun to continue")
		os.Exit(130)
	case err != nil:
		log.Error("repair failed", "error", err)
		os.Exit(1)
	}
}

func fatal(log *slog.Logger, err error) {
	log.Error("configuration error", "error", err)
	fmt.Fprintf(os.Stderr, "repair: %v\n", err)
	os.Exit(1)
}

func splitMarkers(s string) []string {
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func run(ctx context.Context, cfg config.Config, markers []string, log *slog.Logger) (repair.Tally, error) {
	st, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return repair.Tally{}, err
	}
	defer st.Close()

	search, err := app.Places(cfg, nil, log)
	if err != nil {
		return repair.Tally{}, err
	}
	bucket, err := app.Objects(ctx, cfg.Storage)
	if err != nil {
		return repair.Tally{}, err
	}
	photos, err := app.Photos(bucket, cfg.Photo, search.PhotoURL, nil, log)
	if err != nil {
		return repair.Tally{}, err
	}

	sweeper := repair.New(st, writer.New(st, writer.Options{Logger: log}), photos, repair.Options{
		Markers: markers,
		Logger:  log,
		OnProgress: func(done, total int, t repair.Tally) {
			if done%25 == 0 || done == total {
				log.Info("repair: progress", "done", done, "total", total, "success", t.Success, "failed", t.Failed)
			}
		},
	})
	return sweeper.RepairAll(ctx)
}
