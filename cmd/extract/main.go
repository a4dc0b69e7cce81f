// Command extract runs the bulk extraction: every query is searched around
// the service zone, fed through the ingestion pipeline and the admissible
// records are written to a seed JSON file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/localbiz/directory/engine/app"
	"github.com/localbiz/directory/engine/export"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/engine/ingest"
	"github.com/localbiz/directory/engine/places"
	"github.com/localbiz/directory/engine/writer"
	"github.com/localbiz/directory/pkg/config"
)

var defaultQueries = []string{
	"restaurantes", "taquerías", "cafeterías", "panaderías",
	"plomeros", "electricistas", "cerrajeros",
	"talleres mecánicos", "farmacias", "dentistas",
	"estéticas", "barberías", "ferreterías", "tiendas de abarrotes",
}

type options struct {
	queries []string
	out     string
	dryRun  bool
}

func main() {
	var (
		cfgPath = flag.String("config", "", "optional config file")
		queries = flag.String("queries", strings.Join(defaultQueries, ","), "comma-separated search queries")
		out     = flag.String("out", "data/businesses.json", "seed file to write")
		dryRun  = flag.Bool("dry-run", false, "keep records in memory and skip photo uploads")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(slog.Default(), err)
	}
	log := cfg.Logger()

	opts := options{queries: splitQueries(*queries), out: *out, dryRun: *dryRun}
	if opts.dryRun {
		cfg.Store.Backend = "memory"
	}
	if err := cfg.Validate(needs(opts)...); err != nil {
		fatal(log, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, n, err := run(ctx, cfg, opts, log)
	fmt.Printf("seen=%d filtered=%d success=%d failed=%d inserted=%d updated=%d duplicates=%d photos=%d exported=%d\n",
		sum.Seen, sum.Filtered, sum.Success, sum.Failed, sum.Inserted, sum.Updated, sum.Duplicates, sum.PhotosPersisted, n)
	if err != nil {
		log.Error("extract failed", "error", err)
		os.Exit(1)
	}
}

func fatal(log *slog.Logger, err error) {
	log.Error("configuration error", "error", err)
	fmt.Fprintf(os.Stderr, "extract: %v\n", err)
	os.Exit(1)
}

func needs(o options) []config.Need {
	if o.dryRun {
		return []config.Need{config.NeedPlaces}
	}
	return []config.Need{config.NeedPlaces, config.NeedStore, config.NeedStorage}
}

func splitQueries(s string) []string {
	var out []string
	for _, q := range strings.Split(s, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// run ingests every query and writes the seed file. The returned count is
// the number of exported entries.
func run(ctx context.Context, cfg config.Config, o options, log *slog.Logger) (ingest.Summary, int, error) {
	var total ingest.Summary

	st, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return total, 0, err
	}
	defer st.Close()

	search, err := app.Places(cfg, nil, log)
	if err != nil {
		return total, 0, err
	}

	deps := ingest.Deps{
		Zone:     geo.DefaultZone,
		Writer:   writer.New(st, writer.Options{Logger: log}),
		Geocoder: app.Geocoder(cfg.Geocoder, log),
		Logger:   log,
	}
	if !o.dryRun {
		bucket, err := app.Objects(ctx, cfg.Storage)
		if err != nil {
			return total, 0, err
		}
		photos, err := app.Photos(bucket, cfg.Photo, search.PhotoURL, nil, log)
		if err != nil {
			return total, 0, err
		}
		deps.Photos = photos
	}
	pipeline := ingest.New(deps)

	for _, q := range o.queries {
		log.Info("extract: query", "query", q)
		sum, err := pipeline.Run(ctx, search.Search(ctx, places.Query{Text: q}), func(s ingest.Summary) {
			if s.Seen%10 == 0 {
				log.Info("extract: progress", "query", q, "seen", s.Seen, "success", s.Success, "failed", s.Failed)
			}
		})
		total = total.Merge(sum)
		if err != nil {
			return total, 0, err
		}
	}

	entries, err := export.Collect(ctx, st, geo.DefaultZone)
	if err != nil {
		return total, 0, err
	}
	if err := export.WriteFile(o.out, entries); err != nil {
		return total, 0, err
	}
	log.Info("extract: seed written", "path", o.out, "entries", len(entries))
	return total, len(entries), nil
}
