package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/localbiz/directory/engine/export"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/pkg/config"
)

func placesServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		result := func(id, name string, lat, lng float64) map[string]any {
			return map[string]any{
				"place_id":           id,
				"name":               name,
				"formatted_address":  "Calle " + id,
				"rating":             4.5,
				"user_ratings_total": 50,
				"types":              []string{"restaurant", "food"},
				"geometry":           map[string]any{"location": map[string]any{"lat": lat, "lng": lng}},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"results": []map[string]any{
				result("in", "Taco Place", geo.CenterLat, geo.CenterLng),
				result("out", "Far Tacos", 25.50, -100.00),
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunDryRunWritesSeed(t *testing.T) {
	var hits atomic.Int32
	srv := placesServer(t, &hits)
	out := filepath.Join(t.TempDir(), "businesses.json")

	cfg := config.Config{
		Places: config.Places{APIKey: "test", BaseURL: srv.URL, MinRating: 4, MinReviews: 10},
		Store:  config.Store{Backend: "memory"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sum, n, err := run(context.Background(), cfg, options{queries: []string{"tacos", "tacos"}, out: out, dryRun: true}, log)
	if err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Fatalf("search requests = %d", hits.Load())
	}
	if sum.Inserted != 1 || sum.Duplicates != 1 || n != 1 {
		t.Fatalf("summary = %+v, exported = %d", sum, n)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var entries []export.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "Taco Place" || entries[0].Category != "Restaurante" || entries[0].IsPremium {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestNeeds(t *testing.T) {
	if got := needs(options{dryRun: true}); len(got) != 1 || got[0] != config.NeedPlaces {
		t.Fatalf("dry run needs = %v", got)
	}
	if got := needs(options{}); len(got) != 3 {
		t.Fatalf("needs = %v", got)
	}
}

func TestSplitQueries(t *testing.T) {
	got := splitQueries(" tacos, ,plomeros ,")
	if len(got) != 2 || got[0] != "tacos" || got[1] != "plomeros" {
		t.Fatalf("got %q", got)
	}
}
