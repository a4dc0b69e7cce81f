package repair

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/store"
	"github.com/localbiz/directory/engine/writer"
)

type fakePersister struct {
	mu    sync.Mutex
	srcs  []string
	fail  map[string]bool
	host  string
	onCall func()
}

func (f *fakePersister) Persist(_ context.Context, src, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.srcs = append(f.srcs, src)
	if f.onCall != nil {
		f.onCall()
	}
	if f.fail[name] {
		return "", errors.New("photo: no route returned an image")
	}
	return "https://" + f.host + "/businesses/1-" + strings.ToLower(name) + ".jpg", nil
}

func (f *fakePersister) Host() string { return f.host }

const legacyURL = "https://maps.googleapis.com/maps/api/place/photo?maxwidth=800&photoreference=AWU5eFg%2Bz&key=old"

func seed(t *testing.T, s *store.Memory, id, name, image string) {
	t.Helper()
	b := domain.Business{
		ID: id, Name: name, Category: "Tienda", Address: "Calle " + id,
		ImageURL: domain.StringPtr(image), Plan: domain.PlanFree, Visible: true,
	}
	if err := s.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
}

func TestExtractProvenance(t *testing.T) {
	tests := []struct {
		url  string
		want domain.Provenance
		ok   bool
	}{
		{legacyURL, domain.Provenance{SourcePhotoRef: "AWU5eFg+z"}, true},
		{"https://maps.googleapis.com/maps/api/place/photo?photo_reference=REF2&maxwidth=400", domain.Provenance{SourcePhotoRef: "REF2"}, true},
		{"https://places.googleapis.com/v1/places/ChIJ9/photos/PH1/media?maxWidthPx=800&key=k",
			domain.Provenance{SourceID: "ChIJ9", SourcePhotoRef: "places/ChIJ9/photos/PH1"}, true},
		{"https://maps.googleapis.com/maps/api/staticmap?center=x", domain.Provenance{}, false},
		{"https://cdn.test/businesses/a.jpg", domain.Provenance{}, false},
		{"", domain.Provenance{}, false},
	}
	for _, tt := range tests {
		got, ok := ExtractProvenance(tt.url)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractProvenance(%q) = %+v, %v; want %+v, %v", tt.url, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRepairAllFixesOnlyStaleRows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "a", "Farmacia", legacyURL)
	seed(t, s, "b", "Spa", "https://places.googleapis.com/v1/places/ChIJ9/photos/PH1/media?maxWidthPx=800&key=old")
	seed(t, s, "c", "Durable", "https://cdn.test/businesses/1-durable.jpg")
	seed(t, s, "d", "Broken", "https://maps.googleapis.com/maps/api/place/photo?photoreference=gone")

	photos := &fakePersister{host: "cdn.test", fail: map[string]bool{"Broken": true}}
	sw := New(s, writer.New(s, writer.Options{}), photos, Options{})

	tally, err := sw.RepairAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tally != (Tally{Scanned: 3, Success: 2, Failed: 1}) {
		t.Fatalf("tally = %+v", tally)
	}

	a, _ := s.Get(ctx, "a")
	if !strings.Contains(a.Image(), "cdn.test") || a.Provenance == nil || a.Provenance.SourcePhotoRef != "AWU5eFg+z" {
		t.Fatalf("row a = %+v", a)
	}
	b, _ := s.Get(ctx, "b")
	if !strings.Contains(b.Image(), "cdn.test") || b.Provenance.SourceID != "ChIJ9" {
		t.Fatalf("row b = %+v", b)
	}
	c, _ := s.Get(ctx, "c")
	if c.Image() != "https://cdn.test/businesses/1-durable.jpg" || !c.UpdatedAt.IsZero() {
		t.Fatalf("unrelated row touched: %+v", c)
	}
	d, _ := s.Get(ctx, "d")
	if !strings.Contains(d.Image(), "maps.googleapis.com") {
		t.Fatalf("failed row should keep its image, got %q", d.Image())
	}

	// Legacy rows are re-fetched by reference, media rows by their URL.
	if photos.srcs[0] != "AWU5eFg+z" || !strings.HasPrefix(photos.srcs[1], "https://places.googleapis.com/") {
		t.Fatalf("sources = %v", photos.srcs)
	}

	// A second sweep only sees the row that still fails.
	tally, _ = sw.RepairAll(ctx)
	if tally != (Tally{Scanned: 1, Failed: 1}) {
		t.Fatalf("second tally = %+v", tally)
	}
}

func TestRepairRejectsNonDurableResult(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "a", "Farmacia", legacyURL)
	photos := &fakePersister{host: "maps.googleapis.com"}
	sw := New(s, writer.New(s, writer.Options{}), photos, Options{})

	tally, _ := sw.RepairAll(context.Background())
	if tally.Failed != 1 {
		t.Fatalf("tally = %+v", tally)
	}
}

func TestRepairAllStopsOnCancel(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "a", "Uno", legacyURL)
	seed(t, s, "b", "Dos", legacyURL+"&x=2")
	seed(t, s, "c", "Tres", legacyURL+"&x=3")

	ctx, cancel := context.WithCancel(context.Background())
	photos := &fakePersister{host: "cdn.test", onCall: cancel}
	var progress []int
	sw := New(s, writer.New(s, writer.Options{}), photos, Options{
		OnProgress: func(done, total int, _ Tally) { progress = append(progress, done) },
	})

	tally, err := sw.RepairAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tally.Scanned != 1 || len(progress) != 1 {
		t.Fatalf("tally=%+v progress=%v", tally, progress)
	}
}
