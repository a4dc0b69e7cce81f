// Package repair finds records whose image still points at the transient
// provider host and moves those photos into durable storage.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/places"
	"github.com/localbiz/directory/engine/store"
	"github.com/localbiz/directory/engine/writer"
	"github.com/localbiz/directory/pkg/metrics"
)

var ErrNotDurable = errors.New("repair: persisted url is not on the durable host")

// Persister is the photo persister as seen by the sweep.
type Persister interface {
	Persist(ctx context.Context, src, name string) (string, error)
	Host() string
}

// Tally counts sweep results.
type Tally struct {
	Scanned int `json:"scanned"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Options configures a Sweeper.
type Options struct {
	// Markers select stale rows; defaults to the provider photo hosts.
	Markers    []string
	Logger     *slog.Logger
	Metrics    *metrics.Directory
	OnProgress func(done, total int, t Tally)
}

// Sweeper repairs stale image URLs one row at a time.
type Sweeper struct {
	store  store.Store
	writer *writer.Writer
	photos Persister
	opts   Options
}

// New creates a Sweeper.
func New(s store.Store, w *writer.Writer, photos Persister, opts Options) *Sweeper {
	if len(opts.Markers) == 0 {
		opts.Markers = []string{places.TransientMarker, places.MediaMarker}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{store: s, writer: w, photos: photos, opts: opts}
}

// RepairAll processes every stale row sequentially. Row failures are
// counted and never stop the sweep. A cancelled ctx stops between rows and
// the tally so far is returned with the context error.
func (s *Sweeper) RepairAll(ctx context.Context) (Tally, error) {
	var t Tally
	log := s.opts.Logger

	rows, err := s.staleRows(ctx)
	if err != nil {
		return t, err
	}
	log.Info("repair: found stale rows", "count", len(rows), "markers", s.opts.Markers)

	for i, b := range rows {
		if err := ctx.Err(); err != nil {
			log.Warn("repair: cancelled", "done", i, "total", len(rows))
			return t, err
		}
		t.Scanned++
		if err := s.repairOne(ctx, b); err != nil {
			t.Failed++
			s.opts.Metrics.Repair("failed")
			log.Warn("repair: row failed", "id", b.ID, "name", b.Name, "error", err)
		} else {
			t.Success++
			s.opts.Metrics.Repair("fixed")
			log.Info("repair: row fixed", "id", b.ID, "name", b.Name)
		}
		if s.opts.OnProgress != nil {
			s.opts.OnProgress(i+1, len(rows), t)
		}
	}
	s.opts.Metrics.MarkRun()
	return t, nil
}

// staleRows lists rows matching any marker, once each, ordered by id.
func (s *Sweeper) staleRows(ctx context.Context) ([]domain.Business, error) {
	seen := map[string]bool{}
	var rows []domain.Business
	for _, m := range s.opts.Markers {
		found, err := s.store.ListByImageMarker(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("repair: list rows with %q: %w", m, err)
		}
		for _, b := range found {
			if !seen[b.ID] {
				seen[b.ID] = true
				rows = append(rows, b)
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *Sweeper) transient(u string) bool {
	for _, m := range s.opts.Markers {
		if strings.Contains(u, m) {
			return true
		}
	}
	return false
}

func (s *Sweeper) repairOne(ctx context.Context, b domain.Business) error {
	stale := b.Image()
	src := stale
	var prov *domain.Provenance
	if p, ok := ExtractProvenance(stale); ok {
		if b.Provenance != nil && p.SourceID == "" {
			p.SourceID = b.Provenance.SourceID
		}
		prov = &p
		if isLegacyRef(p.SourcePhotoRef) {
			src = p.SourcePhotoRef
		}
	}

	durable, err := s.photos.Persist(ctx, src, b.Name)
	if err != nil {
		return err
	}
	if !strings.Contains(durable, s.photos.Host()) || s.transient(durable) {
		return fmt.Errorf("%w: %s", ErrNotDurable, durable)
	}
	return s.writer.SetImage(ctx, b.ID, durable, prov)
}
