// Package writer applies the natural-key dedup check and the id-keyed
// upsert that make ingestion safe to re-run.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/store"
	"github.com/localbiz/directory/pkg/metrics"
)

// Outcome is the result of writing one record.
type Outcome int

const (
	// None means the dedup check found nothing and no write happened yet.
	None Outcome = iota
	Inserted
	Updated
	SkippedDuplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case SkippedDuplicate:
		return "duplicate"
	default:
		return "none"
	}
}

// Tally accumulates outcomes. Duplicates count as success.
type Tally struct {
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
}

// Add records one write result.
func (t *Tally) Add(o Outcome, err error) {
	if err != nil {
		t.Failed++
		return
	}
	switch o {
	case Inserted:
		t.Inserted++
	case Updated:
		t.Updated++
	case SkippedDuplicate:
		t.Duplicates++
	default:
		return
	}
	t.Success++
}

// Options configures a Writer.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Directory
	Now     func() time.Time
}

// Writer writes businesses to a store.
type Writer struct {
	store   store.Store
	log     *slog.Logger
	metrics *metrics.Directory
	now     func() time.Time
}

// New creates a Writer.
func New(s store.Store, opts Options) *Writer {
	w := &Writer{store: s, log: opts.Logger, metrics: opts.Metrics, now: opts.Now}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Check reports SkippedDuplicate when a record with the same name and
// address already exists, and None otherwise.
func (w *Writer) Check(ctx context.Context, b domain.Business) (Outcome, error) {
	existing, err := w.store.FindByNaturalKey(ctx, b.Name, b.Address)
	switch {
	case err == nil:
		w.log.Debug("writer: duplicate", "name", b.Name, "address", b.Address, "existing_id", existing.ID)
		return SkippedDuplicate, nil
	case errors.Is(err, store.ErrNotFound):
		return None, nil
	default:
		return None, fmt.Errorf("writer: dedup check: %w", err)
	}
}

// Write upserts b by id. Timestamps are stamped here; an existing image is
// kept when b has none.
func (w *Writer) Write(ctx context.Context, b domain.Business) (Outcome, error) {
	now := w.now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Plan == "" {
		b.Plan = domain.PlanFree
	}
	if err := domain.ValidateBusiness(b); err != nil {
		w.metrics.Record("failed")
		return None, fmt.Errorf("writer: %w", err)
	}

	created, err := w.store.Upsert(ctx, b)
	if errors.Is(err, store.ErrConflict) {
		// Another row took the natural key after the check.
		w.metrics.Record(SkippedDuplicate.String())
		return SkippedDuplicate, nil
	}
	if err != nil {
		w.metrics.Record("failed")
		return None, fmt.Errorf("writer: upsert %s: %w", b.ID, err)
	}
	o := Updated
	if created {
		o = Inserted
	}
	w.metrics.Record(o.String())
	return o, nil
}

// Upsert runs Check and, when no duplicate exists, Write.
func (w *Writer) Upsert(ctx context.Context, b domain.Business) (Outcome, error) {
	o, err := w.Check(ctx, b)
	if err != nil {
		w.metrics.Record("failed")
		return None, err
	}
	if o == SkippedDuplicate {
		w.metrics.Record(o.String())
		return o, nil
	}
	return w.Write(ctx, b)
}

// WriteAll upserts every record and never stops on a failure.
func (w *Writer) WriteAll(ctx context.Context, bs []domain.Business) (Tally, error) {
	var t Tally
	for _, b := range bs {
		if err := ctx.Err(); err != nil {
			return t, err
		}
		o, err := w.Upsert(ctx, b)
		if err != nil {
			w.log.Warn("writer: record failed", "id", b.ID, "name", b.Name, "error", err)
		}
		t.Add(o, err)
	}
	return t, nil
}

// SetImage replaces the image of an existing record, used by the repair
// sweep. prov is recorded alongside when non-nil.
func (w *Writer) SetImage(ctx context.Context, id, imageURL string, prov *domain.Provenance) error {
	if imageURL == "" {
		return fmt.Errorf("writer: set image %s: empty url", id)
	}
	if err := w.store.UpdateImage(ctx, id, imageURL, prov); err != nil {
		w.metrics.Record("failed")
		return fmt.Errorf("writer: set image %s: %w", id, err)
	}
	w.metrics.Record(Updated.String())
	return nil
}
