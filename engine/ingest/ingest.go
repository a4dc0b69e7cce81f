// Package ingest runs provider candidates through geocoding, the geofence,
// category normalization, dedup, photo persistence and the upsert writer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/localbiz/directory/engine/category"
	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/engine/writer"
	"github.com/localbiz/directory/pkg/fn"
	"github.com/localbiz/directory/pkg/metrics"
)

var (
	// ErrFiltered marks a candidate dropped by the geofence.
	ErrFiltered = errors.New("ingest: outside service zone")
	// ErrDuplicate marks a candidate whose natural key already exists.
	ErrDuplicate = errors.New("ingest: duplicate")
)

// Geocoder resolves a street address to a point.
type Geocoder interface {
	Lookup(ctx context.Context, address string) (domain.Point, error)
}

// PhotoPersister copies a provider photo into durable storage.
type PhotoPersister interface {
	Persist(ctx context.Context, src, name string) (string, error)
}

// Deps holds the collaborators of a Pipeline. Geocoder and Photos are
// optional; without Photos records are written with no image.
type Deps struct {
	Zone     geo.Zone
	Writer   *writer.Writer
	Geocoder Geocoder
	Photos   PhotoPersister
	Logger   *slog.Logger
	Metrics  *metrics.Directory
}

// Summary counts the outcome of one run. Duplicates are part of Success.
type Summary struct {
	Seen            int `json:"seen"`
	Filtered        int `json:"filtered"`
	Success         int `json:"success"`
	Failed          int `json:"failed"`
	Inserted        int `json:"inserted"`
	Updated         int `json:"updated"`
	Duplicates      int `json:"duplicates"`
	PhotosPersisted int `json:"photos_persisted"`
}

// Merge returns the field-wise sum of s and o.
func (s Summary) Merge(o Summary) Summary {
	return Summary{
		Seen:            s.Seen + o.Seen,
		Filtered:        s.Filtered + o.Filtered,
		Success:         s.Success + o.Success,
		Failed:          s.Failed + o.Failed,
		Inserted:        s.Inserted + o.Inserted,
		Updated:         s.Updated + o.Updated,
		Duplicates:      s.Duplicates + o.Duplicates,
		PhotosPersisted: s.PhotosPersisted + o.PhotosPersisted,
	}
}

// record is the value passed between stages once a candidate is normalized.
type record struct {
	cand    domain.Candidate
	biz     domain.Business
	outcome writer.Outcome
}

// Pipeline is a composed ingestion stage plus its run loop.
type Pipeline struct {
	deps  Deps
	log   *slog.Logger
	stage fn.Stage[domain.Candidate, record]
}

// New wires the stages.
func New(deps Deps) *Pipeline {
	if deps.Zone.RadiusKm == 0 {
		deps.Zone = geo.DefaultZone
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{deps: deps, log: log}

	located := fn.Then(LoggedTap[domain.Candidate]("locate", log), fn.TracedStage("ingest.locate", p.locate))
	admitted := fn.Then(located, fn.Then(LoggedTap[domain.Candidate]("admit", log), fn.TracedStage("ingest.admit", p.admit)))
	normalized := fn.Then(admitted, fn.Then(LoggedTap[domain.Candidate]("normalize", log), fn.TracedStage("ingest.normalize", p.normalize)))
	checked := fn.Then(normalized, fn.Then(LoggedTap[record]("dedup", log), fn.TracedStage("ingest.dedup", p.dedup)))
	photographed := fn.Then(checked, fn.Then(LoggedTap[record]("photo", log), fn.TracedStage("ingest.photo", p.photo)))
	p.stage = fn.Then(photographed, fn.Then(LoggedTap[record]("write", log), fn.TracedStage("ingest.write", p.write)))
	return p
}

// LoggedTap returns a pass-through stage that logs entry at debug level.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

// Process runs one candidate through every stage. Filtered and duplicate
// candidates come back as ErrFiltered and ErrDuplicate.
func (p *Pipeline) Process(ctx context.Context, c domain.Candidate) (domain.Business, writer.Outcome, error) {
	r, err := p.stage(ctx, c).Unwrap()
	if err != nil {
		return domain.Business{}, writer.None, err
	}
	return r.biz, r.outcome, nil
}

// Run drains seq one candidate at a time. onProgress, when set, is called
// after every candidate from the calling goroutine. A cancelled ctx stops
// between candidates and the summary so far is returned with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, seq iter.Seq[domain.Candidate], onProgress func(Summary)) (Summary, error) {
	var s Summary
	start := time.Now()
	defer func() {
		p.deps.Metrics.MarkRun()
		p.log.Info("ingest: run finished", "seen", s.Seen, "filtered", s.Filtered,
			"success", s.Success, "failed", s.Failed, "inserted", s.Inserted,
			"updated", s.Updated, "duplicates", s.Duplicates,
			"photos", s.PhotosPersisted, "duration", time.Since(start))
	}()

	for c := range seq {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		s.Seen++
		biz, o, err := p.Process(ctx, c)
		switch {
		case errors.Is(err, ErrFiltered):
			s.Filtered++
			p.deps.Metrics.Candidate("filtered")
		case errors.Is(err, ErrDuplicate):
			s.Success++
			s.Duplicates++
			p.deps.Metrics.Candidate("duplicate")
		case err != nil:
			s.Failed++
			p.deps.Metrics.Candidate("failed")
			p.log.Warn("ingest: candidate failed", "name", c.Name, "source_id", c.SourceID, "error", err)
		default:
			s.Success++
			switch o {
			case writer.Inserted:
				s.Inserted++
			case writer.Updated:
				s.Updated++
			case writer.SkippedDuplicate:
				s.Duplicates++
			}
			if biz.ImageURL != nil {
				s.PhotosPersisted++
			}
			p.deps.Metrics.Candidate(o.String())
		}
		if onProgress != nil {
			onProgress(s)
		}
	}
	return s, ctx.Err()
}

func (p *Pipeline) locate(ctx context.Context, c domain.Candidate) fn.Result[domain.Candidate] {
	if c.Location != nil || p.deps.Geocoder == nil || strings.TrimSpace(c.Address) == "" {
		return fn.Ok(c)
	}
	defer p.deps.Metrics.ObserveStage("locate", time.Now())
	pt, err := p.deps.Geocoder.Lookup(ctx, c.Address)
	if err != nil {
		if ctx.Err() != nil {
			return fn.Err[domain.Candidate](err)
		}
		p.log.Debug("ingest: geocode failed", "name", c.Name, "address", c.Address, "error", err)
		return fn.Ok(c)
	}
	c.Location = &pt
	return fn.Ok(c)
}

func (p *Pipeline) admit(_ context.Context, c domain.Candidate) fn.Result[domain.Candidate] {
	if !p.deps.Zone.Admit(p.log, c.Name, c.Location) {
		return fn.Errf[domain.Candidate]("%w: %s", ErrFiltered, c.Name)
	}
	return fn.Ok(c)
}

func (p *Pipeline) normalize(_ context.Context, c domain.Candidate) fn.Result[record] {
	return fn.Ok(record{cand: c, biz: ToBusiness(c)})
}

func (p *Pipeline) dedup(ctx context.Context, r record) fn.Result[record] {
	defer p.deps.Metrics.ObserveStage("dedup", time.Now())
	o, err := p.deps.Writer.Check(ctx, r.biz)
	if err != nil {
		return fn.Err[record](err)
	}
	if o == writer.SkippedDuplicate {
		return fn.Errf[record]("%w: %s", ErrDuplicate, r.biz.Name)
	}
	return fn.Ok(r)
}

// photo never fails the record; a failed persist leaves the image empty.
func (p *Pipeline) photo(ctx context.Context, r record) fn.Result[record] {
	ref := r.cand.FirstPhoto()
	if p.deps.Photos == nil || ref == "" {
		return fn.Ok(r)
	}
	defer p.deps.Metrics.ObserveStage("photo", time.Now())
	u, err := p.deps.Photos.Persist(ctx, ref, r.biz.Name)
	if err != nil {
		p.log.Info("ingest: no durable photo", "name", r.biz.Name, "error", err)
		return fn.Ok(r)
	}
	r.biz.ImageURL = &u
	return fn.Ok(r)
}

func (p *Pipeline) write(ctx context.Context, r record) fn.Result[record] {
	defer p.deps.Metrics.ObserveStage("write", time.Now())
	o, err := p.deps.Writer.Write(ctx, r.biz)
	if err != nil {
		return fn.Err[record](err)
	}
	if o == writer.SkippedDuplicate {
		return fn.Errf[record]("%w: %s", ErrDuplicate, r.biz.Name)
	}
	r.outcome = o
	return fn.Ok(r)
}

// ToBusiness maps a candidate to a visible free-plan record with a stable id.
func ToBusiness(c domain.Candidate) domain.Business {
	label := category.Classify(c.Tags)
	id := domain.NewID()
	if c.SourceID != "" {
		id = domain.StableID(c.SourceID)
	}
	var prov *domain.Provenance
	if c.SourceID != "" || c.FirstPhoto() != "" {
		prov = &domain.Provenance{SourceID: c.SourceID, SourcePhotoRef: c.FirstPhoto()}
	}
	return domain.Business{
		ID:          id,
		Name:        strings.TrimSpace(c.Name),
		Category:    label.Name,
		Group:       label.Group,
		Address:     strings.TrimSpace(c.Address),
		Location:    c.Location,
		Description: describe(label.Name, c),
		Phone:       c.Phone,
		Website:     c.Website,
		Visible:     true,
		Plan:        domain.PlanFree,
		Provenance:  prov,
	}
}

func describe(cat string, c domain.Candidate) string {
	var b strings.Builder
	b.WriteString(cat)
	if a := strings.TrimSpace(c.Address); a != "" {
		b.WriteString(" en ")
		b.WriteString(a)
	}
	if c.Rating != nil {
		fmt.Fprintf(&b, ". Calificación %.1f", *c.Rating)
		if c.ReviewCount != nil {
			fmt.Fprintf(&b, " (%d reseñas)", *c.ReviewCount)
		}
	}
	b.WriteString(".")
	return b.String()
}
