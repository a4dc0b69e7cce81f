// Package store persists canonical business records. Postgres is the
// primary backend; Neo4j and an in-memory store implement the same
// interface.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/localbiz/directory/engine/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert collides on id or natural key.
	ErrConflict = errors.New("store: conflict")
)

// Store is the records store the writer and repair sweep depend on.
type Store interface {
	Get(ctx context.Context, id string) (domain.Business, error)
	// FindByNaturalKey matches name and address exactly.
	FindByNaturalKey(ctx context.Context, name, address string) (domain.Business, error)
	Insert(ctx context.Context, b domain.Business) error
	Update(ctx context.Context, b domain.Business) error
	// Upsert writes b keyed by id. A nil image or provenance never
	// replaces a stored one, and CreatedAt of an existing row is kept.
	Upsert(ctx context.Context, b domain.Business) (created bool, err error)
	ListByImageMarker(ctx context.Context, marker string) ([]domain.Business, error)
	// UpdateImage sets the image URL. A nil provenance keeps the stored one.
	UpdateImage(ctx context.Context, id, imageURL string, prov *domain.Provenance) error
	List(ctx context.Context, limit, offset int) ([]domain.Business, error)
	Count(ctx context.Context) (int64, error)
}

// Memory is an in-process Store. It backs dry runs and tests.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]domain.Business
	now  func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{rows: map[string]domain.Business{}, now: time.Now}
}

var _ Store = (*Memory)(nil)

// clone detaches pointer fields so callers cannot mutate stored rows.
func clone(b domain.Business) domain.Business {
	if b.ImageURL != nil {
		v := *b.ImageURL
		b.ImageURL = &v
	}
	if b.Location != nil {
		v := *b.Location
		b.Location = &v
	}
	if b.Provenance != nil {
		v := *b.Provenance
		b.Provenance = &v
	}
	return b
}

func (m *Memory) Get(_ context.Context, id string) (domain.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.rows[id]
	if !ok {
		return domain.Business{}, ErrNotFound
	}
	return clone(b), nil
}

func (m *Memory) FindByNaturalKey(_ context.Context, name, address string) (domain.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.rows {
		if b.Name == name && b.Address == address {
			return clone(b), nil
		}
	}
	return domain.Business{}, ErrNotFound
}

// naturalKeyTaken reports whether another row already holds b's natural key.
// Must hold mu.
func (m *Memory) naturalKeyTaken(b domain.Business) bool {
	for id, o := range m.rows {
		if id != b.ID && o.Name == b.Name && o.Address == b.Address {
			return true
		}
	}
	return false
}

func (m *Memory) Insert(_ context.Context, b domain.Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[b.ID]; ok || m.naturalKeyTaken(b) {
		return ErrConflict
	}
	m.rows[b.ID] = clone(b)
	return nil
}

func (m *Memory) Update(_ context.Context, b domain.Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[b.ID]; !ok {
		return ErrNotFound
	}
	if m.naturalKeyTaken(b) {
		return ErrConflict
	}
	m.rows[b.ID] = clone(b)
	return nil
}

func (m *Memory) Upsert(_ context.Context, b domain.Business) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.naturalKeyTaken(b) {
		return false, ErrConflict
	}
	old, exists := m.rows[b.ID]
	b = clone(b)
	if exists {
		b.CreatedAt = old.CreatedAt
		if b.ImageURL == nil {
			b.ImageURL = old.ImageURL
		}
		if b.Provenance == nil {
			b.Provenance = old.Provenance
		}
		if b.OwnerID == "" {
			b.OwnerID = old.OwnerID
		}
	}
	m.rows[b.ID] = b
	return !exists, nil
}

func (m *Memory) ListByImageMarker(_ context.Context, marker string) ([]domain.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Business
	for _, b := range m.rows {
		if b.ImageURL != nil && strings.Contains(*b.ImageURL, marker) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateImage(_ context.Context, id, imageURL string, prov *domain.Provenance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	b.ImageURL = &imageURL
	if prov != nil {
		p := *prov
		b.Provenance = &p
	}
	b.UpdatedAt = m.now()
	m.rows[id] = b
	return nil
}

func (m *Memory) List(_ context.Context, limit, offset int) ([]domain.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Business, 0, len(m.rows))
	for _, b := range m.rows {
		out = append(out, clone(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows)), nil
}
