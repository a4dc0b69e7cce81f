package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/pkg/repo"
)

// BusinessLabel is the node label of business records.
const BusinessLabel = "Business"

// NewBusinessRepo builds the generic node repository for businesses.
func NewBusinessRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.Business, string] {
	return repo.NewNeo4jRepo[domain.Business, string](driver, BusinessLabel, toProps, fromRecord)
}

// Neo4j is a Store over a node repository.
type Neo4j struct {
	nodes repo.Repository[domain.Business, string]
	now   func() time.Time
}

var _ Store = (*Neo4j)(nil)

// NewNeo4j wraps a business node repository.
func NewNeo4j(nodes repo.Repository[domain.Business, string]) *Neo4j {
	return &Neo4j{nodes: nodes, now: time.Now}
}

// toProps flattens b into node properties. Nil optionals are left out so
// SET n += $props keeps the stored value.
func toProps(b domain.Business) map[string]any {
	props := map[string]any{
		"id":          b.ID,
		"name":        b.Name,
		"category":    b.Category,
		"group":       b.Group,
		"address":     b.Address,
		"description": b.Description,
		"phone":       b.Phone,
		"website":     b.Website,
		"visible":     b.Visible,
		"plan":        string(b.Plan),
		"created_at":  b.CreatedAt,
		"updated_at":  b.UpdatedAt,
	}
	if b.Location != nil {
		props["lat"] = b.Location.Lat
		props["lng"] = b.Location.Lng
	}
	if b.ImageURL != nil {
		props["image_url"] = *b.ImageURL
	}
	if b.OwnerID != "" {
		props["owner_id"] = b.OwnerID
	}
	if !b.Provenance.Empty() {
		props["source_id"] = b.Provenance.SourceID
		props["source_photo_ref"] = b.Provenance.SourcePhotoRef
	}
	return props
}

func fromRecord(rec *neo4j.Record) (domain.Business, error) {
	v, ok := rec.Get("n")
	if !ok {
		return domain.Business{}, fmt.Errorf("store: record has no node")
	}
	node, ok := v.(neo4j.Node)
	if !ok {
		return domain.Business{}, fmt.Errorf("store: unexpected %T in record", v)
	}
	return fromProps(node.Props), nil
}

func fromProps(p map[string]any) domain.Business {
	str := func(k string) string { s, _ := p[k].(string); return s }
	b := domain.Business{
		ID:          str("id"),
		Name:        str("name"),
		Category:    str("category"),
		Group:       str("group"),
		Address:     str("address"),
		Description: str("description"),
		Phone:       str("phone"),
		Website:     str("website"),
		Plan:        domain.Plan(str("plan")),
		OwnerID:     str("owner_id"),
	}
	b.Visible, _ = p["visible"].(bool)
	b.CreatedAt, _ = p["created_at"].(time.Time)
	b.UpdatedAt, _ = p["updated_at"].(time.Time)
	lat, okLat := p["lat"].(float64)
	lng, okLng := p["lng"].(float64)
	if okLat && okLng {
		b.Location = &domain.Point{Lat: lat, Lng: lng}
	}
	if u, ok := p["image_url"].(string); ok {
		b.ImageURL = &u
	}
	prov := &domain.Provenance{SourceID: str("source_id"), SourcePhotoRef: str("source_photo_ref")}
	if !prov.Empty() {
		b.Provenance = prov
	}
	return b
}

func notFound(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (s *Neo4j) Get(ctx context.Context, id string) (domain.Business, error) {
	b, err := s.nodes.Get(ctx, id)
	return b, notFound(err)
}

func (s *Neo4j) FindByNaturalKey(ctx context.Context, name, address string) (domain.Business, error) {
	found, err := s.nodes.List(ctx, repo.ListOpts{
		Filter: map[string]any{"name": name, "address": address},
		Limit:  1,
	})
	if err != nil {
		return domain.Business{}, err
	}
	if len(found) == 0 {
		return domain.Business{}, ErrNotFound
	}
	return found[0], nil
}

func (s *Neo4j) naturalKeyTaken(ctx context.Context, b domain.Business) (bool, error) {
	other, err := s.FindByNaturalKey(ctx, b.Name, b.Address)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return other.ID != b.ID, nil
}

func (s *Neo4j) Insert(ctx context.Context, b domain.Business) error {
	if _, err := s.Get(ctx, b.ID); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if taken, err := s.naturalKeyTaken(ctx, b); err != nil {
		return err
	} else if taken {
		return ErrConflict
	}
	_, err := s.nodes.Merge(ctx, b)
	return err
}

func (s *Neo4j) Update(ctx context.Context, b domain.Business) error {
	if _, err := s.Get(ctx, b.ID); err != nil {
		return err
	}
	if taken, err := s.naturalKeyTaken(ctx, b); err != nil {
		return err
	} else if taken {
		return ErrConflict
	}
	_, err := s.nodes.Merge(ctx, b)
	return err
}

func (s *Neo4j) Upsert(ctx context.Context, b domain.Business) (bool, error) {
	if taken, err := s.naturalKeyTaken(ctx, b); err != nil {
		return false, err
	} else if taken {
		return false, ErrConflict
	}
	old, err := s.Get(ctx, b.ID)
	switch {
	case err == nil:
		b.CreatedAt = old.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return false, err
	}
	return s.nodes.Merge(ctx, b)
}

func (s *Neo4j) ListByImageMarker(ctx context.Context, marker string) ([]domain.Business, error) {
	var out []domain.Business
	const page = 200
	for offset := 0; ; offset += page {
		batch, err := s.nodes.List(ctx, repo.ListOpts{
			Contains: map[string]string{"image_url": marker},
			Offset:   offset,
			Limit:    page,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}

func (s *Neo4j) UpdateImage(ctx context.Context, id, imageURL string, prov *domain.Provenance) error {
	props := map[string]any{"image_url": imageURL, "updated_at": s.now()}
	if !prov.Empty() {
		props["source_id"] = prov.SourceID
		props["source_photo_ref"] = prov.SourcePhotoRef
	}
	return notFound(s.nodes.SetProps(ctx, id, props))
}

func (s *Neo4j) List(ctx context.Context, limit, offset int) ([]domain.Business, error) {
	return s.nodes.List(ctx, repo.ListOpts{Limit: limit, Offset: offset})
}

func (s *Neo4j) Count(ctx context.Context) (int64, error) {
	return s.nodes.Count(ctx)
}
