package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/localbiz/directory/engine/domain"
)

// querier is the part of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenPool connects to Postgres. viaBouncer switches to the simple query
// protocol for transaction-pooling bouncers.
func OpenPool(ctx context.Context, dsn string, maxConns int32, viaBouncer bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = maxConns
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return pool, nil
}

// Postgres stores businesses in a single table.
type Postgres struct {
	db    querier
	table string
}

var _ Store = (*Postgres)(nil)

// NewPostgres uses the businesses table in schema ("" for the search path).
func NewPostgres(db querier, schema string) (*Postgres, error) {
	table := "businesses"
	if schema != "" {
		if !schemaName.MatchString(schema) {
			return nil, fmt.Errorf("store: invalid schema %q", schema)
		}
		table = fmt.Sprintf(`"%s".businesses`, schema)
	}
	return &Postgres{db: db, table: table}, nil
}

// EnsureSchema creates the table and indexes if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + p.table + ` (
			id          text PRIMARY KEY,
			name        text NOT NULL,
			category    text NOT NULL,
			category_group text NOT NULL DEFAULT 'other',
			address     text NOT NULL DEFAULT '',
			lat         double precision,
			lng         double precision,
			description text NOT NULL DEFAULT '',
			phone       text NOT NULL DEFAULT '',
			website     text NOT NULL DEFAULT '',
			image_url   text,
			visible     boolean NOT NULL DEFAULT true,
			plan        text NOT NULL DEFAULT 'free',
			owner_id    text,
			provenance  jsonb,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS businesses_natural_key ON ` + p.table + ` (name, address)`,
		`CREATE INDEX IF NOT EXISTS businesses_image_url ON ` + p.table + ` (image_url)`,
	}
	for _, s := range stmts {
		if _, err := p.db.Exec(ctx, s); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

const columns = `id, name, category, category_group, address, lat, lng, description, phone, website,
	image_url, visible, plan, owner_id, provenance::text, created_at, updated_at`

// row holds one business in its column representation.
type row struct {
	id, name, category, group, address string
	lat, lng                           *float64
	description, phone, website        string
	imageURL                           *string
	visible                            bool
	plan                               string
	ownerID                            *string
	provenance                         *string
	createdAt, updatedAt               time.Time
}

func (r *row) dest() []any {
	return []any{&r.id, &r.name, &r.category, &r.group, &r.address, &r.lat, &r.lng,
		&r.description, &r.phone, &r.website, &r.imageURL, &r.visible, &r.plan,
		&r.ownerID, &r.provenance, &r.createdAt, &r.updatedAt}
}

func (r *row) business() (domain.Business, error) {
	b := domain.Business{
		ID:          r.id,
		Name:        r.name,
		Category:    r.category,
		Group:       r.group,
		Address:     r.address,
		Description: r.description,
		Phone:       r.phone,
		Website:     r.website,
		ImageURL:    r.imageURL,
		Visible:     r.visible,
		Plan:        domain.Plan(r.plan),
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
	}
	if r.lat != nil && r.lng != nil {
		b.Location = &domain.Point{Lat: *r.lat, Lng: *r.lng}
	}
	if r.ownerID != nil {
		b.OwnerID = *r.ownerID
	}
	if r.provenance != nil {
		var p domain.Provenance
		if err := json.Unmarshal([]byte(*r.provenance), &p); err != nil {
			return domain.Business{}, fmt.Errorf("store: decode provenance of %s: %w", r.id, err)
		}
		if !p.Empty() {
			b.Provenance = &p
		}
	}
	return b, nil
}

// args renders b in column order, minus the read-only cast on provenance.
func args(b domain.Business) ([]any, error) {
	var lat, lng *float64
	if b.Location != nil {
		lat, lng = &b.Location.Lat, &b.Location.Lng
	}
	var prov *string
	if !b.Provenance.Empty() {
		data, err := json.Marshal(b.Provenance)
		if err != nil {
			return nil, err
		}
		s := string(data)
		prov = &s
	}
	return []any{b.ID, b.Name, b.Category, b.Group, b.Address, lat, lng, b.Description,
		b.Phone, b.Website, b.ImageURL, b.Visible, string(b.Plan), domain.StringPtr(b.OwnerID),
		prov, b.CreatedAt, b.UpdatedAt}, nil
}

const insertColumns = `id, name, category, category_group, address, lat, lng, description, phone, website,
	image_url, visible, plan, owner_id, provenance, created_at, updated_at`

const insertValues = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb, $16, $17`

func (p *Postgres) scanOne(ctx context.Context, sql string, a ...any) (domain.Business, error) {
	var r row
	if err := p.db.QueryRow(ctx, sql, a...).Scan(r.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Business{}, ErrNotFound
		}
		return domain.Business{}, fmt.Errorf("store: query: %w", err)
	}
	return r.business()
}

func (p *Postgres) scanMany(ctx context.Context, sql string, a ...any) ([]domain.Business, error) {
	rows, err := p.db.Query(ctx, sql, a...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Business
	for rows.Next() {
		var r row
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		b, err := r.business()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) Get(ctx context.Context, id string) (domain.Business, error) {
	return p.scanOne(ctx, `SELECT `+columns+` FROM `+p.table+` WHERE id = $1`, id)
}

func (p *Postgres) FindByNaturalKey(ctx context.Context, name, address string) (domain.Business, error) {
	return p.scanOne(ctx, `SELECT `+columns+` FROM `+p.table+` WHERE name = $1 AND address = $2 LIMIT 1`, name, address)
}

func (p *Postgres) Insert(ctx context.Context, b domain.Business) error {
	a, err := args(b)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `INSERT INTO `+p.table+` (`+insertColumns+`) VALUES (`+insertValues+`)`, a...)
	return wrapWrite("insert", err)
}

func (p *Postgres) Update(ctx context.Context, b domain.Business) error {
	a, err := args(b)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx, `UPDATE `+p.table+` SET
		name = $2, category = $3, category_group = $4, address = $5, lat = $6, lng = $7,
		description = $8, phone = $9, website = $10, image_url = $11, visible = $12,
		plan = $13, owner_id = $14, provenance = $15::jsonb, updated_at = $16
		WHERE id = $1`, append(a[:15:15], a[16])...)
	if err != nil {
		return wrapWrite("update", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, b domain.Business) (bool, error) {
	a, err := args(b)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = p.db.QueryRow(ctx, `INSERT INTO `+p.table+` AS t (`+insertColumns+`) VALUES (`+insertValues+`)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			category_group = EXCLUDED.category_group,
			address = EXCLUDED.address,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			description = EXCLUDED.description,
			phone = EXCLUDED.phone,
			website = EXCLUDED.website,
			image_url = COALESCE(EXCLUDED.image_url, t.image_url),
			visible = EXCLUDED.visible,
			plan = EXCLUDED.plan,
			owner_id = COALESCE(EXCLUDED.owner_id, t.owner_id),
			provenance = COALESCE(EXCLUDED.provenance, t.provenance),
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`, a...).Scan(&inserted)
	if err != nil {
		return false, wrapWrite("upsert", err)
	}
	return inserted, nil
}

func (p *Postgres) ListByImageMarker(ctx context.Context, marker string) ([]domain.Business, error) {
	return p.scanMany(ctx, `SELECT `+columns+` FROM `+p.table+`
		WHERE image_url IS NOT NULL AND strpos(image_url, $1) > 0 ORDER BY id`, marker)
}

func (p *Postgres) UpdateImage(ctx context.Context, id, imageURL string, prov *domain.Provenance) error {
	var provArg *string
	if !prov.Empty() {
		data, err := json.Marshal(prov)
		if err != nil {
			return err
		}
		s := string(data)
		provArg = &s
	}
	tag, err := p.db.Exec(ctx, `UPDATE `+p.table+`
		SET image_url = $2, provenance = COALESCE($3::jsonb, provenance), updated_at = now()
		WHERE id = $1`, id, imageURL, provArg)
	if err != nil {
		return wrapWrite("update image", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, limit, offset int) ([]domain.Business, error) {
	if limit <= 0 {
		limit = 1000
	}
	return p.scanMany(ctx, `SELECT `+columns+` FROM `+p.table+` ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
}

func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx, `SELECT count(*) FROM `+p.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// wrapWrite maps unique violations to ErrConflict.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("store: %s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
