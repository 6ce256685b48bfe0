// Package postgres provides the Postgres-backed route store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/travel-routes/internal/id/uuid"
	"github.com/JakeFAU/travel-routes/internal/routes"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable = "train_routes"
	columns      = "id, name, description, duration, frequency, price, waypoints, facilities, tips, last_updated"
)

// Config controls the Postgres connection pool used for route rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RouteStore implements routes.Store on a single Postgres table. Uniqueness of
// name is enforced by the table constraint and merges use ON CONFLICT, so
// concurrent upserts never race on a read-then-write.
type RouteStore struct {
	pool  pool
	table string
	ids   routes.IDGenerator
}

// NewRouteStore connects a pool using cfg.
func NewRouteStore(ctx context.Context, cfg Config, ids routes.IDGenerator) (*RouteStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RouteStore{pool: p, table: table, ids: ids}, nil
}

// NewRouteStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRouteStoreWithPool(p pool, table string, ids routes.IDGenerator) (*RouteStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RouteStore{pool: p, table: name, ids: ids}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the route table and its indexes when missing.
func (s *RouteStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           UUID PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	duration     TEXT NOT NULL DEFAULT '',
	frequency    TEXT NOT NULL DEFAULT '',
	price        TEXT NOT NULL DEFAULT '',
	waypoints    JSONB NOT NULL DEFAULT '[]'::jsonb,
	facilities   TEXT[] NOT NULL DEFAULT '{}',
	tips         TEXT[] NOT NULL DEFAULT '{}',
	last_updated TIMESTAMPTZ NOT NULL,
	CONSTRAINT %[1]s_name_key UNIQUE (name)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_search_idx ON %[1]s
	USING GIN (to_tsvector('english', name || ' ' || description))`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts the record or merges it into the row with the same name.
func (s *RouteStore) Upsert(ctx context.Context, record routes.RouteRecord) (routes.RouteRecord, error) {
	if record.Name == "" {
		return routes.RouteRecord{}, routes.ErrMissingName
	}
	record = record.Normalize()
	id, err := s.ids.NewID()
	if err != nil {
		return routes.RouteRecord{}, fmt.Errorf("upsert %q: %w", record.Name, err)
	}
	waypoints, err := json.Marshal(record.Waypoints)
	if err != nil {
		return routes.RouteRecord{}, fmt.Errorf("marshal waypoints: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s AS t (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (name) DO UPDATE SET
	description = EXCLUDED.description,
	duration = EXCLUDED.duration,
	frequency = EXCLUDED.frequency,
	price = EXCLUDED.price,
	waypoints = EXCLUDED.waypoints,
	facilities = EXCLUDED.facilities,
	tips = EXCLUDED.tips,
	last_updated = GREATEST(t.last_updated, EXCLUDED.last_updated)
RETURNING %s`, s.table, columns, columns)

	row := s.pool.QueryRow(ctx, query,
		id,
		record.Name,
		record.Description,
		record.Duration,
		record.Frequency,
		record.Price,
		waypoints,
		record.Facilities,
		record.Tips,
		record.LastUpdated,
	)
	out, err := scanRecord(row)
	if err != nil {
		return routes.RouteRecord{}, fmt.Errorf("upsert %q: %w", record.Name, err)
	}
	return out, nil
}

// Find returns the rows matching filter ordered by name.
func (s *RouteStore) Find(ctx context.Context, filter routes.Filter) ([]routes.RouteRecord, error) {
	query, args := buildFindQuery(s.table, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find routes: %w", err)
	}
	defer rows.Close()

	out := []routes.RouteRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate route rows: %w", err)
	}
	return out, nil
}

// FindByID fetches a row by id. Ids that are not UUIDs cannot exist.
func (s *RouteStore) FindByID(ctx context.Context, id string) (routes.RouteRecord, error) {
	if !uuid.Valid(id) {
		return routes.RouteRecord{}, routes.ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return routes.RouteRecord{}, routes.ErrNotFound
		}
		return routes.RouteRecord{}, fmt.Errorf("find route %q: %w", id, err)
	}
	return rec, nil
}

// Ping checks connectivity.
func (s *RouteStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RouteStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// buildFindQuery renders the SELECT for filter. Price and duration bounds use
// the C collation so comparisons are bytewise, matching the other backends.
// Search terms are OR-ed, like a Mongo $text query.
func buildFindQuery(table string, f routes.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		add(`to_tsvector('english', name || ' ' || description) @@ `+
			`replace(plainto_tsquery('english', $%d)::text, '&', '|')::tsquery`, search)
	}
	if f.MinPrice != "" {
		add(`price COLLATE "C" >= $%d`, f.MinPrice)
	}
	if f.MaxPrice != "" {
		add(`price COLLATE "C" <= $%d`, f.MaxPrice)
	}
	if f.MaxDuration != "" {
		add(`duration COLLATE "C" <= $%d`, f.MaxDuration)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY name")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func scanRecord(row pgx.Row) (routes.RouteRecord, error) {
	var (
		rec       routes.RouteRecord
		waypoints []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Description,
		&rec.Duration,
		&rec.Frequency,
		&rec.Price,
		&waypoints,
		&rec.Facilities,
		&rec.Tips,
		&rec.LastUpdated,
	); err != nil {
		return routes.RouteRecord{}, err
	}
	if len(waypoints) > 0 {
		if err := json.Unmarshal(waypoints, &rec.Waypoints); err != nil {
			return routes.RouteRecord{}, fmt.Errorf("decode waypoints: %w", err)
		}
	}
	rec.LastUpdated = rec.LastUpdated.UTC()
	return rec.Normalize(), nil
}
