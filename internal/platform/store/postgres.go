package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirtx/internal/platform/db"
	"github.com/ehr/fhirtx/internal/platform/fhir"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NewMigrator returns the schema migrator for the PostgreSQL store.
func NewMigrator(pool *pgxpool.Pool) *db.Migrator {
	return db.NewMigrator(pool, migrations, "migrations")
}

// Postgres stores every version as a JSONB row in resources and tracks the
// current version of each resource in resource_heads. The CAS is a
// conditional update of the head row.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ Store      = (*Postgres)(nil)
	_ Transactor = (*Postgres)(nil)
)

// NewPostgres returns a store over pool. The schema must be migrated.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, p.pool)
}

// Ping reports database liveness.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InTx runs fn in a database transaction carried by its context.
func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, p.pool, fn)
}

func (p *Postgres) Add(ctx context.Context, e *fhir.Entry) (*fhir.Entry, error) {
	if err := checkWritable(e); err != nil {
		return nil, err
	}
	version, err := strconv.Atoi(e.Key.VersionID)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q is not numeric", ErrVersionConflict, e.Key.VersionID)
	}
	s := stored(e)
	var data []byte
	if s.Resource != nil {
		if data, err = json.Marshal(s.Resource); err != nil {
			return nil, fmt.Errorf("marshal resource: %w", err)
		}
	}

	err = p.InTx(ctx, func(ctx context.Context) error {
		q := p.conn(ctx)
		var sql string
		if version == 1 {
			sql = `INSERT INTO resource_heads (resource_type, resource_id, version_id, deleted)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (resource_type, resource_id) DO NOTHING`
		} else {
			sql = `UPDATE resource_heads SET version_id = $3, deleted = $4
				WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3 - 1`
		}
		tag, err := q.Exec(ctx, sql, s.Key.TypeName, s.Key.ResourceID, version, s.IsDelete())
		if err != nil {
			return fmt.Errorf("advance head: %w", err)
		}
		if tag.RowsAffected() == 0 {
			current, err := p.CurrentVersion(ctx, s.Key.TypeName, s.Key.ResourceID)
			if err != nil {
				return err
			}
			return headNotAdvanced(s.Key, current)
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO resources (resource_type, resource_id, version_id, method, resource, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.Key.TypeName, s.Key.ResourceID, version, string(s.Method), data, s.When); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone(s), nil
}

const selectVersion = `SELECT resource_type, resource_id, version_id, method, resource, last_updated FROM resources`

func scanEntry(row pgx.Row) (*fhir.Entry, error) {
	var (
		typeName, id, method string
		version              int
		data                 []byte
		when                 time.Time
	)
	if err := row.Scan(&typeName, &id, &version, &method, &data, &when); err != nil {
		return nil, err
	}
	e := &fhir.Entry{
		Key:    fhir.NewKey(typeName, id).WithVersion(strconv.Itoa(version)),
		Method: fhir.Method(method),
		State:  fhir.StateInternal,
		When:   when.UTC(),
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Resource); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
	}
	return e, nil
}

func (p *Postgres) Get(ctx context.Context, key fhir.Key) (*fhir.Entry, error) {
	var row pgx.Row
	if key.HasVersionID() {
		version, err := strconv.Atoi(key.VersionID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		row = p.conn(ctx).QueryRow(ctx, selectVersion+`
			WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`,
			key.TypeName, key.ResourceID, version)
	} else {
		row = p.conn(ctx).QueryRow(ctx, selectVersion+`
			WHERE resource_type = $1 AND resource_id = $2
			ORDER BY version_id DESC LIMIT 1`,
			key.TypeName, key.ResourceID)
	}
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

func (p *Postgres) GetMany(ctx context.Context, keys []fhir.Key) ([]*fhir.Entry, error) {
	out := make([]*fhir.Entry, 0, len(keys))
	for _, k := range keys {
		e, err := p.Get(ctx, k.WithoutVersion())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Postgres) History(ctx context.Context, key fhir.Key) ([]*fhir.Entry, error) {
	rows, err := p.conn(ctx).Query(ctx, selectVersion+`
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id DESC`,
		key.TypeName, key.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return out, nil
}

func (p *Postgres) Current(ctx context.Context, typeName string) ([]*fhir.Entry, error) {
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT r.resource_type, r.resource_id, r.version_id, r.method, r.resource, r.last_updated
		FROM resource_heads h
		JOIN resources r ON r.resource_type = h.resource_type
			AND r.resource_id = h.resource_id
			AND r.version_id = h.version_id
		WHERE h.resource_type = $1 AND NOT h.deleted
		ORDER BY h.resource_id`, typeName)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", typeName, err)
	}
	return collect(rows)
}

func (p *Postgres) CurrentVersion(ctx context.Context, typeName, resourceID string) (string, error) {
	var version int
	err := p.conn(ctx).QueryRow(ctx, `
		SELECT version_id FROM resource_heads
		WHERE resource_type = $1 AND resource_id = $2`,
		typeName, resourceID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current version %s/%s: %w", typeName, resourceID, err)
	}
	return strconv.Itoa(version), nil
}

func collect(rows pgx.Rows) ([]*fhir.Entry, error) {
	defer rows.Close()
	var out []*fhir.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}
