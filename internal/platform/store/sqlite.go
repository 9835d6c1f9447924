package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS resources (
	resource_type TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	version_id    INTEGER NOT NULL,
	method        TEXT    NOT NULL,
	resource      TEXT,
	last_updated  TEXT    NOT NULL,
	PRIMARY KEY (resource_type, resource_id, version_id)
);
CREATE TABLE IF NOT EXISTS resource_heads (
	resource_type TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	version_id    INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (resource_type, resource_id)
);`

// SQLite is a single-file Store using the same versions/heads layout as
// Postgres. One connection is used so that a transaction sees its own
// writes and nothing else interleaves.
type SQLite struct {
	db   *sql.DB
	path string
}

var (
	_ Store      = (*SQLite)(nil)
	_ Transactor = (*SQLite)(nil)
)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "fhir.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Close releases the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Ping reports database liveness.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type sqliteTxKey struct{}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLite) q(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *SQLite) InTx(ctx context.Context, fn func(ctx context.Context) error) (retErr error) {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Add(ctx context.Context, e *fhir.Entry) (*fhir.Entry, error) {
	if err := checkWritable(e); err != nil {
		return nil, err
	}
	version, err := strconv.Atoi(e.Key.VersionID)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q is not numeric", ErrVersionConflict, e.Key.VersionID)
	}
	st := stored(e)
	var data []byte
	if st.Resource != nil {
		if data, err = json.Marshal(st.Resource); err != nil {
			return nil, fmt.Errorf("marshal resource: %w", err)
		}
	}

	err = s.InTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		var query string
		if version == 1 {
			query = `INSERT INTO resource_heads (resource_type, resource_id, version_id, deleted)
				VALUES (?1, ?2, ?3, ?4) ON CONFLICT (resource_type, resource_id) DO NOTHING`
		} else {
			query = `UPDATE resource_heads SET version_id = ?3, deleted = ?4
				WHERE resource_type = ?1 AND resource_id = ?2 AND version_id = ?3 - 1`
		}
		res, err := q.ExecContext(ctx, query, st.Key.TypeName, st.Key.ResourceID, version, st.IsDelete())
		if err != nil {
			return fmt.Errorf("advance head: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			current, err := s.CurrentVersion(ctx, st.Key.TypeName, st.Key.ResourceID)
			if err != nil {
				return err
			}
			return headNotAdvanced(st.Key, current)
		}

		var payload interface{}
		if data != nil {
			payload = string(data)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO resources (resource_type, resource_id, version_id, method, resource, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.Key.TypeName, st.Key.ResourceID, version, string(st.Method), payload,
			st.When.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone(st), nil
}

const sqliteSelect = `SELECT resource_type, resource_id, version_id, method, resource, last_updated FROM resources`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLite(row scanner) (*fhir.Entry, error) {
	var (
		typeName, id, method, when string
		version                    int
		data                       sql.NullString
	)
	if err := row.Scan(&typeName, &id, &version, &method, &data, &when); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, when)
	if err != nil {
		return nil, fmt.Errorf("parse last_updated %q: %w", when, err)
	}
	e := &fhir.Entry{
		Key:    fhir.NewKey(typeName, id).WithVersion(strconv.Itoa(version)),
		Method: fhir.Method(method),
		State:  fhir.StateInternal,
		When:   ts,
	}
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &e.Resource); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
	}
	return e, nil
}

func (s *SQLite) Get(ctx context.Context, key fhir.Key) (*fhir.Entry, error) {
	var row *sql.Row
	if key.HasVersionID() {
		version, err := strconv.Atoi(key.VersionID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		row = s.q(ctx).QueryRowContext(ctx, sqliteSelect+`
			WHERE resource_type = ? AND resource_id = ? AND version_id = ?`,
			key.TypeName, key.ResourceID, version)
	} else {
		row = s.q(ctx).QueryRowContext(ctx, sqliteSelect+`
			WHERE resource_type = ? AND resource_id = ?
			ORDER BY version_id DESC LIMIT 1`,
			key.TypeName, key.ResourceID)
	}
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

func (s *SQLite) GetMany(ctx context.Context, keys []fhir.Key) ([]*fhir.Entry, error) {
	out := make([]*fhir.Entry, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k.WithoutVersion())
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

func (s *SQLite) History(ctx context.Context, key fhir.Key) ([]*fhir.Entry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, sqliteSelect+`
		WHERE resource_type = ? AND resource_id = ?
		ORDER BY version_id DESC`,
		key.TypeName, key.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	out, err := collectSQLite(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return out, nil
}

func (s *SQLite) Current(ctx context.Context, typeName string) ([]*fhir.Entry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT r.resource_type, r.resource_id, r.version_id, r.method, r.resource, r.last_updated
		FROM resource_heads h
		JOIN resources r ON r.resource_type = h.resource_type
			AND r.resource_id = h.resource_id
			AND r.version_id = h.version_id
		WHERE h.resource_type = ? AND h.deleted = 0
		ORDER BY h.resource_id`, typeName)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", typeName, err)
	}
	return collectSQLite(rows)
}

func (s *SQLite) CurrentVersion(ctx context.Context, typeName, resourceID string) (string, error) {
	var version int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT version_id FROM resource_heads WHERE resource_type = ? AND resource_id = ?`,
		typeName, resourceID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current version %s/%s: %w", typeName, resourceID, err)
	}
	return strconv.Itoa(version), nil
}

func collectSQLite(rows *sql.Rows) ([]*fhir.Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []*fhir.Entry
	for rows.Next() {
		e, err := scanSQLite(rows)
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
