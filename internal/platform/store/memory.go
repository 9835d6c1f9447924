package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// Memory is an in-process Store. Writes are serialized; InTx holds the
// write lock for the whole transaction and undoes its writes on failure.
// Readers outside a transaction may observe its uncommitted writes.
type Memory struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	versions map[string][]*fhir.Entry
}

var (
	_ Store      = (*Memory)(nil)
	_ Transactor = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{versions: make(map[string][]*fhir.Entry)}
}

type memTxKey struct{}

type memTx struct {
	owner   *Memory
	journal []string
}

func (m *Memory) txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx != nil && tx.owner == m {
		return tx
	}
	return nil
}

// InTx runs fn as one unit. Nested calls join the outer transaction.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.txFrom(ctx) != nil {
		return fn(ctx)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &memTx{owner: m}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.rollback(tx)
		return err
	}
	return nil
}

func (m *Memory) rollback(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(tx.journal) - 1; i >= 0; i-- {
		path := tx.journal[i]
		vs := m.versions[path]
		if len(vs) <= 1 {
			delete(m.versions, path)
			continue
		}
		m.versions[path] = vs[:len(vs)-1]
	}
}

func (m *Memory) Add(ctx context.Context, e *fhir.Entry) (*fhir.Entry, error) {
	if err := checkWritable(e); err != nil {
		return nil, err
	}
	tx := m.txFrom(ctx)
	if tx == nil {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := e.Key.WithoutVersion().Path()
	vs := m.versions[path]
	current := ""
	if len(vs) > 0 {
		current = vs[len(vs)-1].Key.VersionID
	}
	if err := checkSuccessor(e.Key, current); err != nil {
		return nil, err
	}

	s := stored(e)
	m.versions[path] = append(vs, s)
	if tx != nil {
		tx.journal = append(tx.journal, path)
	}
	return clone(s), nil
}

func (m *Memory) Get(ctx context.Context, key fhir.Key) (*fhir.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vs := m.versions[key.WithoutBase().WithoutVersion().Path()]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if !key.HasVersionID() {
		return clone(vs[len(vs)-1]), nil
	}
	for _, v := range vs {
		if v.Key.VersionID == key.VersionID {
			return clone(v), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
}

func (m *Memory) GetMany(ctx context.Context, keys []fhir.Key) ([]*fhir.Entry, error) {
	out := make([]*fhir.Entry, 0, len(keys))
	for _, k := range keys {
		e, err := m.Get(ctx, k.WithoutVersion())
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) History(ctx context.Context, key fhir.Key) ([]*fhir.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vs := m.versions[key.WithoutBase().WithoutVersion().Path()]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	out := make([]*fhir.Entry, 0, len(vs))
	for i := len(vs) - 1; i >= 0; i-- {
		out = append(out, clone(vs[i]))
	}
	return out, nil
}

func (m *Memory) Current(ctx context.Context, typeName string) ([]*fhir.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*fhir.Entry
	for _, vs := range m.versions {
		last := vs[len(vs)-1]
		if last.Key.TypeName != typeName || last.IsDelete() {
			continue
		}
		out = append(out, clone(last))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ResourceID < out[j].Key.ResourceID })
	return out, nil
}

func (m *Memory) CurrentVersion(ctx context.Context, typeName, resourceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vs := m.versions[fhir.NewKey(typeName, resourceID).Path()]
	if len(vs) == 0 {
		return "", nil
	}
	return vs[len(vs)-1].Key.VersionID, nil
}
