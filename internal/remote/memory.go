package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"replisync/internal/adapter"
	"replisync/internal/models"
	"replisync/internal/syncerr"
)

// Memory is an in-process remote store. The daemon falls back to it when no
// remote base URL is configured, and tests use it as the server side.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]*models.Record
}

var _ adapter.RemoteClient = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]*models.Record)}
}

func (m *Memory) Fetch(ctx context.Context, collection, id string) (*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[collection][id].Clone(), nil
}

func (m *Memory) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	if rec == nil || rec.Collection == "" || rec.ID == "" {
		return nil, syncerr.Permanent("remote.put", fmt.Errorf("record requires collection and id"))
	}
	stored := rec.Clone()
	stored.Meta.LocalModified = false
	if stored.Meta.UpdatedAt.IsZero() {
		stored.Meta.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.records[rec.Collection]
	if !ok {
		items = make(map[string]*models.Record)
		m.records[rec.Collection] = items
	}
	items[rec.ID] = stored
	return stored.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[collection][id]; !ok {
		return syncerr.Permanent("remote.delete", fmt.Errorf("%s/%s: %w", collection, id, syncerr.ErrNotFound))
	}
	delete(m.records[collection], id)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filter map[string]any) ([]*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Record
	for _, rec := range m.records[collection] {
		if adapter.MatchFilter(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Changes(ctx context.Context, collection, since string) ([]*models.Record, error) {
	after, err := adapter.ParseMarker(since)
	if err != nil {
		return nil, syncerr.Permanent("remote.changes", fmt.Errorf("invalid marker %q: %w", since, err))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Record
	for _, rec := range m.records[collection] {
		if rec.Meta.UpdatedAt.After(after) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Meta.UpdatedAt.Equal(out[j].Meta.UpdatedAt) {
			return out[i].Meta.UpdatedAt.Before(out[j].Meta.UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
