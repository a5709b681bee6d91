// Package adapter hides whether a collection lives on-device or in the remote
// store behind one Adapter interface.
package adapter

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"replisync/internal/models"
)

// RemoveOptions controls how Remove deletes a record. A soft delete keeps a
// tombstone so the deletion propagates like an update.
type RemoveOptions struct {
	Soft bool
}

// Query selects records from a collection. Filter is an equality match on
// top-level data fields and may be delegated to the backend; Match runs
// in-process.
type Query struct {
	Filter         map[string]any
	Match          func(rec *models.Record) bool
	IncludeDeleted bool
}

// Adapter is the uniform record API over one storage backend. Adapters never
// retry; retry policy belongs to the scheduler.
type Adapter interface {
	Get(ctx context.Context, collection, id string) (*models.Record, error)
	Save(ctx context.Context, collection, id string, data json.RawMessage) (*models.Record, error)
	Remove(ctx context.Context, collection, id string, opts RemoveOptions) (bool, error)
	Query(ctx context.Context, collection string, q Query) ([]*models.Record, error)
	GetLastSyncMarker(ctx context.Context, collection string) (string, error)
	SetLastSyncMarker(ctx context.Context, collection, marker string) error
	GetChanges(ctx context.Context, collection, since string) ([]*models.Record, error)
	ApplyChanges(ctx context.Context, collection string, changes []*models.Record) models.ApplyResult
}

// LocalReplica is the on-device adapter. MarkSynced clears the unsynced flag
// once the remote store has confirmed a write, unless the record was edited
// after version.
type LocalReplica interface {
	Adapter
	MarkSynced(ctx context.Context, collection, id string, version time.Time) error
}

// RemoteClient is the transport the remote adapter drives. Fetch returns nil,
// nil when the record does not exist.
type RemoteClient interface {
	Fetch(ctx context.Context, collection, id string) (*models.Record, error)
	Put(ctx context.Context, rec *models.Record) (*models.Record, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filter map[string]any) ([]*models.Record, error)
	Changes(ctx context.Context, collection, since string) ([]*models.Record, error)
}

// FormatMarker encodes a change cursor.
func FormatMarker(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseMarker decodes a cursor produced by FormatMarker. An empty marker is
// the zero time, meaning "everything".
func ParseMarker(marker string) (time.Time, error) {
	if marker == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, marker)
}

// MatchFilter reports whether every filter field equals the record's field of
// the same name. Values are compared in their JSON form.
func MatchFilter(rec *models.Record, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if rec == nil || len(rec.Data) == 0 {
		return false
	}

	var fields map[string]any
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return false
	}
	for key, want := range filter {
		got, ok := fields[key]
		if !ok || !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func selected(rec *models.Record, q Query) bool {
	if rec.Meta.Deleted && !q.IncludeDeleted {
		return false
	}
	if !MatchFilter(rec, q.Filter) {
		return false
	}
	return q.Match == nil || q.Match(rec)
}

func applyDetail(id string, err error) models.ApplyDetail {
	if err != nil {
		return models.ApplyDetail{ID: id, Error: err.Error()}
	}
	return models.ApplyDetail{ID: id, Success: true}
}
