package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replisync/internal/domain"
	"replisync/internal/models"

	"github.com/rs/zerolog"
)

const (
	recordPrefix = "data:"
	markerPrefix = "marker:"
)

// Local keeps the device replica in a key/value store. Every local write is
// flagged LocalModified until the remote store confirms it.
type Local struct {
	store  domain.Store
	logger *zerolog.Logger
	now    func() time.Time
}

var _ LocalReplica = (*Local)(nil)

func NewLocal(store domain.Store, logger *zerolog.Logger) *Local {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Local{store: store, logger: logger, now: time.Now}
}

func collectionPrefix(collection string) string {
	return recordPrefix + collection + ":"
}

func recordKey(collection, id string) string {
	return collectionPrefix(collection) + id
}

func (a *Local) Get(ctx context.Context, collection, id string) (*models.Record, error) {
	return a.load(ctx, recordKey(collection, id))
}

func (a *Local) load(ctx context.Context, key string) (*models.Record, error) {
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &rec, nil
}

func (a *Local) put(ctx context.Context, rec *models.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	if err := a.store.Set(ctx, recordKey(rec.Collection, rec.ID), raw); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (a *Local) Save(ctx context.Context, collection, id string, data json.RawMessage) (*models.Record, error) {
	existing, err := a.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	now := a.now()
	rec := &models.Record{
		Collection: collection,
		ID:         id,
		Data:       data,
		Meta: models.RecordMeta{
			CreatedAt:     now,
			UpdatedAt:     now,
			LocalModified: true,
		},
	}
	if existing != nil && !existing.Meta.CreatedAt.IsZero() {
		rec.Meta.CreatedAt = existing.Meta.CreatedAt
	}

	if err := a.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (a *Local) Remove(ctx context.Context, collection, id string, opts RemoveOptions) (bool, error) {
	rec, err := a.Get(ctx, collection, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	if !opts.Soft {
		if err := a.store.Remove(ctx, recordKey(collection, id)); err != nil {
			return false, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
		}
		return true, nil
	}

	now := a.now()
	rec.Meta.Deleted = true
	rec.Meta.DeletedAt = &now
	rec.Meta.UpdatedAt = now
	rec.Meta.LocalModified = true
	if err := a.put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Query enumerates the collection prefix and filters in-process.
func (a *Local) Query(ctx context.Context, collection string, q Query) ([]*models.Record, error) {
	recs, err := a.all(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(recs))
	for _, rec := range recs {
		if selected(rec, q) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (a *Local) all(ctx context.Context, collection string) ([]*models.Record, error) {
	keys, err := a.store.Keys(ctx, collectionPrefix(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	recs := make([]*models.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := a.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (a *Local) GetLastSyncMarker(ctx context.Context, collection string) (string, error) {
	raw, err := a.store.Get(ctx, markerPrefix+collection)
	if err != nil {
		return "", fmt.Errorf("failed to read marker for %s: %w", collection, err)
	}
	return string(raw), nil
}

func (a *Local) SetLastSyncMarker(ctx context.Context, collection, marker string) error {
	if err := a.store.Set(ctx, markerPrefix+collection, []byte(marker)); err != nil {
		return fmt.Errorf("failed to write marker for %s: %w", collection, err)
	}
	return nil
}

// GetChanges returns unsynced local edits newer than since, tombstones included.
func (a *Local) GetChanges(ctx context.Context, collection, since string) ([]*models.Record, error) {
	after, err := ParseMarker(since)
	if err != nil {
		return nil, fmt.Errorf("invalid marker %q: %w", since, err)
	}
	recs, err := a.all(ctx, collection)
	if err != nil {
		return nil, err
	}

	var out []*models.Record
	for _, rec := range recs {
		if rec.Meta.LocalModified && rec.Meta.UpdatedAt.After(after) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ApplyChanges writes remote changes into the replica. Tombstones remove the
// local copy; everything else is stored as already synced.
func (a *Local) ApplyChanges(ctx context.Context, collection string, changes []*models.Record) models.ApplyResult {
	res := models.ApplyResult{Total: len(changes), Details: make([]models.ApplyDetail, 0, len(changes))}
	for _, change := range changes {
		var err error
		switch {
		case change == nil:
			err = fmt.Errorf("nil change")
		case change.Meta.Deleted:
			err = a.store.Remove(ctx, recordKey(collection, change.ID))
		default:
			rec := change.Clone()
			rec.Collection = collection
			rec.Meta.LocalModified = false
			err = a.put(ctx, rec)
		}

		id := ""
		if change != nil {
			id = change.ID
		}
		detail := applyDetail(id, err)
		if detail.Success {
			res.Success++
		} else {
			res.Failed++
			a.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("failed to apply change")
		}
		res.Details = append(res.Details, detail)
	}
	return res
}

func (a *Local) MarkSynced(ctx context.Context, collection, id string, version time.Time) error {
	rec, err := a.Get(ctx, collection, id)
	if err != nil || rec == nil {
		return err
	}
	if !rec.Meta.LocalModified || rec.Meta.UpdatedAt.After(version) {
		return nil
	}
	if rec.Meta.Deleted {
		// the remote store has the tombstone now
		return a.store.Remove(ctx, recordKey(collection, id))
	}
	rec.Meta.LocalModified = false
	return a.put(ctx, rec)
}
