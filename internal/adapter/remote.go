package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"replisync/internal/domain"
	"replisync/internal/models"
	"replisync/internal/syncerr"

	"github.com/rs/zerolog"
)

const remoteMarkerPrefix = "remote-marker:"

// Remote drives a RemoteClient. Markers live in a local store because the
// remote store does not track per-device cursors.
type Remote struct {
	client  RemoteClient
	markers domain.Store
	logger  *zerolog.Logger
	now     func() time.Time
}

var _ Adapter = (*Remote)(nil)

func NewRemote(client RemoteClient, markers domain.Store, logger *zerolog.Logger) *Remote {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Remote{client: client, markers: markers, logger: logger, now: time.Now}
}

func (a *Remote) Get(ctx context.Context, collection, id string) (*models.Record, error) {
	return a.client.Fetch(ctx, collection, id)
}

func (a *Remote) Save(ctx context.Context, collection, id string, data json.RawMessage) (*models.Record, error) {
	existing, err := a.client.Fetch(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	now := a.now()
	rec := &models.Record{
		Collection: collection,
		ID:         id,
		Data:       data,
		Meta:       models.RecordMeta{CreatedAt: now, UpdatedAt: now},
	}
	if existing != nil && !existing.Meta.CreatedAt.IsZero() {
		rec.Meta.CreatedAt = existing.Meta.CreatedAt
	}
	return a.client.Put(ctx, rec)
}

func (a *Remote) Remove(ctx context.Context, collection, id string, opts RemoveOptions) (bool, error) {
	if !opts.Soft {
		err := a.client.Delete(ctx, collection, id)
		if errors.Is(err, syncerr.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	rec, err := a.client.Fetch(ctx, collection, id)
	if err != nil || rec == nil {
		return false, err
	}
	now := a.now()
	rec.Meta.Deleted = true
	rec.Meta.DeletedAt = &now
	rec.Meta.UpdatedAt = now
	rec.Meta.LocalModified = false
	if _, err := a.client.Put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Query delegates Filter to the remote store and applies Match locally.
func (a *Remote) Query(ctx context.Context, collection string, q Query) ([]*models.Record, error) {
	recs, err := a.client.Query(ctx, collection, q.Filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(recs))
	for _, rec := range recs {
		if rec == nil || (rec.Meta.Deleted && !q.IncludeDeleted) {
			continue
		}
		if q.Match == nil || q.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (a *Remote) GetLastSyncMarker(ctx context.Context, collection string) (string, error) {
	raw, err := a.markers.Get(ctx, remoteMarkerPrefix+collection)
	if err != nil {
		return "", fmt.Errorf("failed to read marker for %s: %w", collection, err)
	}
	return string(raw), nil
}

func (a *Remote) SetLastSyncMarker(ctx context.Context, collection, marker string) error {
	if err := a.markers.Set(ctx, remoteMarkerPrefix+collection, []byte(marker)); err != nil {
		return fmt.Errorf("failed to write marker for %s: %w", collection, err)
	}
	return nil
}

// GetChanges returns remote records updated after since, tombstones included.
func (a *Remote) GetChanges(ctx context.Context, collection, since string) ([]*models.Record, error) {
	return a.client.Changes(ctx, collection, since)
}

// ApplyChanges pushes a batch to the remote store. Deleted entries become
// remote tombstones.
func (a *Remote) ApplyChanges(ctx context.Context, collection string, changes []*models.Record) models.ApplyResult {
	res := models.ApplyResult{Total: len(changes), Details: make([]models.ApplyDetail, 0, len(changes))}
	for _, change := range changes {
		if change == nil {
			res.Failed++
			res.Details = append(res.Details, applyDetail("", fmt.Errorf("nil change")))
			continue
		}

		var err error
		if change.Meta.Deleted {
			_, err = a.Remove(ctx, collection, change.ID, RemoveOptions{Soft: true})
		} else {
			_, err = a.Save(ctx, collection, change.ID, change.Data)
		}

		detail := applyDetail(change.ID, err)
		if detail.Success {
			res.Success++
		} else {
			res.Failed++
			a.logger.Warn().Err(err).Str("collection", collection).Str("id", change.ID).Msg("failed to push change")
		}
		res.Details = append(res.Details, detail)
	}
	return res
}
