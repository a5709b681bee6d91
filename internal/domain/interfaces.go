package domain

import (
	"context"

	"replisync/internal/models"
)

// Store is the durable key/value persistence the engine relies on for local
// records, sync markers and the task queue. Get returns nil, nil on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type EventPublisher interface {
	Emit(eventType string, data map[string]any)
}

// NetworkSource is the read side of the connectivity signal.
type NetworkSource interface {
	Status() models.NetworkStatus
	Subscribe(handler func(models.NetworkStatus))
}
