package models

import (
	"encoding/json"
	"time"
)

// RecordMeta is the change metadata an adapter attaches to every stored value.
type RecordMeta struct {
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LocalModified bool       `json:"local_modified,omitempty"`
	Deleted       bool       `json:"deleted,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Record is one item of a collection together with its metadata.
// Data is opaque to the engine.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Meta       RecordMeta      `json:"meta"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.Meta.DeletedAt != nil {
		at := *r.Meta.DeletedAt
		c.Meta.DeletedAt = &at
	}
	return &c
}

// ApplyDetail is the outcome for one entry of an ApplyChanges batch.
type ApplyDetail struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ApplyResult summarises a batch apply. A batch never aborts on a single failure.
type ApplyResult struct {
	Total   int           `json:"total"`
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Details []ApplyDetail `json:"details"`
}

// QueueStatus is a point-in-time view of the sync queue.
type QueueStatus struct {
	InProgress   bool       `json:"in_progress"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	QueueLength  int        `json:"queue_length"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
}

// NetworkStatus is what the connectivity signal reports.
type NetworkStatus struct {
	IsConnected bool   `json:"is_connected"`
	NetworkType string `json:"network_type"`
}

// TaskResult is the per-task outcome of a queue drain.
type TaskResult struct {
	TaskID  string     `json:"task_id"`
	Success bool       `json:"success"`
	Status  TaskStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
}
