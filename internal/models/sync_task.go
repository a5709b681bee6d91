package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a SyncTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSyncing   TaskStatus = "syncing"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError || s == TaskCancelled
}

// TaskOperation says what the task delivers to the remote store.
type TaskOperation string

const (
	OpSave   TaskOperation = "save"
	OpRemove TaskOperation = "remove"
)

// SyncTask represents one pending mutation awaiting delivery to the remote store.
type SyncTask struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Operation  TaskOperation   `json:"operation,omitempty"`
	Soft       bool            `json:"soft,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Priority   int             `json:"priority"`
	Status     TaskStatus      `json:"status"`
	Retries    int             `json:"retries"`
	NextRetry  *time.Time      `json:"next_retry,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Error      string          `json:"error,omitempty"`
}

// PayloadSize is the encoded size of the task payload in bytes.
func (t *SyncTask) PayloadSize() int {
	return len(t.Data)
}

// Clone returns a deep copy so callers never share mutable state with the queue.
func (t *SyncTask) Clone() *SyncTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Data != nil {
		c.Data = append(json.RawMessage(nil), t.Data...)
	}
	if t.NextRetry != nil {
		next := *t.NextRetry
		c.NextRetry = &next
	}
	return &c
}

// NormalizePriority maps an unset priority to the default and clamps the rest to 1..10.
func NormalizePriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}
