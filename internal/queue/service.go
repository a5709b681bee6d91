// Package queue is the durable, deduplicated holding area for sync tasks. The
// scheduler uses it as its task store, so task state survives restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"replisync/internal/domain"
	"replisync/internal/events"
	"replisync/internal/metrics"
	"replisync/internal/models"
	"replisync/internal/retry"
	"replisync/internal/syncerr"

	"github.com/rs/zerolog"
)

// Executor delivers one task to the remote store.
type Executor func(ctx context.Context, task *models.SyncTask) error

// Options configures a Service.
type Options struct {
	StorageKey   string
	MaxCompleted int
	Retry        retry.Policy
	Logger       *zerolog.Logger
}

// AddOptions tunes AddToQueue.
type AddOptions struct {
	Priority  int
	TaskID    string
	Operation models.TaskOperation
	Soft      bool
}

// Slots bounds how many tasks run at once across every dispatcher. TryAcquire
// reports whether a slot was taken; each taken slot is returned with Release.
type Slots interface {
	TryAcquire() bool
	Release()
}

type emission struct {
	eventType string
	data      map[string]any
}

// Service owns every task. Mutations are persisted before the call returns
// and events are published after the lock is released.
type Service struct {
	mu           sync.Mutex
	store        domain.Store
	key          string
	maxCompleted int
	policy       retry.Policy
	logger       *zerolog.Logger
	now          func() time.Time

	tasks      map[string]*models.SyncTask
	inProgress bool
	lastSync   *time.Time
	online     bool

	executor  Executor
	publisher domain.EventPublisher
	onEnqueue func(task *models.SyncTask)
	slots     Slots
}

func NewService(store domain.Store, opts Options) *Service {
	if opts.StorageKey == "" {
		opts.StorageKey = models.DefaultQueueKey
	}
	if opts.MaxCompleted <= 0 {
		opts.MaxCompleted = models.DefaultMaxCompleted
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry.MaxRetries = models.DefaultRetryLimit
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Service{
		store:        store,
		key:          opts.StorageKey,
		maxCompleted: opts.MaxCompleted,
		policy:       opts.Retry,
		logger:       logger,
		now:          time.Now,
		tasks:        make(map[string]*models.SyncTask),
		online:       true,
	}
}

func (s *Service) SetExecutor(exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = exec
}

func (s *Service) SetPublisher(p domain.EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// OnEnqueue registers a hook that runs after a new task is stored.
func (s *Service) OnEnqueue(fn func(task *models.SyncTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnqueue = fn
}

// SetSlots makes ProcessQueue share the concurrency budget of slots. Tasks
// that find no free slot stay pending.
func (s *Service) SetSlots(slots Slots) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = slots
}

func (s *Service) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

// Load restores the persisted queue. Tasks caught mid-flight by a crash go
// back to pending.
func (s *Service) Load(ctx context.Context) error {
	raw, err := s.store.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	var list []*models.SyncTask
	if raw != nil {
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("failed to decode queue: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*models.SyncTask, len(list))
	restored := 0
	for _, t := range list {
		if t == nil || t.ID == "" {
			continue
		}
		if t.Status == models.TaskSyncing {
			t.Status = models.TaskPending
			restored++
		}
		s.tasks[t.ID] = t
	}
	metrics.SetQueueLength(len(s.tasks))
	s.logger.Info().Int("tasks", len(s.tasks)).Int("restored", restored).Msg("sync queue loaded")
	return nil
}

// Persist prunes completed tasks and writes the queue to the store.
func (s *Service) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Service) persistLocked(ctx context.Context) error {
	s.pruneLocked()
	raw, err := json.Marshal(s.sortedLocked())
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := s.store.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	metrics.SetQueueLength(len(s.tasks))
	return nil
}

// pruneLocked keeps the maxCompleted most recently updated tasks of each
// terminal status. Cancelled tasks never stay in the queue.
func (s *Service) pruneLocked() {
	byStatus := make(map[models.TaskStatus][]*models.SyncTask, 2)
	for _, t := range s.tasks {
		if t.Status == models.TaskDone || t.Status == models.TaskError {
			byStatus[t.Status] = append(byStatus[t.Status], t)
		}
	}
	for _, list := range byStatus {
		if len(list) <= s.maxCompleted {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
				return list[i].UpdatedAt.After(list[j].UpdatedAt)
			}
			return list[i].ID < list[j].ID
		})
		for _, t := range list[s.maxCompleted:] {
			delete(s.tasks, t.ID)
		}
	}
}

// sortedLocked returns tasks in creation order.
func (s *Service) sortedLocked() []*models.SyncTask {
	list := make([]*models.SyncTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (s *Service) save(ctx context.Context) {
	if err := s.persistLocked(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sync queue not persisted")
	}
}

func (s *Service) emit(evs []emission) {
	s.mu.Lock()
	p := s.publisher
	s.mu.Unlock()
	if p == nil {
		return
	}
	for _, e := range evs {
		p.Emit(e.eventType, e.data)
	}
}

func validate(task *models.SyncTask) error {
	switch {
	case task == nil:
		return syncerr.Config("enqueue", fmt.Errorf("%w: task is nil", syncerr.ErrInvalidTask))
	case task.ID == "":
		return syncerr.Config("enqueue", fmt.Errorf("%w: id is required", syncerr.ErrInvalidTask))
	case task.Collection == "":
		return syncerr.Config("enqueue", fmt.Errorf("%w: collection is required", syncerr.ErrInvalidTask))
	case task.ItemID == "":
		return syncerr.Config("enqueue", fmt.Errorf("%w: item id is required", syncerr.ErrInvalidTask))
	}
	return nil
}

// Enqueue stores a new pending task. A task whose id is already known is
// returned unchanged and created is false.
func (s *Service) Enqueue(ctx context.Context, task *models.SyncTask) (*models.SyncTask, bool, error) {
	return s.add(ctx, task, false)
}

// AddToQueue enqueues a task for one item. Without an explicit TaskID the
// identity is collection:itemID, so repeated edits of a pending item collapse
// into one task. A finished task with the same id is replaced.
func (s *Service) AddToQueue(ctx context.Context, collection, itemID string, data json.RawMessage, opts AddOptions) (*models.SyncTask, error) {
	id := opts.TaskID
	if id == "" && collection != "" && itemID != "" {
		id = collection + ":" + itemID
	}
	op := opts.Operation
	if op == "" {
		op = models.OpSave
	}
	task, _, err := s.add(ctx, &models.SyncTask{
		ID:         id,
		Collection: collection,
		ItemID:     itemID,
		Operation:  op,
		Soft:       opts.Soft,
		Data:       data,
		Priority:   opts.Priority,
	}, true)
	return task, err
}

func (s *Service) add(ctx context.Context, task *models.SyncTask, replaceTerminal bool) (*models.SyncTask, bool, error) {
	if err := validate(task); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if existing, ok := s.tasks[task.ID]; ok {
		if !replaceTerminal || !existing.Status.Terminal() {
			out := existing.Clone()
			s.mu.Unlock()
			return out, false, nil
		}
	}
	previous := s.tasks[task.ID]

	now := s.now()
	t := task.Clone()
	t.Status = models.TaskPending
	t.Priority = models.NormalizePriority(t.Priority)
	t.Retries = 0
	t.NextRetry = nil
	t.Error = ""
	if t.Operation == "" {
		t.Operation = models.OpSave
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t

	if err := s.persistLocked(ctx); err != nil {
		if previous != nil {
			s.tasks[t.ID] = previous
		} else {
			delete(s.tasks, t.ID)
		}
		s.mu.Unlock()
		return nil, false, err
	}
	out := t.Clone()
	hook := s.onEnqueue
	evs := []emission{
		{events.TaskAdded, taskData(t)},
		{events.QueueUpdated, s.countsLocked()},
	}
	s.mu.Unlock()

	s.emit(evs)
	if hook != nil {
		hook(out.Clone())
	}
	return out, true, nil
}

func (s *Service) Get(id string) *models.SyncTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

// Tasks returns a snapshot of every task in creation order.
func (s *Service) Tasks() []*models.SyncTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sortedLocked()
	out := make([]*models.SyncTask, len(list))
	for i, t := range list {
		out[i] = t.Clone()
	}
	return out
}

// Eligible returns pending tasks plus failed tasks whose retry time has come,
// in creation order.
func (s *Service) Eligible(now time.Time) []*models.SyncTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SyncTask
	for _, t := range s.sortedLocked() {
		if isEligible(t, now) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func isEligible(t *models.SyncTask, now time.Time) bool {
	switch t.Status {
	case models.TaskPending:
		return true
	case models.TaskFailed:
		return t.NextRetry == nil || !t.NextRetry.After(now)
	}
	return false
}

// MarkSyncing claims an eligible task for execution. It returns false when the
// task is gone or no longer eligible.
func (s *Service) MarkSyncing(ctx context.Context, id string) (*models.SyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != models.TaskPending && t.Status != models.TaskFailed) {
		return nil, false
	}
	t.Status = models.TaskSyncing
	t.NextRetry = nil
	t.UpdatedAt = s.now()
	s.save(ctx)
	return t.Clone(), true
}

// MarkDone finishes a syncing task.
func (s *Service) MarkDone(ctx context.Context, id string) *models.SyncTask {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskSyncing {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	t.Status = models.TaskDone
	t.Error = ""
	t.UpdatedAt = now
	s.lastSync = &now
	out := t.Clone()
	s.save(ctx)
	evs := []emission{
		{events.TaskCompleted, taskData(t)},
		{events.QueueUpdated, s.countsLocked()},
	}
	s.mu.Unlock()

	metrics.IncTask(metrics.OutcomeCompleted)
	s.emit(evs)
	return out
}

// MarkFailed records a failed attempt. Transient failures under the retry
// limit go to failed with a backoff; everything else ends in error.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error) *models.SyncTask {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskSyncing {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	t.Retries++
	t.UpdatedAt = now
	if cause != nil {
		t.Error = cause.Error()
	}

	data := taskData(t)
	data["error"] = t.Error
	data["retryCount"] = t.Retries
	if syncerr.IsPermanent(cause) || s.policy.Exhausted(t.Retries) {
		t.Status = models.TaskError
		t.NextRetry = nil
		data["willRetry"] = false
		metrics.IncTask(metrics.OutcomeFailed)
	} else {
		next := now.Add(s.policy.Delay(t.Retries))
		t.Status = models.TaskFailed
		t.NextRetry = &next
		data["willRetry"] = true
		data["nextRetry"] = next
		metrics.IncTask(metrics.OutcomeRetried)
	}
	out := t.Clone()
	s.save(ctx)
	evs := []emission{
		{events.TaskFailed, data},
		{events.QueueUpdated, s.countsLocked()},
	}
	s.mu.Unlock()

	s.emit(evs)
	return out
}

// Cancel removes a pending or failed task from the queue.
func (s *Service) Cancel(ctx context.Context, id string) (*models.SyncTask, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, syncerr.ErrNotFound)
	}
	if t.Status != models.TaskPending && t.Status != models.TaskFailed {
		status := t.Status
		s.mu.Unlock()
		return nil, syncerr.Permanent("cancel", fmt.Errorf("task %s is %s: %w", id, status, syncerr.ErrNotCancellable))
	}
	t.Status = models.TaskCancelled
	t.NextRetry = nil
	t.UpdatedAt = s.now()
	out := t.Clone()
	delete(s.tasks, id)
	s.save(ctx)
	evs := []emission{
		{events.TaskCancelled, taskData(t)},
		{events.QueueUpdated, s.countsLocked()},
	}
	s.mu.Unlock()

	metrics.IncTask(metrics.OutcomeCancelled)
	s.emit(evs)
	return out, nil
}

// ProcessQueue drains every pending task once, one at a time. It is a no-op
// while offline or while another drain is running. With slots set, a task is
// skipped when the shared budget is exhausted.
func (s *Service) ProcessQueue(ctx context.Context) ([]models.TaskResult, error) {
	s.mu.Lock()
	if !s.online || s.inProgress {
		s.mu.Unlock()
		return nil, nil
	}
	exec := s.executor
	if exec == nil {
		s.mu.Unlock()
		return nil, syncerr.Config("process queue", fmt.Errorf("%w: executor", syncerr.ErrMissingDependency))
	}
	s.inProgress = true
	slots := s.slots
	var ids []string
	for _, t := range s.sortedLocked() {
		if t.Status == models.TaskPending {
			ids = append(ids, t.ID)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(ids, func(i, j int) bool {
		return s.priority(ids[i]) > s.priority(ids[j])
	})

	results := make([]models.TaskResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if slots != nil && !slots.TryAcquire() {
			continue
		}
		task, ok := s.MarkSyncing(ctx, id)
		if !ok {
			if slots != nil {
				slots.Release()
			}
			continue
		}

		err := exec(ctx, task)
		var updated *models.SyncTask
		if err == nil {
			updated = s.MarkDone(ctx, id)
		} else {
			updated = s.MarkFailed(ctx, id, err)
			failed++
		}

		if slots != nil {
			slots.Release()
		}

		res := models.TaskResult{TaskID: id, Success: err == nil}
		if updated != nil {
			res.Status = updated.Status
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	s.mu.Lock()
	s.inProgress = false
	now := s.now()
	s.lastSync = &now
	s.mu.Unlock()

	summary := map[string]any{"processed": len(results), "failed": failed}
	if failed > 0 {
		s.emit([]emission{{events.SyncFailed, summary}})
	} else {
		s.emit([]emission{{events.SyncCompleted, summary}})
	}
	return results, nil
}

func (s *Service) priority(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Priority
	}
	return 0
}

func (s *Service) GetStatus() models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.QueueStatus{
		InProgress:  s.inProgress,
		QueueLength: len(s.tasks),
	}
	if s.lastSync != nil {
		at := *s.lastSync
		st.LastSync = &at
	}
	for _, t := range s.tasks {
		switch t.Status {
		case models.TaskPending:
			st.PendingCount++
		case models.TaskFailed, models.TaskError:
			st.FailedCount++
		case models.TaskSyncing:
			st.InProgress = true
		}
	}
	return st
}

// Counts returns the number of tasks per status.
func (s *Service) Counts() map[models.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

func (s *Service) countsLocked() map[string]any {
	pending, failed := 0, 0
	for _, t := range s.tasks {
		switch t.Status {
		case models.TaskPending:
			pending++
		case models.TaskFailed, models.TaskError:
			failed++
		}
	}
	return map[string]any{
		"queueLength":  len(s.tasks),
		"pendingCount": pending,
		"failedCount":  failed,
	}
}

func taskData(t *models.SyncTask) map[string]any {
	return map[string]any{
		"taskId":     t.ID,
		"collection": t.Collection,
		"itemId":     t.ItemID,
		"status":     string(t.Status),
		"priority":   t.Priority,
	}
}
