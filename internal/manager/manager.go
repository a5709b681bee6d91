// Package manager is the single entry point of the sync engine. It composes
// the local and remote adapters, the queue and the scheduler, and resolves
// conflicts between local and remote versions of a record.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"replisync/internal/adapter"
	"replisync/internal/domain"
	"replisync/internal/events"
	"replisync/internal/logging"
	"replisync/internal/metrics"
	"replisync/internal/models"
	"replisync/internal/queue"
	"replisync/internal/scheduler"
	"replisync/internal/syncerr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Namespace prefixes every event the manager re-publishes on the external bus.
const Namespace = "manager."

// Deps are the collaborators the manager composes. Network and Bus are
// optional: without Network the engine assumes it is online, without Bus a
// private bus is created.
type Deps struct {
	Local   adapter.LocalReplica
	Remote  adapter.Adapter
	Queue   *queue.Service
	Network domain.NetworkSource
	Bus     *events.EventBus
	Logger  *zerolog.Logger
}

type Options struct {
	ConflictPolicy ConflictPolicy
	Collections    []string
	Scheduler      scheduler.Config
	// SyncInterval runs a full reconciliation periodically when positive.
	SyncInterval time.Duration
}

type WriteOptions struct {
	Sync     bool
	Priority int
	TaskID   string
}

type ReadOptions struct {
	// Remote reads through to the remote store when online and refreshes the
	// local copy.
	Remote bool
}

type RemoveOptions struct {
	Soft     bool
	Sync     bool
	Priority int
	TaskID   string
}

type SyncOptions struct {
	Collections []string
	IDs         []string
	// Force ignores the stored markers and pulls everything.
	Force bool
}

// CollectionReport is the outcome of reconciling one collection.
type CollectionReport struct {
	Collection string             `json:"collection"`
	Pulled     int                `json:"pulled"`
	Applied    models.ApplyResult `json:"applied"`
	Conflicts  int                `json:"conflicts"`
	Pushed     int                `json:"pushed"`
	PushFailed int                `json:"push_failed"`
	Marker     string             `json:"marker,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type SyncReport struct {
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration"`
	Collections []CollectionReport `json:"collections"`
}

// Failed reports whether any collection had an error or a failed item.
func (r *SyncReport) Failed() bool {
	for _, c := range r.Collections {
		if c.Error != "" || c.PushFailed > 0 || c.Applied.Failed > 0 {
			return true
		}
	}
	return false
}

type Status struct {
	Queue     models.QueueStatus   `json:"queue"`
	Scheduler scheduler.Stats      `json:"scheduler"`
	Network   models.NetworkStatus `json:"network"`
	Policy    ConflictPolicy       `json:"conflict_policy"`
}

type Manager struct {
	local       adapter.LocalReplica
	remote      adapter.Adapter
	queue       *queue.Service
	sched       *scheduler.Scheduler
	network     domain.NetworkSource
	internal    *events.EventBus
	external    *events.EventBus
	logger      *zerolog.Logger
	policy      ConflictPolicy
	collections []string
	interval    time.Duration

	syncMu   sync.Mutex
	loopMu   sync.Mutex
	stopLoop context.CancelFunc
}

func New(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Local == nil:
		return nil, syncerr.Config("new manager", fmt.Errorf("%w: local adapter", syncerr.ErrMissingDependency))
	case deps.Remote == nil:
		return nil, syncerr.Config("new manager", fmt.Errorf("%w: remote adapter", syncerr.ErrMissingDependency))
	case deps.Queue == nil:
		return nil, syncerr.Config("new manager", fmt.Errorf("%w: queue service", syncerr.ErrMissingDependency))
	}
	policy, err := ParsePolicy(string(opts.ConflictPolicy))
	if err != nil {
		return nil, err
	}

	logger := logging.Component(deps.Logger, "manager")
	external := deps.Bus
	if external == nil {
		external = events.NewEventBus(logger)
	}
	internal := events.NewEventBus(logger)
	events.Forward(internal, external, Namespace)

	m := &Manager{
		local:       deps.Local,
		remote:      deps.Remote,
		queue:       deps.Queue,
		network:     deps.Network,
		internal:    internal,
		external:    external,
		logger:      logger,
		policy:      policy,
		collections: append([]string(nil), opts.Collections...),
		interval:    opts.SyncInterval,
	}

	sched, err := scheduler.New(deps.Queue, m.execute, internal, opts.Scheduler, logging.Component(deps.Logger, "scheduler"))
	if err != nil {
		return nil, err
	}
	m.sched = sched

	deps.Queue.SetPublisher(internal)
	deps.Queue.SetExecutor(m.execute)
	if m.network != nil {
		status := m.network.Status()
		deps.Queue.SetOnline(status.IsConnected)
		if !status.IsConnected {
			sched.HandleNetworkChange(status)
		}
		m.network.Subscribe(m.onNetwork)
	}
	return m, nil
}

func (m *Manager) onNetwork(status models.NetworkStatus) {
	m.queue.SetOnline(status.IsConnected)
	m.sched.HandleNetworkChange(status)
}

func (m *Manager) online() bool {
	return m.network == nil || m.network.Status().IsConnected
}

// Start begins scheduling and, when configured, periodic reconciliation.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sched.Start(ctx); err != nil {
		return err
	}

	if m.interval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		m.loopMu.Lock()
		if m.stopLoop != nil {
			m.stopLoop()
		}
		m.stopLoop = cancel
		m.loopMu.Unlock()
		go m.syncLoop(loopCtx)
	}
	return nil
}

func (m *Manager) Stop() {
	m.loopMu.Lock()
	if m.stopLoop != nil {
		m.stopLoop()
		m.stopLoop = nil
	}
	m.loopMu.Unlock()
	m.sched.Stop()
}

// Wait blocks until in-flight tasks finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	return m.sched.Wait(ctx)
}

func (m *Manager) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sync(ctx, SyncOptions{}); err != nil {
				if errors.Is(err, syncerr.ErrOffline) {
					m.logger.Debug().Msg("periodic sync skipped while offline")
					continue
				}
				m.logger.Warn().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

func requireIdentity(op, collection, id string) error {
	if collection == "" || id == "" {
		return syncerr.Config(op, fmt.Errorf("%w: collection and id are required", syncerr.ErrInvalidTask))
	}
	return nil
}

// SaveData writes locally and optionally queues the record for delivery.
func (m *Manager) SaveData(ctx context.Context, collection, id string, data json.RawMessage, opts WriteOptions) (*models.Record, error) {
	if err := requireIdentity("save data", collection, id); err != nil {
		return nil, err
	}
	rec, err := m.local.Save(ctx, collection, id, data)
	if err != nil {
		return nil, err
	}
	if opts.Sync {
		if _, err := m.queue.AddToQueue(ctx, collection, id, data, queue.AddOptions{
			Priority: opts.Priority,
			TaskID:   opts.TaskID,
		}); err != nil {
			return rec, fmt.Errorf("saved locally but not queued: %w", err)
		}
	}
	return rec, nil
}

// GetData reads the local replica. Deleted records read as nil.
func (m *Manager) GetData(ctx context.Context, collection, id string, opts ReadOptions) (*models.Record, error) {
	if err := requireIdentity("get data", collection, id); err != nil {
		return nil, err
	}
	if opts.Remote && m.online() {
		remoteRec, err := m.remote.Get(ctx, collection, id)
		if err != nil {
			m.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("remote read failed, using local copy")
		} else if remoteRec != nil {
			return m.refresh(ctx, collection, id, remoteRec)
		}
	}

	rec, err := m.local.Get(ctx, collection, id)
	if err != nil || rec == nil || rec.Meta.Deleted {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) refresh(ctx context.Context, collection, id string, remoteRec *models.Record) (*models.Record, error) {
	localRec, err := m.local.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if localRec != nil && localRec.Meta.LocalModified && winner(localRec, remoteRec, m.policy) == sideLocal {
		if localRec.Meta.Deleted {
			return nil, nil
		}
		return localRec, nil
	}

	res := m.local.ApplyChanges(ctx, collection, []*models.Record{remoteRec})
	if res.Failed > 0 {
		m.logger.Warn().Str("collection", collection).Str("id", id).Msg("failed to refresh local copy")
	}
	if remoteRec.Meta.Deleted {
		return nil, nil
	}
	return remoteRec, nil
}

// RemoveData deletes locally and optionally queues the deletion for delivery.
func (m *Manager) RemoveData(ctx context.Context, collection, id string, opts RemoveOptions) (bool, error) {
	if err := requireIdentity("remove data", collection, id); err != nil {
		return false, err
	}
	removed, err := m.local.Remove(ctx, collection, id, adapter.RemoveOptions{Soft: opts.Soft})
	if err != nil {
		return false, err
	}
	if opts.Sync {
		if _, err := m.queue.AddToQueue(ctx, collection, id, nil, queue.AddOptions{
			Priority:  opts.Priority,
			TaskID:    opts.TaskID,
			Operation: models.OpRemove,
			Soft:      opts.Soft,
		}); err != nil {
			return removed, fmt.Errorf("removed locally but not queued: %w", err)
		}
	}
	return removed, nil
}

// AddSyncTask hands a task to the scheduler, generating an id when missing.
func (m *Manager) AddSyncTask(ctx context.Context, task models.SyncTask) (*models.SyncTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return m.sched.AddTask(ctx, &task)
}

// execute delivers one task. Saves push the current local version so a
// late task never overwrites a newer edit.
func (m *Manager) execute(ctx context.Context, task *models.SyncTask) error {
	rec, err := m.local.Get(ctx, task.Collection, task.ItemID)
	if err != nil {
		return syncerr.Transient("read local", err)
	}

	if task.Operation == models.OpRemove || (rec != nil && rec.Meta.Deleted) {
		soft := task.Soft || (rec != nil && rec.Meta.Deleted)
		if _, err := m.remote.Remove(ctx, task.Collection, task.ItemID, adapter.RemoveOptions{Soft: soft}); err != nil {
			return err
		}
	} else {
		data := task.Data
		if rec != nil {
			data = rec.Data
		}
		if data == nil {
			return syncerr.Permanent("execute", fmt.Errorf("%w: no local record or payload for %s/%s", syncerr.ErrInvalidTask, task.Collection, task.ItemID))
		}
		if _, err := m.remote.Save(ctx, task.Collection, task.ItemID, data); err != nil {
			return err
		}
	}

	if rec != nil {
		if err := m.local.MarkSynced(ctx, task.Collection, task.ItemID, rec.Meta.UpdatedAt); err != nil {
			m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("delivered but local copy not marked synced")
		}
	}
	return nil
}

// Sync runs a full reconciliation pass independent of the queue: pull remote
// changes since each marker, resolve conflicts, apply locally, push unsynced
// local records and advance the markers.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions) (*SyncReport, error) {
	if !m.online() {
		return nil, syncerr.Transient("sync", syncerr.ErrOffline)
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	cols := opts.Collections
	if len(cols) == 0 {
		cols = m.collections
	}

	report := &SyncReport{StartedAt: time.Now()}
	var errs []error
	for _, c := range cols {
		cr, err := m.syncCollection(ctx, c, opts)
		if err != nil {
			cr.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
		report.Collections = append(report.Collections, cr)
	}
	report.Duration = time.Since(report.StartedAt)

	failed := report.Failed()
	metrics.ObserveSync(report.Duration, !failed)
	data := map[string]any{"mode": "full", "collections": len(cols), "duration": report.Duration.String()}
	if failed {
		m.internal.Emit(events.SyncFailed, data)
	} else {
		m.internal.Emit(events.SyncCompleted, data)
	}
	m.logger.Info().Int("collections", len(cols)).Bool("failed", failed).Dur("duration", report.Duration).Msg("sync finished")

	return report, errors.Join(errs...)
}

func (m *Manager) syncCollection(ctx context.Context, collection string, opts SyncOptions) (CollectionReport, error) {
	cr := CollectionReport{Collection: collection}
	want := make(map[string]bool, len(opts.IDs))
	for _, id := range opts.IDs {
		want[id] = true
	}
	selected := func(id string) bool { return len(want) == 0 || want[id] }

	marker := ""
	if !opts.Force {
		var err error
		if marker, err = m.local.GetLastSyncMarker(ctx, collection); err != nil {
			return cr, err
		}
	}
	since, err := adapter.ParseMarker(marker)
	if err != nil {
		m.logger.Warn().Str("collection", collection).Str("marker", marker).Msg("ignoring unreadable marker")
		marker = ""
		since = time.Time{}
	}

	localChanges, err := m.local.GetChanges(ctx, collection, "")
	if err != nil {
		return cr, err
	}
	dirty := make(map[string]*models.Record, len(localChanges))
	for _, rec := range localChanges {
		dirty[rec.ID] = rec
	}

	remoteChanges, err := m.remote.GetChanges(ctx, collection, marker)
	if err != nil {
		// unchecked local edits could overwrite newer remote ones
		return cr, fmt.Errorf("pull changes: %w", err)
	}
	newest := since
	var toApply []*models.Record
	for _, rc := range remoteChanges {
		if rc == nil {
			continue
		}
		if rc.Meta.UpdatedAt.After(newest) {
			newest = rc.Meta.UpdatedAt
		}
		if !selected(rc.ID) {
			continue
		}
		cr.Pulled++
		if lr, ok := dirty[rc.ID]; ok {
			cr.Conflicts++
			if winner(lr, rc, m.policy) == sideLocal {
				continue
			}
			delete(dirty, rc.ID)
		}
		toApply = append(toApply, rc)
	}
	cr.Applied = m.local.ApplyChanges(ctx, collection, toApply)

	for _, rec := range localChanges {
		if _, ok := dirty[rec.ID]; !ok || !selected(rec.ID) {
			continue
		}
		if err := m.push(ctx, rec); err != nil {
			cr.PushFailed++
			m.logger.Warn().Err(err).Str("collection", collection).Str("id", rec.ID).Msg("push failed")
			continue
		}
		cr.Pushed++
	}

	if cr.Applied.Failed == 0 && len(want) == 0 && newest.After(since) {
		cr.Marker = adapter.FormatMarker(newest)
		if err := m.local.SetLastSyncMarker(ctx, collection, cr.Marker); err != nil {
			return cr, err
		}
	}
	return cr, nil
}

func (m *Manager) push(ctx context.Context, rec *models.Record) error {
	var err error
	if rec.Meta.Deleted {
		_, err = m.remote.Remove(ctx, rec.Collection, rec.ID, adapter.RemoveOptions{Soft: true})
	} else {
		_, err = m.remote.Save(ctx, rec.Collection, rec.ID, rec.Data)
	}
	if err != nil {
		return err
	}
	return m.local.MarkSynced(ctx, rec.Collection, rec.ID, rec.Meta.UpdatedAt)
}

// ResolveConflict applies the manager's configured policy.
func (m *Manager) ResolveConflict(collection, id string, local, remote *models.Record) *models.Record {
	return ResolveConflict(collection, id, local, remote, m.policy)
}

// SetStrategy switches the scheduling strategy. Network-aware without an
// explicit network type scales from the current connectivity status.
func (m *Manager) SetStrategy(name string, o scheduler.Overrides) error {
	if name == scheduler.StrategyNetworkAware && o.NetworkType == "" && m.network != nil {
		if status := m.network.Status(); status.IsConnected {
			o.NetworkType = status.NetworkType
		}
	}
	return m.sched.SetStrategy(name, o)
}

func (m *Manager) Pause() {
	m.sched.Pause()
}

func (m *Manager) Resume() {
	m.sched.Resume()
}

func (m *Manager) HandleAppState(foreground bool) {
	m.sched.HandleAppState(foreground)
}

func (m *Manager) CancelTask(ctx context.Context, id string) error {
	return m.sched.CancelTask(ctx, id)
}

// ProcessQueue drains pending tasks once, outside the scheduler.
func (m *Manager) ProcessQueue(ctx context.Context) ([]models.TaskResult, error) {
	return m.queue.ProcessQueue(ctx)
}

func (m *Manager) GetStatus() Status {
	st := Status{
		Queue:     m.queue.GetStatus(),
		Scheduler: m.sched.Stats(),
		Policy:    m.policy,
		Network:   models.NetworkStatus{IsConnected: true, NetworkType: models.NetworkUnknown},
	}
	if m.network != nil {
		st.Network = m.network.Status()
	}
	return st
}

// Subscribe registers a handler for a manager event. eventType is the
// un-namespaced name (e.g. "task:completed") or events.All.
func (m *Manager) Subscribe(eventType string, handler events.EventHandler) {
	if eventType == events.All {
		m.external.Subscribe(events.All, handler)
		return
	}
	m.external.Subscribe(Namespace+eventType, handler)
}
