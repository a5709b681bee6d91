// Package scheduler decides when and how many sync tasks run and how failed
// tasks are retried.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"replisync/internal/domain"
	"replisync/internal/events"
	"replisync/internal/logging"
	"replisync/internal/metrics"
	"replisync/internal/models"
	"replisync/internal/queue"
	"replisync/internal/syncerr"

	"github.com/rs/zerolog"
)

// Config selects the initial strategy and the base every strategy scales from.
type Config struct {
	Strategy         string
	MaxConcurrent    int
	ScheduleInterval time.Duration
	// NetworkAware switches to the network-aware strategy whenever
	// connectivity returns.
	NetworkAware bool
}

// Stats is a snapshot of scheduler state.
type Stats struct {
	Strategy         string                    `json:"strategy"`
	MaxConcurrent    int                       `json:"max_concurrent"`
	ScheduleInterval time.Duration             `json:"schedule_interval"`
	NetworkType      string                    `json:"network_type,omitempty"`
	Running          int                       `json:"running"`
	Started          bool                      `json:"started"`
	Paused           bool                      `json:"paused"`
	Counts           map[models.TaskStatus]int `json:"counts"`
}

type emission struct {
	eventType string
	data      map[string]any
}

// Scheduler dispatches eligible tasks from the queue under the active
// strategy. All state is guarded by mu; events are published after it is
// released.
type Scheduler struct {
	mu     sync.Mutex
	queue  *queue.Service
	exec   queue.Executor
	bus    domain.EventPublisher
	logger *zerolog.Logger
	now    func() time.Time

	base         Base
	networkAware bool
	strategy     *Strategy

	running     int
	started     bool
	paused      bool
	offline     bool
	networkType string
	batchActive bool
	batchFailed bool

	stopTicker context.CancelFunc
	wakeups    map[string]*time.Timer
	execCtx    context.Context
	wg         sync.WaitGroup
}

func New(q *queue.Service, exec queue.Executor, bus domain.EventPublisher, cfg Config, logger *zerolog.Logger) (*Scheduler, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	name := cfg.Strategy
	if name == "" {
		name = StrategyDefault
	}
	base := Base{MaxConcurrent: cfg.MaxConcurrent, ScheduleInterval: cfg.ScheduleInterval}.normalized()
	st, err := NewStrategy(name, base, Overrides{})
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		queue:        q,
		exec:         exec,
		bus:          bus,
		logger:       logger,
		now:          time.Now,
		base:         base,
		networkAware: cfg.NetworkAware,
		strategy:     st,
		wakeups:      make(map[string]*time.Timer),
		execCtx:      context.Background(),
	}
	if q != nil {
		q.OnEnqueue(func(*models.SyncTask) { s.Tick() })
		q.SetSlots(s)
	}
	return s, nil
}

// Start arms the periodic tick and runs one immediately. Starting while
// offline leaves the scheduler paused until connectivity returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.queue == nil {
		return syncerr.Config("start scheduler", fmt.Errorf("%w: queue service", syncerr.ErrMissingDependency))
	}
	if s.exec == nil {
		return syncerr.Config("start scheduler", fmt.Errorf("%w: executor", syncerr.ErrMissingDependency))
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.paused = s.offline
	// in-flight tasks outlive the caller's context; Stop never preempts them
	s.execCtx = context.WithoutCancel(ctx)
	if !s.paused {
		s.armTickerLocked()
		s.rearmWakesLocked()
	}
	evs := []emission{{events.Started, s.strategyDataLocked()}}
	batch, more := s.scheduleLocked()
	s.mu.Unlock()

	s.logger.Info().Str("strategy", s.Strategy().Name).Msg("scheduler started")
	s.emit(append(evs, more...))
	s.launch(batch)
	return nil
}

// Stop clears every timer. In-flight tasks finish but nothing new is dispatched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.stopTimersLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("scheduler stopped")
	s.emit([]emission{{events.Stopped, map[string]any{}}})
}

// Wait blocks until in-flight tasks finish or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Pause() {
	s.mu.Lock()
	if !s.started || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.stopTimersLocked()
	s.mu.Unlock()

	s.emit([]emission{{events.Paused, map[string]any{}}})
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.started || !s.paused || s.offline {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.armTickerLocked()
	s.rearmWakesLocked()
	evs := []emission{{events.Resumed, map[string]any{}}}
	batch, more := s.scheduleLocked()
	s.mu.Unlock()

	s.emit(append(evs, more...))
	s.launch(batch)
}

// SetStrategy swaps the active strategy and, while running, re-arms the tick
// at the new interval. The network-aware strategy without an explicit network
// type scales from the last connected class seen by HandleNetworkChange.
func (s *Scheduler) SetStrategy(name string, o Overrides) error {
	if name == StrategyNetworkAware && o.NetworkType == "" {
		s.mu.Lock()
		o.NetworkType = s.networkType
		s.mu.Unlock()
	}
	st, err := NewStrategy(name, s.base, o)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.strategy = st
	if s.started && !s.paused {
		s.armTickerLocked()
	}
	evs := []emission{{events.StrategyChanged, s.strategyDataLocked()}}
	batch, more := s.scheduleLocked()
	s.mu.Unlock()

	s.logger.Info().
		Str("strategy", st.Name).
		Int("max_concurrent", st.MaxConcurrent).
		Dur("interval", st.ScheduleInterval).
		Msg("strategy changed")
	s.emit(append(evs, more...))
	s.launch(batch)
	return nil
}

func (s *Scheduler) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.strategy
}

// AddTask enqueues a task. A known id returns the existing task unchanged.
func (s *Scheduler) AddTask(ctx context.Context, task *models.SyncTask) (*models.SyncTask, error) {
	if s.queue == nil {
		return nil, syncerr.Config("add task", fmt.Errorf("%w: queue service", syncerr.ErrMissingDependency))
	}
	t, _, err := s.queue.Enqueue(ctx, task)
	return t, err
}

// CancelTask cancels a pending or failed task.
func (s *Scheduler) CancelTask(ctx context.Context, id string) error {
	if s.queue == nil {
		return syncerr.Config("cancel task", fmt.Errorf("%w: queue service", syncerr.ErrMissingDependency))
	}
	s.mu.Lock()
	s.clearWakeLocked(id)
	s.mu.Unlock()

	_, err := s.queue.Cancel(ctx, id)
	return err
}

// HandleNetworkChange pauses while offline and resumes when connectivity
// returns, rescaling to the new network class when network-aware.
func (s *Scheduler) HandleNetworkChange(status models.NetworkStatus) {
	s.mu.Lock()
	s.offline = !status.IsConnected
	if status.IsConnected {
		s.networkType = status.NetworkType
	}
	s.mu.Unlock()

	if !status.IsConnected {
		s.Pause()
		return
	}
	if s.networkAware {
		if err := s.SetStrategy(StrategyNetworkAware, Overrides{NetworkType: status.NetworkType}); err != nil {
			s.logger.Error().Err(err).Msg("failed to switch to network-aware strategy")
		}
	}
	s.Resume()
}

// HandleAppState resumes scheduling in the foreground and pauses it in the
// background. Coming to the foreground while offline stays paused.
func (s *Scheduler) HandleAppState(foreground bool) {
	if foreground {
		s.Resume()
		return
	}
	s.Pause()
}

// TryAcquire claims one slot of the strategy's concurrency budget for work
// dispatched outside the scheduler.
func (s *Scheduler) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running >= s.strategy.MaxConcurrent {
		return false
	}
	s.running++
	metrics.SetRunning(s.running)
	return true
}

// Release returns a slot taken with TryAcquire and schedules into it.
func (s *Scheduler) Release() {
	s.mu.Lock()
	s.running--
	batch, evs := s.scheduleLocked()
	s.mu.Unlock()

	s.emit(evs)
	s.launch(batch)
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	batch, evs := s.scheduleLocked()
	s.mu.Unlock()

	s.emit(evs)
	s.launch(batch)
}

func (s *Scheduler) Stats() Stats {
	var counts map[models.TaskStatus]int
	if s.queue != nil {
		counts = s.queue.Counts()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Strategy:         s.strategy.Name,
		MaxConcurrent:    s.strategy.MaxConcurrent,
		ScheduleInterval: s.strategy.ScheduleInterval,
		NetworkType:      s.strategy.NetworkType,
		Running:          s.running,
		Started:          s.started,
		Paused:           s.paused,
		Counts:           counts,
	}
}

// scheduleLocked claims up to the free slots of eligible tasks in strategy
// order. The caller launches the returned batch after unlocking.
func (s *Scheduler) scheduleLocked() ([]*models.SyncTask, []emission) {
	if !s.started || s.paused {
		return nil, nil
	}

	eligible := s.queue.Eligible(s.now())
	var batch []*models.SyncTask
	if slots := s.strategy.MaxConcurrent - s.running; slots > 0 && len(eligible) > 0 {
		s.strategy.Sort(eligible)
		for _, t := range eligible {
			if len(batch) >= slots {
				break
			}
			claimed, ok := s.queue.MarkSyncing(s.execCtx, t.ID)
			if !ok {
				continue
			}
			s.clearWakeLocked(t.ID)
			s.running++
			s.wg.Add(1)
			batch = append(batch, claimed)
		}
	}
	if len(batch) > 0 {
		s.batchActive = true
	}
	metrics.SetRunning(s.running)

	var evs []emission
	if s.running == 0 && s.batchActive && len(eligible) == 0 {
		evType := events.SyncCompleted
		if s.batchFailed {
			evType = events.SyncFailed
		}
		evs = append(evs, emission{evType, map[string]any{"strategy": s.strategy.Name}})
		s.batchActive = false
		s.batchFailed = false
	}
	return batch, evs
}

func (s *Scheduler) launch(batch []*models.SyncTask) {
	for _, t := range batch {
		go s.run(t)
	}
}

func (s *Scheduler) run(task *models.SyncTask) {
	defer s.wg.Done()

	err := s.exec(s.execCtx, task)
	var updated *models.SyncTask
	if err == nil {
		updated = s.queue.MarkDone(s.execCtx, task.ID)
	} else {
		updated = s.queue.MarkFailed(s.execCtx, task.ID, err)
		logged := task
		if updated != nil {
			logged = updated
		}
		logging.Task(s.logger.Warn().Err(err), logged).Msg("sync task failed")
	}

	s.mu.Lock()
	s.running--
	if err != nil {
		s.batchFailed = true
		if updated != nil && updated.Status == models.TaskFailed && updated.NextRetry != nil {
			s.armWakeLocked(updated.ID, *updated.NextRetry)
		}
	}
	batch, evs := s.scheduleLocked()
	s.mu.Unlock()

	s.emit(evs)
	s.launch(batch)
}

func (s *Scheduler) armTickerLocked() {
	if s.stopTicker != nil {
		s.stopTicker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopTicker = cancel
	interval := s.strategy.ScheduleInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

func (s *Scheduler) armWakeLocked(id string, at time.Time) {
	if !s.started || s.paused {
		return
	}
	s.clearWakeLocked(id)
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.wakeups[id] = time.AfterFunc(d, s.Tick)
}

func (s *Scheduler) rearmWakesLocked() {
	for _, t := range s.queue.Tasks() {
		if t.Status == models.TaskFailed && t.NextRetry != nil {
			s.armWakeLocked(t.ID, *t.NextRetry)
		}
	}
}

func (s *Scheduler) clearWakeLocked(id string) {
	if timer, ok := s.wakeups[id]; ok {
		timer.Stop()
		delete(s.wakeups, id)
	}
}

func (s *Scheduler) stopTimersLocked() {
	if s.stopTicker != nil {
		s.stopTicker()
		s.stopTicker = nil
	}
	for id, timer := range s.wakeups {
		timer.Stop()
		delete(s.wakeups, id)
	}
}

func (s *Scheduler) strategyDataLocked() map[string]any {
	return map[string]any{
		"strategy":         s.strategy.Name,
		"maxConcurrent":    s.strategy.MaxConcurrent,
		"scheduleInterval": s.strategy.ScheduleInterval.String(),
		"networkType":      s.strategy.NetworkType,
	}
}

func (s *Scheduler) emit(evs []emission) {
	if s.bus == nil {
		return
	}
	for _, e := range evs {
		s.bus.Emit(e.eventType, e.data)
	}
}
