package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"replisync/internal/adapter"
	"replisync/internal/connectivity"
	"replisync/internal/events"
	"replisync/internal/models"
	"replisync/internal/queue"
	"replisync/internal/remote"
	"replisync/internal/repository"
	"replisync/internal/retry"
	"replisync/internal/scheduler"
	"replisync/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// flakyServer fails the next n writes with a transient error and, while
// changesDown is set, every change feed request.
type flakyServer struct {
	*remote.Memory
	failures    atomic.Int32
	changesDown atomic.Bool
}

func (f *flakyServer) Changes(ctx context.Context, collection, since string) ([]*models.Record, error) {
	if f.changesDown.Load() {
		return nil, syncerr.FromStatus("remote.changes", 503, errors.New("service unavailable"))
	}
	return f.Memory.Changes(ctx, collection, since)
}

func (f *flakyServer) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, syncerr.Transient("remote.put", errors.New("503 from upstream"))
	}
	return f.Memory.Put(ctx, rec)
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) handle(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type env struct {
	mgr     *Manager
	local   *adapter.Local
	server  *flakyServer
	queue   *queue.Service
	monitor *connectivity.Monitor
	log     *eventLog
}

func newEnv(t *testing.T, online bool, policy ConflictPolicy) *env {
	t.Helper()
	store := repository.NewMemoryStore()
	server := &flakyServer{Memory: remote.NewMemory()}
	local := adapter.NewLocal(store, nil)
	q := queue.NewService(store, queue.Options{
		Retry: retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	monitor := connectivity.NewMonitor(models.NetworkStatus{IsConnected: online, NetworkType: models.NetworkWifi}, nil)
	bus := events.NewEventBus(nil)
	log := &eventLog{}
	bus.Subscribe(events.All, log.handle)

	mgr, err := New(Deps{
		Local:   local,
		Remote:  adapter.NewRemote(server, store, nil),
		Queue:   q,
		Network: monitor,
		Bus:     bus,
	}, Options{
		ConflictPolicy: policy,
		Collections:    []string{"users", "products"},
		Scheduler:      scheduler.Config{MaxConcurrent: 2, ScheduleInterval: time.Hour},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	return &env{mgr: mgr, local: local, server: server, queue: q, monitor: monitor, log: log}
}

func TestManager_OfflineThenOnline(t *testing.T) {
	e := newEnv(t, false, ServerWins)
	ctx := context.Background()
	require.NoError(t, e.mgr.Start(ctx))

	task, err := e.mgr.AddSyncTask(ctx, models.SyncTask{
		ID:         "t1",
		Collection: "users",
		ItemID:     "1",
		Data:       json.RawMessage(`{"name":"A"}`),
		Priority:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)

	results, err := e.mgr.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, models.TaskPending, e.queue.Get("t1").Status)

	e.monitor.Set(models.NetworkStatus{IsConnected: true, NetworkType: models.NetworkWifi})

	require.Eventually(t, func() bool {
		return e.queue.Get("t1").Status == models.TaskDone
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return e.log.count(Namespace+events.SyncCompleted) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, e.log.count(Namespace+events.TaskCompleted))

	rec, err := e.server.Fetch(ctx, "users", "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"name":"A"}`, string(rec.Data))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, e.log.count(Namespace+events.SyncCompleted))
}

func TestManager_SaveDataSyncsAndMarksSynced(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()
	require.NoError(t, e.mgr.Start(ctx))

	rec, err := e.mgr.SaveData(ctx, "users", "1", json.RawMessage(`{"name":"A"}`), WriteOptions{Sync: true, Priority: 7})
	require.NoError(t, err)
	assert.True(t, rec.Meta.LocalModified)

	require.Eventually(t, func() bool {
		got, _ := e.local.Get(ctx, "users", "1")
		return got != nil && !got.Meta.LocalModified
	}, waitFor, tick)

	remoteRec, _ := e.server.Fetch(ctx, "users", "1")
	require.NotNil(t, remoteRec)
	assert.JSONEq(t, `{"name":"A"}`, string(remoteRec.Data))
	assert.Equal(t, models.TaskDone, e.queue.Get("users:1").Status)
}

func TestManager_RetriesThroughTransientFailures(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	e.server.failures.Store(2)
	ctx := context.Background()
	require.NoError(t, e.mgr.Start(ctx))

	_, err := e.mgr.SaveData(ctx, "users", "1", json.RawMessage(`{"v":1}`), WriteOptions{Sync: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.queue.Get("users:1").Status == models.TaskDone
	}, waitFor, tick)
	assert.Equal(t, 2, e.queue.Get("users:1").Retries)
	assert.Equal(t, 2, e.log.count(Namespace+events.TaskFailed))
}

func TestManager_RemoveDataSoft(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()

	_, err := e.server.Put(ctx, &models.Record{Collection: "users", ID: "1", Data: json.RawMessage(`{}`), Meta: models.RecordMeta{UpdatedAt: time.Now()}})
	require.NoError(t, err)
	_, err = e.mgr.SaveData(ctx, "users", "1", json.RawMessage(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx))

	removed, err := e.mgr.RemoveData(ctx, "users", "1", RemoveOptions{Soft: true, Sync: true})
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := e.mgr.GetData(ctx, "users", "1", ReadOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)

	require.Eventually(t, func() bool {
		rec, _ := e.server.Fetch(ctx, "users", "1")
		return rec != nil && rec.Meta.Deleted
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		rec, _ := e.local.Get(ctx, "users", "1")
		return rec == nil
	}, waitFor, tick)
}

func TestManager_SyncPullPushAndMarkers(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	_, _ = e.server.Put(ctx, &models.Record{Collection: "users", ID: "r1", Data: json.RawMessage(`{"from":"remote"}`), Meta: models.RecordMeta{UpdatedAt: t0}})
	_, _ = e.mgr.SaveData(ctx, "users", "l1", json.RawMessage(`{"from":"local"}`), WriteOptions{})

	report, err := e.mgr.Sync(ctx, SyncOptions{Collections: []string{"users"}})
	require.NoError(t, err)
	require.Len(t, report.Collections, 1)
	cr := report.Collections[0]
	assert.Equal(t, 1, cr.Pulled)
	assert.Equal(t, 1, cr.Pushed)
	assert.Equal(t, adapter.FormatMarker(t0), cr.Marker)
	assert.False(t, report.Failed())

	pulled, _ := e.local.Get(ctx, "users", "r1")
	require.NotNil(t, pulled)
	assert.False(t, pulled.Meta.LocalModified)

	pushed, _ := e.server.Fetch(ctx, "users", "l1")
	require.NotNil(t, pushed)
	local, _ := e.local.Get(ctx, "users", "l1")
	assert.False(t, local.Meta.LocalModified)

	marker, err := e.local.GetLastSyncMarker(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, adapter.FormatMarker(t0), marker)
	assert.Equal(t, 1, e.log.count(Namespace+events.SyncCompleted))

	// second pass only sees what changed after the marker: the pushed record
	report, err = e.mgr.Sync(ctx, SyncOptions{Collections: []string{"users"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Collections[0].Pulled)
	assert.Equal(t, 0, report.Collections[0].Pushed)

	report, err = e.mgr.Sync(ctx, SyncOptions{Collections: []string{"users"}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Collections[0].Pulled)
}

func TestManager_SyncConflictPolicies(t *testing.T) {
	for _, tt := range []struct {
		policy ConflictPolicy
		want   string
	}{
		{ServerWins, `{"price":150}`},
		{ClientWins, `{"price":100}`},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			e := newEnv(t, true, tt.policy)
			ctx := context.Background()

			_, _ = e.mgr.SaveData(ctx, "products", "p1", json.RawMessage(`{"price":100}`), WriteOptions{})
			_, _ = e.server.Put(ctx, &models.Record{
				Collection: "products", ID: "p1",
				Data: json.RawMessage(`{"price":150}`),
				Meta: models.RecordMeta{UpdatedAt: time.Now().Add(time.Minute)},
			})

			report, err := e.mgr.Sync(ctx, SyncOptions{Collections: []string{"products"}})
			require.NoError(t, err)
			assert.Equal(t, 1, report.Collections[0].Conflicts)

			local, _ := e.local.Get(ctx, "products", "p1")
			assert.JSONEq(t, tt.want, string(local.Data))
			assert.False(t, local.Meta.LocalModified)
			server, _ := e.server.Fetch(ctx, "products", "p1")
			assert.JSONEq(t, tt.want, string(server.Data))
		})
	}
}

func TestManager_SyncOffline(t *testing.T) {
	e := newEnv(t, false, ServerWins)
	_, err := e.mgr.Sync(context.Background(), SyncOptions{})
	assert.ErrorIs(t, err, syncerr.ErrOffline)
}

func TestManager_GetDataRemoteReadThrough(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()

	_, _ = e.server.Put(ctx, &models.Record{Collection: "users", ID: "9", Data: json.RawMessage(`{"n":9}`), Meta: models.RecordMeta{UpdatedAt: time.Now()}})

	got, err := e.mgr.GetData(ctx, "users", "9", ReadOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = e.mgr.GetData(ctx, "users", "9", ReadOptions{Remote: true})
	require.NoError(t, err)
	require.NotNil(t, got)

	cached, _ := e.local.Get(ctx, "users", "9")
	require.NotNil(t, cached)
	assert.JSONEq(t, `{"n":9}`, string(cached.Data))
}

func TestManager_Validation(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()

	_, err := e.mgr.SaveData(ctx, "", "1", nil, WriteOptions{})
	assert.ErrorIs(t, err, syncerr.ErrInvalidTask)

	_, err = e.mgr.AddSyncTask(ctx, models.SyncTask{Collection: "users"})
	assert.ErrorIs(t, err, syncerr.ErrInvalidTask)

	task, err := e.mgr.AddSyncTask(ctx, models.SyncTask{Collection: "users", ItemID: "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)

	assert.ErrorIs(t, e.mgr.SetStrategy("fast", scheduler.Overrides{}), syncerr.ErrUnsupportedStrategy)

	_, err = New(Deps{}, Options{})
	assert.ErrorIs(t, err, syncerr.ErrMissingDependency)
}

func TestManager_EventsAreNamespaced(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()

	var got []string
	e.mgr.Subscribe(events.StrategyChanged, func(ev *events.Event) error {
		got = append(got, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
		return nil
	})
	require.NoError(t, e.mgr.Start(ctx))
	require.NoError(t, e.mgr.SetStrategy(scheduler.StrategyUrgent, scheduler.Overrides{}))

	assert.Equal(t, []string{Namespace + events.StrategyChanged}, got)
	assert.Equal(t, 1, e.log.count(Namespace+events.Started))
	assert.Equal(t, 0, e.log.count(events.Started))

	st := e.mgr.GetStatus()
	assert.Equal(t, scheduler.StrategyUrgent, st.Scheduler.Strategy)
	assert.Equal(t, 4, st.Scheduler.MaxConcurrent)
	assert.True(t, st.Network.IsConnected)
	assert.Equal(t, ServerWins, st.Policy)
}

func TestManager_SyncPullFailureKeepsLocalEditsUnpushed(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()

	_, err := e.mgr.SaveData(ctx, "products", "p1", json.RawMessage(`{"price":100}`), WriteOptions{})
	require.NoError(t, err)
	_, _ = e.server.Put(ctx, &models.Record{
		Collection: "products", ID: "p1",
		Data: json.RawMessage(`{"price":150}`),
		Meta: models.RecordMeta{UpdatedAt: time.Now().Add(time.Minute)},
	})
	e.server.changesDown.Store(true)

	report, err := e.mgr.Sync(ctx, SyncOptions{Collections: []string{"products"}})
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	require.Len(t, report.Collections, 1)
	assert.Equal(t, 0, report.Collections[0].Pushed)
	assert.NotEmpty(t, report.Collections[0].Error)
	assert.True(t, report.Failed())
	assert.Equal(t, 1, e.log.count(Namespace+events.SyncFailed))

	server, _ := e.server.Fetch(ctx, "products", "p1")
	assert.JSONEq(t, `{"price":150}`, string(server.Data))
	local, _ := e.local.Get(ctx, "products", "p1")
	assert.True(t, local.Meta.LocalModified)
	marker, _ := e.local.GetLastSyncMarker(ctx, "products")
	assert.Empty(t, marker)

	// once the feed is back the conflict is resolved by policy
	e.server.changesDown.Store(false)
	_, err = e.mgr.Sync(ctx, SyncOptions{Collections: []string{"products"}})
	require.NoError(t, err)
	local, _ = e.local.Get(ctx, "products", "p1")
	assert.JSONEq(t, `{"price":150}`, string(local.Data))
}

func TestManager_NetworkAwareStrategyUsesCurrentNetwork(t *testing.T) {
	e := newEnv(t, true, ServerWins)

	require.NoError(t, e.mgr.SetStrategy(scheduler.StrategyNetworkAware, scheduler.Overrides{}))
	st := e.mgr.GetStatus().Scheduler
	assert.Equal(t, models.NetworkWifi, st.NetworkType)
	assert.Equal(t, 2, st.MaxConcurrent)

	e.monitor.Set(models.NetworkStatus{IsConnected: true, NetworkType: models.NetworkCellular})
	require.NoError(t, e.mgr.SetStrategy(scheduler.StrategyNetworkAware, scheduler.Overrides{}))
	st = e.mgr.GetStatus().Scheduler
	assert.Equal(t, models.NetworkCellular, st.NetworkType)
	assert.Equal(t, 1, st.MaxConcurrent)

	require.NoError(t, e.mgr.SetStrategy(scheduler.StrategyNetworkAware, scheduler.Overrides{NetworkType: models.NetworkEthernet}))
	assert.Equal(t, models.NetworkEthernet, e.mgr.GetStatus().Scheduler.NetworkType)
}

func TestManager_SaveTaskWithoutPayloadEndsInError(t *testing.T) {
	e := newEnv(t, true, ServerWins)
	ctx := context.Background()
	require.NoError(t, e.mgr.Start(ctx))

	task, err := e.mgr.AddSyncTask(ctx, models.SyncTask{Collection: "users", ItemID: "ghost", Operation: models.OpSave})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := e.queue.Get(task.ID)
		return got != nil && got.Status == models.TaskError
	}, waitFor, tick)
	got := e.queue.Get(task.ID)
	assert.Contains(t, got.Error, syncerr.ErrInvalidTask.Error())
	assert.Equal(t, 1, got.Retries)

	remoteRec, _ := e.server.Fetch(ctx, "users", "ghost")
	assert.Nil(t, remoteRec)
}
