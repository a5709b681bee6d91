package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replisync/internal/config"
	"replisync/internal/manager"
	"replisync/internal/models"
	"replisync/internal/scheduler"
	"replisync/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) GetStatus() manager.Status {
	args := m.Called()
	return args.Get(0).(manager.Status)
}

func (m *mockEngine) Sync(ctx context.Context, opts manager.SyncOptions) (*manager.SyncReport, error) {
	args := m.Called(ctx, opts)
	report, _ := args.Get(0).(*manager.SyncReport)
	return report, args.Error(1)
}

func (m *mockEngine) AddSyncTask(ctx context.Context, task models.SyncTask) (*models.SyncTask, error) {
	args := m.Called(ctx, task)
	out, _ := args.Get(0).(*models.SyncTask)
	return out, args.Error(1)
}

func (m *mockEngine) CancelTask(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockEngine) SetStrategy(name string, o scheduler.Overrides) error {
	return m.Called(name, o).Error(0)
}

type fakeNetwork struct {
	status models.NetworkStatus
}

func (f *fakeNetwork) Status() models.NetworkStatus { return f.status }

func (f *fakeNetwork) Set(status models.NetworkStatus) bool {
	changed := f.status != status
	f.status = status
	return changed
}

func newTestServer(cfg config.APIConfig, engine Engine, network NetworkControl) http.Handler {
	return NewHTTPServer(cfg, engine, network, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_Health(t *testing.T) {
	cfg := config.APIConfig{Auth: config.APIAuthConfig{Enabled: true}}
	h := newTestServer(cfg, &mockEngine{}, nil)

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestHTTPServer_Status(t *testing.T) {
	engine := &mockEngine{}
	engine.On("GetStatus").Return(manager.Status{
		Queue:  models.QueueStatus{PendingCount: 2},
		Policy: manager.ServerWins,
	})
	h := newTestServer(config.APIConfig{}, engine, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got manager.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Queue.PendingCount)
	assert.Equal(t, manager.ServerWins, got.Policy)

	rec = do(t, h, http.MethodPost, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPServer_Sync(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Sync", mock.Anything, manager.SyncOptions{Collections: []string{"notes"}, Force: true}).
		Return(&manager.SyncReport{Collections: []manager.CollectionReport{{Collection: "notes", Pulled: 3}}}, nil)
	h := newTestServer(config.APIConfig{}, engine, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/sync", `{"collections":["notes"],"force":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pulled":3`)
	engine.AssertExpectations(t)
}

func TestHTTPServer_SyncPartialFailure(t *testing.T) {
	engine := &mockEngine{}
	report := &manager.SyncReport{Collections: []manager.CollectionReport{{Collection: "notes", PushFailed: 1}}}
	engine.On("Sync", mock.Anything, manager.SyncOptions{}).Return(report, nil)
	h := newTestServer(config.APIConfig{}, engine, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/sync", "", nil)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
}

func TestHTTPServer_SyncOffline(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Sync", mock.Anything, mock.Anything).Return(nil, syncerr.Transient("sync", syncerr.ErrOffline))
	h := newTestServer(config.APIConfig{}, engine, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/sync", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPServer_AddTask(t *testing.T) {
	engine := &mockEngine{}
	expected := models.SyncTask{Collection: "notes", ItemID: "n1", Priority: 7, Operation: models.OpSave}
	engine.On("AddSyncTask", mock.Anything, expected).
		Return(&models.SyncTask{ID: "t-1", Collection: "notes", ItemID: "n1", Priority: 7, Status: models.TaskPending}, nil)
	h := newTestServer(config.APIConfig{}, engine, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", `{"collection":"notes","item_id":"n1","priority":7,"operation":"save"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"t-1"`)
	engine.AssertExpectations(t)
}

func TestHTTPServer_AddTaskValidation(t *testing.T) {
	engine := &mockEngine{}
	engine.On("AddSyncTask", mock.Anything, mock.Anything).
		Return(nil, syncerr.Config("add task", syncerr.ErrInvalidTask))
	h := newTestServer(config.APIConfig{}, engine, nil)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"unknown field", `{"collection":"notes","item_id":"n1","bogus":1}`},
		{"priority out of range", `{"collection":"notes","item_id":"n1","priority":11}`},
		{"bad operation", `{"collection":"notes","item_id":"n1","operation":"merge"}`},
		{"rejected by engine", `{"collection":"","item_id":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/tasks", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHTTPServer_CancelTask(t *testing.T) {
	engine := &mockEngine{}
	engine.On("CancelTask", mock.Anything, "t-1").Return(nil)
	engine.On("CancelTask", mock.Anything, "missing").Return(syncerr.ErrNotFound)
	engine.On("CancelTask", mock.Anything, "done").Return(syncerr.Permanent("cancel", syncerr.ErrNotCancellable))
	h := newTestServer(config.APIConfig{}, engine, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/v1/tasks/t-1", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/v1/tasks/missing", "", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodDelete, "/api/v1/tasks/done", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodDelete, "/api/v1/tasks/", "", nil).Code)
}

func TestHTTPServer_Strategy(t *testing.T) {
	engine := &mockEngine{}
	engine.On("SetStrategy", "urgent", scheduler.Overrides{MaxConcurrent: 8, ScheduleInterval: 2 * time.Second}).Return(nil)
	engine.On("SetStrategy", "turbo", scheduler.Overrides{}).
		Return(syncerr.Config("set strategy", syncerr.ErrUnsupportedStrategy))
	engine.On("GetStatus").Return(manager.Status{Scheduler: scheduler.Stats{Strategy: "urgent", MaxConcurrent: 8}})
	h := newTestServer(config.APIConfig{}, engine, nil)

	rec := do(t, h, http.MethodPut, "/api/v1/strategy", `{"name":"urgent","max_concurrent":8,"schedule_interval":"2s"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "urgent")

	rec = do(t, h, http.MethodPut, "/api/v1/strategy", `{"name":"turbo"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/strategy", `{"name":"urgent","schedule_interval":"soon"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPServer_Network(t *testing.T) {
	network := &fakeNetwork{status: models.NetworkStatus{IsConnected: true, NetworkType: "wifi"}}
	h := newTestServer(config.APIConfig{}, &mockEngine{}, network)

	rec := do(t, h, http.MethodPut, "/api/v1/network", `{"is_connected":false,"network_type":"none"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":true`)
	assert.False(t, network.status.IsConnected)

	rec = do(t, h, http.MethodGet, "/api/v1/network", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := newTestServer(config.APIConfig{}, &mockEngine{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodGet, "/api/v1/network", "", nil).Code)
}

func TestHTTPAuth(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys: []config.APIClientKey{
				{Key: "reader-key", Name: "reader", Permissions: []string{PermReadStatus}},
				{Key: "admin-key", Name: "admin"},
			},
		},
	}
	engine := &mockEngine{}
	engine.On("GetStatus").Return(manager.Status{})
	engine.On("CancelTask", mock.Anything, "t-1").Return(nil)
	h := newTestServer(cfg, engine, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/api/v1/status", "", map[string]string{"X-API-Key": "nope"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/v1/status", "", map[string]string{"X-API-Key": "reader-key"}).Code)
	assert.Equal(t, http.StatusForbidden,
		do(t, h, http.MethodDelete, "/api/v1/tasks/t-1", "", map[string]string{"X-API-Key": "reader-key"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodDelete, "/api/v1/tasks/t-1", "", map[string]string{"X-API-Key": "admin-key"}).Code)
}

func TestHTTPAuth_RateLimit(t *testing.T) {
	cfg := config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 2}}
	engine := &mockEngine{}
	engine.On("GetStatus").Return(manager.Status{})
	h := newTestServer(cfg, engine, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/status", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/status", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/v1/status", "", nil).Code)
}

func TestHTTPServer_SyncEmptyBodyOfUnknownLength(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Sync", mock.Anything, manager.SyncOptions{}).Return(&manager.SyncReport{}, nil)
	h := newTestServer(config.APIConfig{}, engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	engine.AssertExpectations(t)

	rec = do(t, h, http.MethodPost, "/api/v1/sync", `{"collections":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
