// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"slices"
	"sync"
	"time"

	"replisync/internal/models"

	"github.com/rs/zerolog"
)

// Pinger checks remote reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the current network status and notifies subscribers, in
// registration order, whenever it changes.
type Monitor struct {
	mu       sync.RWMutex
	status   models.NetworkStatus
	handlers []func(models.NetworkStatus)
	logger   *zerolog.Logger
}

func NewMonitor(initial models.NetworkStatus, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if initial.NetworkType == "" {
		initial.NetworkType = models.NetworkUnknown
	}
	return &Monitor{status: initial, logger: logger}
}

func (m *Monitor) Status() models.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) IsOnline() bool {
	return m.Status().IsConnected
}

func (m *Monitor) Subscribe(handler func(models.NetworkStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Set records a new status and reports whether it differed from the old one.
// Subscribers run synchronously on the caller's goroutine.
func (m *Monitor) Set(status models.NetworkStatus) bool {
	if !status.IsConnected {
		status.NetworkType = models.NetworkNone
	} else if status.NetworkType == "" {
		status.NetworkType = models.NetworkUnknown
	}

	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return false
	}
	m.status = status
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()

	m.logger.Info().
		Bool("connected", status.IsConnected).
		Str("network_type", status.NetworkType).
		Msg("network status changed")

	for _, h := range handlers {
		h(status)
	}
	return true
}

// Probe pings the remote store every interval and reports the result as the
// connectivity signal until ctx is done. networkType is reported while the
// remote answers.
func (m *Monitor) Probe(ctx context.Context, pinger Pinger, interval time.Duration, networkType string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := pinger.Ping(pctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Debug().Err(err).Msg("remote probe failed")
		}
		if ctx.Err() != nil {
			return
		}
		m.Set(models.NetworkStatus{IsConnected: err == nil, NetworkType: networkType})
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
