package scheduler

import (
	"fmt"
	"sort"
	"time"

	"replisync/internal/models"
	"replisync/internal/syncerr"
)

const (
	StrategyDefault      = "default"
	StrategyPowerSaving  = "power-saving"
	StrategyUrgent       = "urgent"
	StrategyNetworkAware = "network-aware"
)

// Strategies lists the built-in strategy names.
var Strategies = []string{StrategyDefault, StrategyPowerSaving, StrategyUrgent, StrategyNetworkAware}

// Overrides replace strategy fields. Zero values leave the field alone.
type Overrides struct {
	MaxConcurrent    int
	ScheduleInterval time.Duration
	NetworkType      string
}

// Strategy is an immutable scheduling policy. Switching strategies swaps the
// whole value.
type Strategy struct {
	Name             string
	MaxConcurrent    int
	ScheduleInterval time.Duration
	NetworkType      string
	less             func(a, b *models.SyncTask) bool
}

// Base is the configured concurrency and interval every strategy scales from.
type Base struct {
	MaxConcurrent    int
	ScheduleInterval time.Duration
}

func (b Base) normalized() Base {
	if b.MaxConcurrent <= 0 {
		b.MaxConcurrent = models.DefaultMaxConcurrent
	}
	if b.ScheduleInterval <= 0 {
		b.ScheduleInterval = 5 * time.Second
	}
	return b
}

// NewStrategy builds a named strategy from the base settings.
func NewStrategy(name string, base Base, o Overrides) (*Strategy, error) {
	base = base.normalized()
	n := base.MaxConcurrent
	interval := base.ScheduleInterval

	s := &Strategy{Name: name}
	switch name {
	case StrategyDefault:
		s.MaxConcurrent = n
		s.ScheduleInterval = interval
		s.less = byPriority
	case StrategyPowerSaving:
		s.MaxConcurrent = max(1, n/2)
		s.ScheduleInterval = interval * 2
		s.less = byPriority
	case StrategyUrgent:
		s.MaxConcurrent = n * 2
		s.ScheduleInterval = max(interval/2, time.Millisecond)
		s.less = byPriorityThenAge
	case StrategyNetworkAware:
		s.NetworkType = o.NetworkType
		if s.NetworkType == "" {
			s.NetworkType = models.NetworkUnknown
		}
		s.MaxConcurrent = networkConcurrency(n, s.NetworkType)
		s.ScheduleInterval = interval
		if unmetered(s.NetworkType) {
			s.less = byPriority
		} else {
			s.less = bySizeThenPriority
		}
	default:
		return nil, syncerr.Config("set strategy", fmt.Errorf("%w: %q", syncerr.ErrUnsupportedStrategy, name))
	}

	if o.MaxConcurrent > 0 {
		s.MaxConcurrent = o.MaxConcurrent
	}
	if o.ScheduleInterval > 0 {
		s.ScheduleInterval = o.ScheduleInterval
	}
	return s, nil
}

// Sort orders tasks for dispatch. Equal tasks keep their incoming order.
func (s *Strategy) Sort(tasks []*models.SyncTask) {
	sort.SliceStable(tasks, func(i, j int) bool { return s.less(tasks[i], tasks[j]) })
}

func unmetered(networkType string) bool {
	return networkType == models.NetworkWifi || networkType == models.NetworkEthernet
}

func networkConcurrency(n int, networkType string) int {
	switch networkType {
	case models.NetworkWifi, models.NetworkEthernet:
		return n
	case models.Network4G, models.Network5G, models.NetworkCellular:
		return max(1, int(float64(n)*0.7))
	default:
		return 1
	}
}

func byPriority(a, b *models.SyncTask) bool {
	return a.Priority > b.Priority
}

func byPriorityThenAge(a, b *models.SyncTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func bySizeThenPriority(a, b *models.SyncTask) bool {
	if sa, sb := a.PayloadSize(), b.PayloadSize(); sa != sb {
		return sa < sb
	}
	return a.Priority > b.Priority
}
