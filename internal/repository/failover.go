package repository

import (
	"context"
	"sync/atomic"
	"time"

	"replisync/internal/domain"

	"github.com/rs/zerolog"
)

const defaultRecoverAfter = time.Minute

// FailoverStore serves from primary and falls back to a secondary store while
// the primary is failing. The primary is retried once recoverAfter has passed.
type FailoverStore struct {
	primary      domain.Store
	fallback     domain.Store
	logger       *zerolog.Logger
	isDown       atomic.Bool
	lastCheck    atomic.Int64
	recoverAfter time.Duration
}

func NewFailoverStore(primary, fallback domain.Store, logger *zerolog.Logger) *FailoverStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStore{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: defaultRecoverAfter,
	}
}

func (s *FailoverStore) usePrimary() bool {
	if !s.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, s.lastCheck.Load())) > s.recoverAfter
}

func (s *FailoverStore) markDown(err error) {
	if !s.isDown.Swap(true) {
		s.logger.Error().Err(err).Msg("primary store failed, falling back to secondary")
	}
	s.lastCheck.Store(time.Now().UnixNano())
}

func (s *FailoverStore) markUp() {
	if s.isDown.Swap(false) {
		s.logger.Info().Msg("primary store recovered")
	}
}

func (s *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.usePrimary() {
		val, err := s.primary.Get(ctx, key)
		if err == nil {
			s.markUp()
			return val, nil
		}
		s.markDown(err)
	}
	return s.fallback.Get(ctx, key)
}

func (s *FailoverStore) Set(ctx context.Context, key string, value []byte) error {
	if s.usePrimary() {
		err := s.primary.Set(ctx, key, value)
		if err == nil {
			s.markUp()
			return nil
		}
		s.markDown(err)
	}
	return s.fallback.Set(ctx, key, value)
}

func (s *FailoverStore) Remove(ctx context.Context, key string) error {
	if s.usePrimary() {
		err := s.primary.Remove(ctx, key)
		if err == nil {
			s.markUp()
			return nil
		}
		s.markDown(err)
	}
	return s.fallback.Remove(ctx, key)
}

func (s *FailoverStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.usePrimary() {
		keys, err := s.primary.Keys(ctx, prefix)
		if err == nil {
			s.markUp()
			return keys, nil
		}
		s.markDown(err)
	}
	return s.fallback.Keys(ctx, prefix)
}
