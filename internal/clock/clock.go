package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSource is the venue's authoritative clock endpoint.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Synchronizer maintains a measured offset between the local clock and the
// venue clock. A failed sync keeps the previous offset in effect: a stale
// offset is an accepted risk, an absent one is not.
type Synchronizer struct {
	source     TimeSource
	interval   time.Duration
	rttWarning time.Duration
	log        *zap.Logger

	mu       sync.RWMutex
	offset   time.Duration
	syncedAt time.Time
}

func New(source TimeSource, interval, rttWarning time.Duration, log *zap.Logger) *Synchronizer {
	return &Synchronizer{
		source:     source,
		interval:   interval,
		rttWarning: rttWarning,
		log:        log,
	}
}

// Sync measures the offset once: offset = server − (t0 + rtt/2).
func (s *Synchronizer) Sync(ctx context.Context) error {
	t0 := time.Now()
	serverTime, err := s.source.ServerTime(ctx)
	t1 := time.Now()
	if err != nil {
		s.log.Warn("time sync failed, keeping previous offset", zap.Error(err))
		return err
	}
	rtt := t1.Sub(t0)
	offset := serverTime.Sub(t0.Add(rtt / 2))
	s.mu.Lock()
	s.offset = offset
	s.syncedAt = t1
	s.mu.Unlock()
	if rtt > s.rttWarning {
		s.log.Warn("time sync round-trip high, offset accuracy degraded",
			zap.Duration("rtt", rtt),
			zap.Duration("offset", offset),
		)
		return nil
	}
	s.log.Debug("time synced", zap.Duration("offset", offset), zap.Duration("rtt", rtt))
	return nil
}

// Now returns the local clock corrected by the measured offset.
func (s *Synchronizer) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().Add(s.offset)
}

// Offset returns the current correction and when it was measured.
func (s *Synchronizer) Offset() (time.Duration, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, s.syncedAt
}

// Start resynchronizes on a fixed cadence until ctx is canceled.
func (s *Synchronizer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Sync(ctx)
			}
		}
	}()
}
