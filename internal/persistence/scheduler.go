package persistence

import (
	"context"
	"time"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/observability"

	"github.com/rs/zerolog"
)

// StateSource is the part of the engine the snapshot scheduler reads.
type StateSource interface {
	Snapshot() *engine.State
	Sequence() int64
}

// SnapshotScheduler saves a snapshot every interval when the sequence has
// advanced, then verifies pending snapshots against the persisted log.
type SnapshotScheduler struct {
	sm       *SnapshotManager
	source   StateSource
	interval time.Duration
	lastSeq  int64
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotScheduler(sm *SnapshotManager, source StateSource, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotScheduler {
	return &SnapshotScheduler{
		sm:       sm,
		source:   source,
		interval: interval,
		lastSeq:  source.Sequence(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run takes snapshots until ctx is cancelled.
func (s *SnapshotScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.source.Sequence() == s.lastSeq {
				if _, err := s.sm.VerifyPending(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("snapshot verification failed")
				}
				continue
			}
			if err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// TakeSnapshot saves the current state and verifies whatever snapshots the
// persisted log now covers.
func (s *SnapshotScheduler) TakeSnapshot(ctx context.Context) error {
	start := time.Now()
	state := s.source.Snapshot()

	size, err := s.sm.SaveSnapshot(ctx, state, start)
	if err != nil {
		return err
	}
	s.lastSeq = state.Sequence

	verified, err := s.sm.VerifyPending(ctx)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().
		Int64("sequence", state.Sequence).
		Int("size_bytes", size).
		Int("verified", verified).
		Dur("duration", time.Since(start)).
		Msg("snapshot saved")
	return nil
}
