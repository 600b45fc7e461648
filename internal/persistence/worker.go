package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on that channel with blocking sends, so if this worker
// falls behind the engine stalls and no event is lost.
//
// Only whole commands are written: rows after the last commit-closing
// envelope wait for the rest of their command, so the log never ends in
// the middle of one.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// pendingBatch accumulates rows and remembers where the last complete
// command ends.
type pendingBatch struct {
	rows      []EventRow
	committed int
}

func (b *pendingBatch) add(row EventRow, commitEnd bool) {
	b.rows = append(b.rows, row)
	if commitEnd {
		b.committed = len(b.rows)
	}
}

// take removes and returns the committed prefix.
func (b *pendingBatch) take() []EventRow {
	if b.committed == 0 {
		return nil
	}
	out := make([]EventRow, b.committed)
	copy(out, b.rows[:b.committed])
	n := copy(b.rows, b.rows[b.committed:])
	b.rows = b.rows[:n]
	b.committed = 0
	return out
}

// Run starts the persistence worker loop. It flushes complete commands when
// the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled or the channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{rows: make([]EventRow, 0, pw.batchSize)}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	finish := func() {
		if rows := batch.take(); len(rows) > 0 {
			if err := pw.flush(context.Background(), rows); err != nil {
				pw.logger.Error().Err(err).Int("events", len(rows)).Msg("final flush failed")
			}
		}
		if len(batch.rows) > 0 {
			pw.logger.Warn().
				Int("events", len(batch.rows)).
				Int64("first_sequence", batch.rows[0].Sequence).
				Msg("dropping events of an incomplete command")
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				finish()
				return nil
			}

			row, err := RowFromEnvelope(out.Envelope)
			if err != nil {
				// Records are plain structs; this only fails on a programming error
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				return fmt.Errorf("persist: %w", err)
			}
			batch.add(row, out.Envelope.CommitEnd())

			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}

			if batch.committed >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch.take()); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if rows := batch.take(); len(rows) > 0 {
				if err := pw.flushWithRetry(ctx, rows); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without it.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, rows []EventRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(rows)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, rows []EventRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, rows); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(rows)))
		pw.metrics.PersistEventsWritten.Add(float64(len(rows)))
		pw.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}
