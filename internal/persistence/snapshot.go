package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/event"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded engine.State.
const snapshotFormatVersion = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. A snapshot is only loaded once it has been verified against
// the persisted event at its sequence.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an unverified snapshot and returns its encoded
// size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, state *engine.State, takenAt time.Time) (int, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.NewString(), state.Sequence, string(data), state.StateHash[:], snapshotFormatVersion, len(data), takenAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", state.Sequence, err)
	}
	return len(data), nil
}

// VerifyPending checks every unverified snapshot whose sequence has been
// persisted: a matching state hash marks it verified, a mismatch deletes
// it. It returns the number verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT s.sequence, s.state_hash, e.state_hash
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.verified = FALSE
		ORDER BY s.sequence ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("list unverified snapshots: %w", err)
	}

	type check struct {
		seq      int64
		snapHash []byte
		logHash  []byte
	}
	var checks []check
	for rows.Next() {
		var c check
		if err := rows.Scan(&c.seq, &c.snapHash, &c.logHash); err != nil {
			rows.Close()
			return 0, err
		}
		checks = append(checks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	verified := 0
	for _, c := range checks {
		if bytes.Equal(c.snapHash, c.logHash) {
			if err := sm.MarkVerified(ctx, c.seq); err != nil {
				return verified, err
			}
			verified++
			continue
		}
		if _, err := sm.db.ExecContext(ctx, `DELETE FROM event_log.snapshots WHERE sequence = $1`, c.seq); err != nil {
			return verified, fmt.Errorf("discard snapshot %d: %w", c.seq, err)
		}
	}
	return verified, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*engine.State, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var state engine.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &state, nil
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence, in
// order, for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, request_id, market_id, event_time,
		       payload, records, state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*event.Envelope
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.Sequence, &r.EventID, &r.EventType, &r.RequestID, &r.MarketID, &r.EventTime,
			&r.Payload, &r.Records, &r.StateHash, &r.PrevHash,
		); err != nil {
			return nil, err
		}
		env, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

// Replayer is the part of the engine recovery needs.
type Replayer interface {
	Restore(s *engine.State) error
	Replay(env *event.Envelope) error
	SyncMetrics()
}

// Recover restores the latest verified snapshot, if any, and replays the
// event log after it in pages of pageSize. It returns the number of
// replayed events.
func (sm *SnapshotManager) Recover(ctx context.Context, r Replayer, pageSize int) (snapshotSeq int64, replayed int, err error) {
	state, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	if state != nil {
		if err := r.Restore(state); err != nil {
			return 0, 0, fmt.Errorf("restore snapshot %d: %w", state.Sequence, err)
		}
		snapshotSeq = state.Sequence
	}

	next := snapshotSeq + 1
	for {
		envs, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return snapshotSeq, replayed, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, env := range envs {
			if err := r.Replay(env); err != nil {
				return snapshotSeq, replayed, err
			}
			replayed++
		}
		if len(envs) < pageSize {
			break
		}
		next = envs[len(envs)-1].Sequence + 1
	}
	r.SyncMetrics()
	return snapshotSeq, replayed, nil
}
