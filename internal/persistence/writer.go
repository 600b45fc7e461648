package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"SecuritiesVenue/internal/event"

	"github.com/goccy/go-json"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes to event_log.events using multi-row
// INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events. Payload is stored as JSON
// text, not JSONB, so the hashed bytes read back unchanged.
type EventRow struct {
	Sequence  int64
	EventID   string
	EventType string
	RequestID sql.NullString
	MarketID  string
	EventTime int64
	Payload   []byte
	Records   []byte // nil unless the envelope closes a command
	StateHash []byte
	PrevHash  []byte
}

const eventColumns = 10

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowFromEnvelope flattens an envelope for storage.
func RowFromEnvelope(env *event.Envelope) (EventRow, error) {
	row := EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.EventType.String(),
		RequestID: sql.NullString{String: env.RequestID, Valid: env.RequestID != ""},
		MarketID:  env.MarketID,
		EventTime: env.Timestamp,
		Payload:   env.Payload,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
	}
	if env.Records != nil {
		b, err := json.Marshal(env.Records)
		if err != nil {
			return EventRow{}, fmt.Errorf("marshal records for sequence %d: %w", env.Sequence, err)
		}
		row.Records = b
	}
	return row, nil
}

// Envelope is the inverse of RowFromEnvelope.
func (r EventRow) Envelope() (*event.Envelope, error) {
	t, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	env := &event.Envelope{
		Sequence:  r.Sequence,
		EventID:   r.EventID,
		RequestID: r.RequestID.String,
		EventType: t,
		MarketID:  r.MarketID,
		Timestamp: r.EventTime,
		Payload:   r.Payload,
	}
	if err := copyHash(&env.StateHash, r.StateHash); err != nil {
		return nil, fmt.Errorf("sequence %d state hash: %w", r.Sequence, err)
	}
	if err := copyHash(&env.PrevHash, r.PrevHash); err != nil {
		return nil, fmt.Errorf("sequence %d prev hash: %w", r.Sequence, err)
	}
	if len(r.Records) > 0 {
		env.Records = &event.Records{}
		if err := json.Unmarshal(r.Records, env.Records); err != nil {
			return nil, fmt.Errorf("sequence %d records: %w", r.Sequence, err)
		}
	}
	return env, nil
}

func copyHash(dst *event.Hash, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(src))
	}
	copy(dst[:], src)
	return nil
}

// insertEventsQuery builds the multi-row INSERT for n rows.
func insertEventsQuery(n int) string {
	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.events
		(sequence, event_id, event_type, request_id, market_id, event_time, payload, records, state_hash, prev_hash)
		VALUES `)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * eventColumns
		b.WriteString("(")
		for c := 1; c <= eventColumns; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", base+c)
		}
		b.WriteString(")")
	}
	b.WriteString(" ON CONFLICT (sequence) DO NOTHING") // Idempotent writes
	return b.String()
}

// WriteEventBatch writes a batch of rows through ex.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*eventColumns)
	for _, r := range rows {
		// lib/pq sends []byte as bytea; JSON columns need text
		records := sql.NullString{String: string(r.Records), Valid: r.Records != nil}
		args = append(args,
			r.Sequence, r.EventID, r.EventType, r.RequestID, r.MarketID,
			r.EventTime, string(r.Payload), records, r.StateHash, r.PrevHash,
		)
	}

	_, err := ex.ExecContext(ctx, insertEventsQuery(len(rows)), args...)
	return err
}
