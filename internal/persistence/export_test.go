package persistence

// Test hooks for unexported helpers.

type PendingBatch = pendingBatch

var (
	InsertEventsQuery = insertEventsQuery
	ExtractVersion    = extractVersion
)

func (b *pendingBatch) Add(row EventRow, commitEnd bool) { b.add(row, commitEnd) }
func (b *pendingBatch) Take() []EventRow                 { return b.take() }
func (b *pendingBatch) Len() int                         { return len(b.rows) }
