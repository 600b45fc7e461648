package oracle

import "fmt"

// SequenceTracker orders feed values per partition. Gaps are tolerated and
// counted; stale or repeated sequences are reported so the caller can drop
// them. Not safe for concurrent use; the Cache serializes access.
type SequenceTracker struct {
	lastSeen map[string]int64 // partition -> highest accepted sequence
	gaps     map[string]int64
	stale    map[string]int64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		lastSeen: make(map[string]int64),
		gaps:     make(map[string]int64),
		stale:    make(map[string]int64),
	}
}

func partition(kind Kind, ref string) string {
	return fmt.Sprintf("%s:%s", kind, ref)
}

// Accept reports whether seq advances the partition. A jump of more than one
// is accepted and counted as a gap. Sequence zero means the feed does not
// number its values; such updates are always accepted.
func (t *SequenceTracker) Accept(kind Kind, ref string, seq int64) (accepted, gap bool) {
	if seq == 0 {
		return true, false
	}
	p := partition(kind, ref)
	last, seen := t.lastSeen[p]
	if seen && seq <= last {
		t.stale[p]++
		return false, false
	}
	if seen && seq > last+1 {
		t.gaps[p]++
		gap = true
	}
	t.lastSeen[p] = seq
	return true, gap
}

// Last returns the highest accepted sequence for the partition.
func (t *SequenceTracker) Last(kind Kind, ref string) int64 {
	return t.lastSeen[partition(kind, ref)]
}

// Resume sets the partition's position, e.g. from a durable consumer's
// acknowledged sequence.
func (t *SequenceTracker) Resume(kind Kind, ref string, seq int64) {
	t.lastSeen[partition(kind, ref)] = seq
}

func (t *SequenceTracker) Gaps(kind Kind, ref string) int64 {
	return t.gaps[partition(kind, ref)]
}

func (t *SequenceTracker) Stale(kind Kind, ref string) int64 {
	return t.stale[partition(kind, ref)]
}
