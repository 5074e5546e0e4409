package reconcile

import "github.com/vesaa/npdash/internal/models"

// DefaultLogCap is the number of log entries a tunnel view keeps.
const DefaultLogCap = 100

// LogBuffer is a bounded newest-first log history. Pushed entries get ids
// from a counter that only grows, so a new entry's id is greater than every
// id already in the buffer.
type LogBuffer struct {
	limit   int
	last    int64
	entries []models.LogEntry
}

// NewLogBuffer creates a buffer holding at most limit entries.
func NewLogBuffer(limit int) *LogBuffer {
	if limit <= 0 {
		limit = DefaultLogCap
	}
	return &LogBuffer{limit: limit, entries: []models.LogEntry{}}
}

// Seed replaces the history with entries loaded from a snapshot. The id
// counter continues from the largest id seen or the number of entries,
// whichever is higher.
func (b *LogBuffer) Seed(entries []models.LogEntry) {
	if len(entries) > b.limit {
		entries = entries[:b.limit]
	}
	b.entries = append(make([]models.LogEntry, 0, b.limit), entries...)
	next := int64(len(entries))
	for _, e := range entries {
		if e.ID > next {
			next = e.ID
		}
	}
	if next > b.last {
		b.last = next
	}
}

// Push prepends e with a fresh id, evicting the oldest entry on overflow.
func (b *LogBuffer) Push(e models.LogEntry) models.LogEntry {
	b.last++
	e.ID = b.last
	if len(b.entries) < b.limit {
		b.entries = append(b.entries, models.LogEntry{})
	}
	copy(b.entries[1:], b.entries[:len(b.entries)-1])
	b.entries[0] = e
	return e
}

// Entries returns a copy of the history, newest first.
func (b *LogBuffer) Entries() []models.LogEntry {
	out := make([]models.LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len is the number of entries held.
func (b *LogBuffer) Len() int { return len(b.entries) }

// LastID is the id the most recent Push assigned.
func (b *LogBuffer) LastID() int64 { return b.last }
