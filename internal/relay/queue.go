package relay

import (
	"time"

	"github.com/mossy-p/call-relay/internal/models"
)

// Queue holds pending call requests in arrival order, at most one per caller.
// Not safe for concurrent use.
type Queue struct {
	entries []models.QueueEntry
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a request unless callerID is already waiting.
func (q *Queue) Enqueue(connID, callerID, displayName string, now time.Time) bool {
	if q.indexOf(callerID) >= 0 {
		return false
	}
	q.entries = append(q.entries, models.QueueEntry{
		CallerID:    callerID,
		DisplayName: displayName,
		CreatedAt:   now,
		ConnID:      connID,
	})
	return true
}

// Dequeue removes and returns the entry for callerID.
func (q *Queue) Dequeue(callerID string) (models.QueueEntry, bool) {
	i := q.indexOf(callerID)
	if i < 0 {
		return models.QueueEntry{}, false
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return e, true
}

// RemoveAllFor drops every entry owned by connID and returns how many went.
func (q *Queue) RemoveAllFor(connID string) int {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.ConnID != connID {
			kept = append(kept, e)
		}
	}
	removed := len(q.entries) - len(kept)
	clear(q.entries[len(kept):])
	q.entries = kept
	return removed
}

// Snapshot renders the queue in FIFO order with wait times measured at now.
func (q *Queue) Snapshot(now time.Time) []models.QueueItem {
	items := make([]models.QueueItem, 0, len(q.entries))
	for _, e := range q.entries {
		items = append(items, e.Item(now))
	}
	return items
}

func (q *Queue) Len() int {
	return len(q.entries)
}

func (q *Queue) indexOf(callerID string) int {
	for i, e := range q.entries {
		if e.CallerID == callerID {
			return i
		}
	}
	return -1
}
