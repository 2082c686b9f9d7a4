// Package reply implements the pending-reply table: the shared store that
// correlates a request id to its completed reply across the aggregator /
// connection-sink boundary.
package reply

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/batchd/errors"
)

var (
	// ErrDuplicateReply indicates a second Put for an id that already holds
	// an unclaimed reply.
	ErrDuplicateReply = errors.New("reply: duplicate reply for request id")
	// ErrTimeout indicates Take exhausted its deadline before a matching Put.
	ErrTimeout = errors.New("reply: wait deadline exceeded")
	// ErrNotFound indicates the entry was garbage-collected by a sweep while
	// the caller waited.
	ErrNotFound = errors.New("reply: entry swept")
)

// Reply is a completed reply value: the payload and meta to frame back to
// the client, or an error kind when the batch failed.
type Reply struct {
	Payload []byte
	Meta    []byte
	ErrKind string // "" for data replies
}

// cell is one correlation slot. done is closed exactly once, by the Put that
// fills it; a sweep only marks filled cells as swept.
type cell struct {
	done       chan struct{}
	value      Reply
	filled     bool
	swept      bool
	insertedAt time.Time
}

// Table maps request ids to completed replies. Put inserts exactly once,
// Take removes exactly once, and a periodic sweep collects replies whose
// client disappeared.
type Table struct {
	mu    sync.Mutex
	cells map[string]*cell

	ttl    time.Duration
	stopGC chan struct{}
	gcOnce sync.Once
}

// NewTable creates a table. ttl bounds how long an unclaimed reply survives;
// ttl <= 0 disables the janitor and entries live until taken.
func NewTable(ttl time.Duration) *Table {
	t := &Table{
		cells:  make(map[string]*cell),
		ttl:    ttl,
		stopGC: make(chan struct{}),
	}
	if ttl > 0 {
		go t.janitor()
	}
	return t
}

// Close stops the background janitor.
func (t *Table) Close() {
	t.gcOnce.Do(func() { close(t.stopGC) })
}

// Put inserts the reply for reqID, waking any blocked Take. A reqID that
// already holds an unclaimed reply fails with ErrDuplicateReply.
func (t *Table) Put(reqID string, r Reply) error {
	t.mu.Lock()
	c, ok := t.cells[reqID]
	if ok && c.filled {
		t.mu.Unlock()
		return errors.Wrapf(ErrDuplicateReply, "reqId %s", reqID)
	}
	if !ok {
		c = &cell{done: make(chan struct{})}
		t.cells[reqID] = c
	}
	c.value = r
	c.filled = true
	c.insertedAt = time.Now()
	close(c.done)
	t.mu.Unlock()
	return nil
}

// Take blocks until the reply for reqID arrives, the context expires
// (ErrTimeout), or a sweep collects the entry (ErrNotFound). The entry is
// removed on success.
func (t *Table) Take(ctx context.Context, reqID string) (Reply, error) {
	t.mu.Lock()
	c, ok := t.cells[reqID]
	if !ok {
		c = &cell{done: make(chan struct{})}
		t.cells[reqID] = c
	}
	t.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		t.mu.Lock()
		// Drop the empty waiter cell so an abandoned wait does not leak.
		// A reply arriving later re-creates the entry and the sweep owns it.
		if cur, ok := t.cells[reqID]; ok && cur == c && !cur.filled {
			delete(t.cells, reqID)
		}
		t.mu.Unlock()
		return Reply{}, errors.Wrapf(ErrTimeout, "reqId %s", reqID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c.swept {
		return Reply{}, errors.Wrapf(ErrNotFound, "reqId %s", reqID)
	}
	if cur, ok := t.cells[reqID]; ok && cur == c {
		delete(t.cells, reqID)
	}
	return c.value, nil
}

// Sweep removes filled entries inserted before olderThan and returns how
// many it collected. Empty waiter cells are left alone: their lifetime is
// owned by the Take that created them.
func (t *Table) Sweep(olderThan time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, c := range t.cells {
		if c.filled && c.insertedAt.Before(olderThan) {
			c.swept = true
			delete(t.cells, id)
			n++
		}
	}
	return n
}

// Len returns the current entry count, waiters included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cells)
}

func (t *Table) janitor() {
	ticker := time.NewTicker(t.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopGC:
			return
		case <-ticker.C:
			t.Sweep(time.Now().Add(-t.ttl))
		}
	}
}
