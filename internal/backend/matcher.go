package backend

import (
	"runtime"
	"sync/atomic"

	"dimy/internal/filter"
)

// parallelThreshold is the snapshot size from which a query is scanned by
// the worker pool instead of inline.
const parallelThreshold = 256

type matchCtx struct {
	query Contact
	found *atomic.Bool
}

// MatchWorker scans one chunk of contacts. Chunks started after another
// worker found a match return immediately.
func MatchWorker(a WorkerCtx, b interface{}) interface{} {
	ctx := a.(matchCtx)
	chunk := b.([]Contact)
	for _, c := range chunk {
		if ctx.found.Load() {
			return true
		}
		if c.Matches(ctx.query) {
			ctx.found.Store(true)
			return true
		}
	}
	return false
}

// Matcher answers exposure queries against a Store.
type Matcher struct {
	store *Store
}

func NewMatcher(store *Store) *Matcher {
	return &Matcher{store: store}
}

// QueryExposure reports whether some registered CBF of the same shape as
// qbf overlaps it beyond chance, as decided by filter.MayShare.
func (m *Matcher) QueryExposure(qbf *filter.Filter) bool {
	return m.match(NewContact(qbf), m.store.Snapshot())
}

func (m *Matcher) match(q Contact, contacts []Contact) bool {
	if len(contacts) < parallelThreshold {
		for _, c := range contacts {
			if c.Matches(q) {
				return true
			}
		}
		return false
	}

	chunks := chunk(contacts, 4*runtime.NumCPU())
	pool := NewWorkerPool(uint64(len(chunks)))
	for i, ch := range chunks {
		pool.Add(uint64(i), ch)
	}
	var found atomic.Bool
	pool.Run(MatchWorker, matchCtx{query: q, found: &found})
	return found.Load()
}

func chunk(contacts []Contact, n int) [][]Contact {
	size := (len(contacts) + n - 1) / n
	out := make([][]Contact, 0, n)
	for len(contacts) > 0 {
		if size > len(contacts) {
			size = len(contacts)
		}
		out = append(out, contacts[:size])
		contacts = contacts[size:]
	}
	return out
}
