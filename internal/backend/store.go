package backend

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"dimy/internal/filter"
	"dimy/internal/wire"
)

// Contact is one registered CBF, kept as the compressed set of its set-bit
// positions together with the shape it was built with.
type Contact struct {
	bits       *roaring64.Bitmap
	m, k       uint64
	n          uint64
	registered time.Time
}

// NewContact converts f into its stored form.
func NewContact(f *filter.Filter) Contact {
	bits := roaring64.New()
	f.SetBits(func(i uint) { bits.Add(uint64(i)) })
	bits.RunOptimize()
	return Contact{
		bits:       bits,
		m:          uint64(f.Bits()),
		k:          uint64(f.Hashes()),
		n:          bits.GetCardinality(),
		registered: time.Now(),
	}
}

func (c Contact) Bits() uint64          { return c.m }
func (c Contact) Hashes() uint64        { return c.k }
func (c Contact) Count() uint64         { return c.n }
func (c Contact) Registered() time.Time { return c.registered }

// Matches reports whether q was built with the same shape and shares more
// set bits with c than disjoint filters of their fill would, i.e. plausibly
// holds an item c holds.
func (c Contact) Matches(q Contact) bool {
	if c.m != q.m || c.k != q.k {
		return false
	}
	return filter.MayShare(c.m, c.k, c.n, q.n, c.bits.AndCardinality(q.bits))
}

// #############################################################################

// Store is the append-only set of registered contacts. Identical filters
// registered twice are stored twice; only a retried request, recognised by
// its request id, is applied once.
type Store struct {
	mu       sync.Mutex
	contacts []Contact
	applied  map[wire.RequestID]struct{}
}

func NewStore() *Store {
	return &Store{applied: make(map[wire.RequestID]struct{})}
}

// Register appends c.
func (s *Store) Register(c Contact) {
	s.mu.Lock()
	s.contacts = append(s.contacts, c)
	s.mu.Unlock()
}

// RegisterOnce appends c unless a registration with the same non-zero id
// was already applied. It reports whether c was appended.
func (s *Store) RegisterOnce(id wire.RequestID, c Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !id.IsZero() {
		if _, ok := s.applied[id]; ok {
			return false
		}
		s.applied[id] = struct{}{}
	}
	s.contacts = append(s.contacts, c)
	return true
}

// Snapshot returns the contacts registered so far. Contacts are immutable
// once stored, so the copy can be scanned without the lock.
func (s *Store) Snapshot() []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Contact(nil), s.contacts...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}
