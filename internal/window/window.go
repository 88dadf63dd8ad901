// Package window keeps the rolling window of per-epoch Bloom filters (DBFs)
// a node accumulates encounters into, and periodically merges the window
// into a query filter (QBF) that is uploaded to the backend.
//
// Three timers run independently of each other and of encounters:
//
//   - every EpochDBF the active DBF is frozen and a new one opened,
//   - the window never holds more than Size DBFs, oldest evicted first,
//   - every EpochQBF all DBFs are merged and uploaded; the window is cleared
//     only once the upload succeeded.
package window

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dimy/internal/filter"
)

var ErrFrozen = errors.New("window: DBF is frozen")

// Uploader consumes an aggregated query filter. Every retry of one
// aggregation passes the same qbf.
type Uploader interface {
	Upload(ctx context.Context, qbf *filter.Filter) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, qbf *filter.Filter) error

func (f UploaderFunc) Upload(ctx context.Context, qbf *filter.Filter) error { return f(ctx, qbf) }

type Config struct {
	EpochDBF time.Duration
	Size     int
	EpochQBF time.Duration
	Filter   filter.Params
	// UploadMaxElapsed bounds the retries of one aggregation; zero means a
	// single attempt.
	UploadMaxElapsed time.Duration
}

func DefaultConfig() Config {
	return Config{
		EpochDBF:         90 * time.Second,
		Size:             6,
		EpochQBF:         9 * time.Minute,
		Filter:           filter.DefaultParams(),
		UploadMaxElapsed: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.EpochDBF <= 0 || c.EpochQBF <= 0 {
		return fmt.Errorf("window: epochs must be positive (dbf=%s qbf=%s)", c.EpochDBF, c.EpochQBF)
	}
	if c.Size < 1 {
		return fmt.Errorf("window: size %d must be at least 1", c.Size)
	}
	return c.Filter.Validate()
}

// DBF is the filter of one epoch.
type DBF struct {
	filter *filter.Filter
	opened time.Time
	frozen bool
	items  int
}

func (d *DBF) Opened() time.Time { return d.opened }
func (d *DBF) Frozen() bool      { return d.frozen }
func (d *DBF) Items() int        { return d.items }

// Test reports whether item may be in the DBF.
func (d *DBF) Test(item []byte) bool { return d.filter.Test(item) }

func (d *DBF) insert(item []byte) error {
	if d.frozen {
		return ErrFrozen
	}
	d.filter.Add(item)
	d.items++
	return nil
}

type Stats struct {
	Rotations      int
	Evictions      int
	Aggregations   int
	UploadFailures int
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg        Config
	uploader   Uploader
	log        *log.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu            sync.Mutex
	dbfs          []*DBF
	lastRotate    time.Time
	lastAggregate time.Time
	pending       *aggregation
	stats         Stats
}

// aggregation is a QBF whose upload has not succeeded yet.
type aggregation struct {
	qbf      *filter.Filter
	included map[*DBF]int
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBackOff replaces the upload retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = fn }
}

func New(cfg Config, up Uploader, logger *log.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, uploader: up, log: logger, now: time.Now}
	m.newBackOff = m.defaultBackOff
	for _, opt := range opts {
		opt(m)
	}
	start := m.now()
	m.lastRotate, m.lastAggregate = start, start
	return m, nil
}

func (m *Manager) defaultBackOff() backoff.BackOff {
	if m.cfg.UploadMaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.cfg.UploadMaxElapsed
	return b
}

// #############################################################################

// Insert adds item to the active DBF, opening one if the window is empty.
func (m *Manager) Insert(item []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked().insert(item)
}

func (m *Manager) activeLocked() *DBF {
	if n := len(m.dbfs); n > 0 {
		return m.dbfs[n-1]
	}
	return m.openLocked()
}

// openLocked appends a new empty DBF and evicts down to Size, so the window
// is never observed over its bound.
func (m *Manager) openLocked() *DBF {
	d := &DBF{filter: filter.New(m.cfg.Filter), opened: m.now()}
	m.dbfs = append(m.dbfs, d)
	for len(m.dbfs) > m.cfg.Size {
		m.dbfs[0] = nil
		m.dbfs = m.dbfs[1:]
		m.stats.Evictions++
		m.log.Printf("evicted oldest DBF / window=%d\n", len(m.dbfs))
	}
	return d
}

// Maintain runs the rotation, eviction and aggregation steps that are due.
// It is called every round whether or not an encounter happened.
func (m *Manager) Maintain(ctx context.Context) error {
	m.mu.Lock()
	now := m.now()
	for i := 0; now.Sub(m.lastRotate) >= m.cfg.EpochDBF; i++ {
		m.rotateLocked()
		m.lastRotate = m.lastRotate.Add(m.cfg.EpochDBF)
		if i >= m.cfg.Size {
			// older epochs would be evicted anyway
			m.lastRotate = now
		}
	}
	due := now.Sub(m.lastAggregate) >= m.cfg.EpochQBF
	m.mu.Unlock()

	if !due {
		return nil
	}
	return m.Aggregate(ctx)
}

// Rotate freezes the active DBF and opens a new one.
func (m *Manager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	m.lastRotate = m.now()
}

func (m *Manager) rotateLocked() {
	if n := len(m.dbfs); n > 0 {
		m.dbfs[n-1].frozen = true
	}
	m.openLocked()
	m.stats.Rotations++
	m.log.Printf("rotated DBF / window=%d\n", len(m.dbfs))
}

// Aggregate merges every DBF in the window into a QBF and uploads it. The
// merged DBFs are removed and the aggregation timer reset only after the
// upload succeeded; on failure the window is kept as it was and the active
// DBF keeps taking encounters. A DBF that received inserts while the upload
// was in flight stays for the next aggregation.
func (m *Manager) Aggregate(ctx context.Context) error {
	m.mu.Lock()
	if len(m.dbfs) == 0 {
		m.pending = nil
		m.lastAggregate = m.now()
		m.stats.Aggregations++
		m.mu.Unlock()
		return nil
	}
	qbf, included, err := m.mergeLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("window: merge: %w", err)
	}

	if !qbf.Empty() {
		if err := m.upload(ctx, qbf); err != nil {
			m.mu.Lock()
			m.stats.UploadFailures++
			m.mu.Unlock()
			return fmt.Errorf("window: upload QBF: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(included)
	m.pending = nil
	m.lastAggregate = m.now()
	m.stats.Aggregations++
	m.log.Printf("aggregated %d DBFs into QBF (%d bits set) / window=%d\n", len(included), qbf.Count(), len(m.dbfs))
	return nil
}

// mergeLocked returns the union of the window and the item count of every
// DBF it covers. When nothing was inserted since the last failed attempt
// the same QBF is returned, so an uploader sees one filter per aggregation
// however often it is retried.
func (m *Manager) mergeLocked() (*filter.Filter, map[*DBF]int, error) {
	included := make(map[*DBF]int, len(m.dbfs))
	filters := make([]*filter.Filter, 0, len(m.dbfs))
	for _, d := range m.dbfs {
		included[d] = d.items
		if d.items > 0 {
			filters = append(filters, d.filter)
		}
	}
	if m.pending != nil && sameContent(m.pending.included, included) {
		return m.pending.qbf, included, nil
	}
	qbf, err := filter.Union(m.cfg.Filter, filters...)
	if err != nil {
		return nil, nil, err
	}
	m.pending = &aggregation{qbf: qbf, included: included}
	return qbf, included, nil
}

// sameContent compares the non-empty DBFs of two merges.
func sameContent(a, b map[*DBF]int) bool {
	nonEmpty := func(x, y map[*DBF]int) bool {
		for d, n := range x {
			if n > 0 && y[d] != n {
				return false
			}
		}
		return true
	}
	return nonEmpty(a, b) && nonEmpty(b, a)
}

func (m *Manager) upload(ctx context.Context, qbf *filter.Filter) error {
	op := func() error {
		err := m.uploader.Upload(ctx, qbf)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			m.log.Printf("upload attempt failed: %v\n", err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(m.newBackOff(), ctx))
}

// removeLocked drops the DBFs an upload covered, except those that received
// inserts after the merge.
func (m *Manager) removeLocked(included map[*DBF]int) {
	kept := m.dbfs[:0]
	for _, d := range m.dbfs {
		if n, ok := included[d]; !ok || d.items != n {
			kept = append(kept, d)
		}
	}
	for i := len(kept); i < len(m.dbfs); i++ {
		m.dbfs[i] = nil
	}
	m.dbfs = kept
}

// #############################################################################

// Len returns the number of DBFs in the window.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dbfs)
}

// Snapshot returns the DBFs in the window, oldest first. The returned DBFs
// must not be mutated.
func (m *Manager) Snapshot() []*DBF {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*DBF(nil), m.dbfs...)
}

// SinceAggregation returns the time elapsed on the aggregation timer.
func (m *Manager) SinceAggregation() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastAggregate)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
