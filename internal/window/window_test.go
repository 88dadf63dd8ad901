package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"dimy/internal/filter"
	"dimy/internal/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	uploads []*filter.Filter
	fail    int
}

func (r *recorder) Upload(ctx context.Context, qbf *filter.Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("backend unreachable")
	}
	r.uploads = append(r.uploads, qbf)
	return nil
}

func testConfig() Config {
	return Config{
		EpochDBF: 90 * time.Second,
		Size:     6,
		EpochQBF: 9 * time.Minute,
		Filter:   filter.Params{Capacity: 1000, FalsePositiveRate: 0.01},
	}
}

func newManager(t *testing.T, cfg Config, up Uploader, clock *fakeClock) *Manager {
	m, err := New(cfg, up, logger.Discard(),
		WithClock(clock.Now),
		WithBackOff(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }),
	)
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := testConfig()
	bad.Size = 0
	assert.Error(t, bad.Validate())
	bad = testConfig()
	bad.EpochDBF = 0
	assert.Error(t, bad.Validate())
	bad = testConfig()
	bad.Filter.FalsePositiveRate = 2
	assert.Error(t, bad.Validate())
}

func TestInsertOpensActiveDBF(t *testing.T) {
	clock := newFakeClock()
	m := newManager(t, testConfig(), &recorder{}, clock)
	assert.Equal(t, 0, m.Len())

	item := frand.Bytes(32)
	require.NoError(t, m.Insert(item))
	require.Equal(t, 1, m.Len())
	dbfs := m.Snapshot()
	assert.True(t, dbfs[0].Test(item))
	assert.Equal(t, 1, dbfs[0].Items())
	assert.False(t, dbfs[0].Frozen())
}

func TestRotationFreezesPreviousDBF(t *testing.T) {
	clock := newFakeClock()
	m := newManager(t, testConfig(), &recorder{}, clock)
	first := frand.Bytes(32)
	require.NoError(t, m.Insert(first))

	clock.Advance(89 * time.Second)
	require.NoError(t, m.Maintain(context.Background()))
	assert.Equal(t, 1, m.Len())

	clock.Advance(time.Second)
	require.NoError(t, m.Maintain(context.Background()))
	require.Equal(t, 2, m.Len())

	second := frand.Bytes(32)
	require.NoError(t, m.Insert(second))
	dbfs := m.Snapshot()
	assert.True(t, dbfs[0].Frozen())
	assert.True(t, dbfs[0].Test(first))
	assert.Equal(t, 1, dbfs[0].Items())
	assert.Equal(t, 1, dbfs[1].Items())
	assert.True(t, dbfs[1].Test(second))
	assert.ErrorIs(t, dbfs[0].insert(second), ErrFrozen)
}

func TestWindowNeverExceedsSize(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.EpochQBF = 1000 * time.Hour
	m := newManager(t, cfg, &recorder{}, clock)

	for i := 0; i < 500; i++ {
		switch frand.Intn(4) {
		case 0:
			require.NoError(t, m.Insert(frand.Bytes(32)))
		case 1:
			m.Rotate()
		case 2:
			clock.Advance(time.Duration(frand.Intn(400)) * time.Second)
			require.NoError(t, m.Maintain(context.Background()))
		case 3:
			require.NoError(t, m.Maintain(context.Background()))
		}
		require.LessOrEqual(t, m.Len(), cfg.Size)
	}
	assert.Positive(t, m.Stats().Evictions)
}

func TestEvictsOldestAfterSizeRotations(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.EpochQBF = time.Hour
	m := newManager(t, cfg, &recorder{}, clock)

	oldest := frand.Bytes(32)
	require.NoError(t, m.Insert(oldest))
	for i := 0; i < cfg.Size-1; i++ {
		clock.Advance(cfg.EpochDBF)
		require.NoError(t, m.Maintain(context.Background()))
	}
	require.Equal(t, cfg.Size, m.Len())
	assert.True(t, m.Snapshot()[0].Test(oldest))

	clock.Advance(cfg.EpochDBF)
	require.NoError(t, m.Maintain(context.Background()))
	require.Equal(t, cfg.Size, m.Len())
	assert.False(t, m.Snapshot()[0].Test(oldest))
	assert.Equal(t, 1, m.Stats().Evictions)
}

func TestLongPauseRotatesAtMostWindowSize(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.EpochQBF = 1000 * time.Hour
	m := newManager(t, cfg, &recorder{}, clock)
	require.NoError(t, m.Insert(frand.Bytes(32)))

	clock.Advance(100 * cfg.EpochDBF)
	require.NoError(t, m.Maintain(context.Background()))
	assert.Equal(t, cfg.Size, m.Len())
	assert.LessOrEqual(t, m.Stats().Rotations, cfg.Size+1)

	// next epoch boundary is measured from now
	clock.Advance(cfg.EpochDBF - time.Second)
	rotations := m.Stats().Rotations
	require.NoError(t, m.Maintain(context.Background()))
	assert.Equal(t, rotations, m.Stats().Rotations)
}

func TestAggregationUploadsAndClears(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	up := &recorder{}
	m := newManager(t, cfg, up, clock)

	var items [][]byte
	for i := 0; i < 6; i++ {
		item := frand.Bytes(32)
		items = append(items, item)
		require.NoError(t, m.Insert(item))
		clock.Advance(cfg.EpochDBF)
		require.NoError(t, m.Maintain(context.Background()))
	}

	// 6 x 90s = 9 minutes: the sixth rotation evicted the first DBF just
	// before the window was merged
	assert.Equal(t, 0, m.Len())
	assert.Zero(t, m.SinceAggregation())
	require.Len(t, up.uploads, 1)
	for _, it := range items[1:] {
		assert.True(t, up.uploads[0].Test(it))
	}
	stats := m.Stats()
	assert.Equal(t, 1, stats.Aggregations)
	assert.Equal(t, 1, stats.Evictions)
	assert.Equal(t, 6, stats.Rotations)
}

func TestAggregationKeepsWindowOnFailure(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.EpochDBF = time.Hour
	up := &recorder{fail: 3}
	m := newManager(t, cfg, up, clock)

	item := frand.Bytes(32)
	require.NoError(t, m.Insert(item))
	clock.Advance(cfg.EpochQBF)
	// one attempt plus two retries, all failing
	err := m.Maintain(context.Background())
	require.Error(t, err)
	assert.NotZero(t, m.Len())
	assert.Equal(t, cfg.EpochQBF, m.SinceAggregation())
	assert.Equal(t, 1, m.Stats().UploadFailures)

	// new encounters still go to the same DBF
	later := frand.Bytes(32)
	require.NoError(t, m.Insert(later))
	require.Equal(t, 1, m.Len())
	assert.False(t, m.Snapshot()[0].Frozen())
	assert.Equal(t, 2, m.Snapshot()[0].Items())

	// next round retries and succeeds
	require.NoError(t, m.Maintain(context.Background()))
	require.Len(t, up.uploads, 1)
	assert.True(t, up.uploads[0].Test(item))
	assert.True(t, up.uploads[0].Test(later))
	assert.Equal(t, 0, m.Len())
	assert.Zero(t, m.SinceAggregation())
}

func TestOutageNeverEvictsWithoutRotation(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.EpochDBF = time.Hour
	cfg.Size = 3
	cfg.EpochQBF = time.Minute
	up := &recorder{fail: 1 << 20}
	m := newManager(t, cfg, up, clock)

	first := frand.Bytes(32)
	require.NoError(t, m.Insert(first))
	clock.Advance(cfg.EpochQBF)
	for round := 0; round < 10; round++ {
		assert.Error(t, m.Maintain(context.Background()))
		require.NoError(t, m.Insert(frand.Bytes(32)))
		clock.Advance(15 * time.Second)
	}

	stats := m.Stats()
	assert.Zero(t, stats.Rotations)
	assert.Zero(t, stats.Evictions)
	assert.Equal(t, 10, stats.UploadFailures)
	require.Equal(t, 1, m.Len())
	assert.True(t, m.Snapshot()[0].Test(first))
	assert.Equal(t, 11, m.Snapshot()[0].Items())
}

func TestRetriesReuseQBFUntilWindowChanges(t *testing.T) {
	clock := newFakeClock()
	var seen []*filter.Filter
	up := UploaderFunc(func(ctx context.Context, qbf *filter.Filter) error {
		seen = append(seen, qbf)
		return errors.New("backend unreachable")
	})
	m := newManager(t, testConfig(), up, clock)
	require.NoError(t, m.Insert(frand.Bytes(32)))

	require.Error(t, m.Aggregate(context.Background()))
	m.Rotate()
	require.Error(t, m.Aggregate(context.Background()))
	// one attempt plus two retries per aggregation
	require.Len(t, seen, 6)
	for _, qbf := range seen[1:] {
		assert.Same(t, seen[0], qbf)
	}

	require.NoError(t, m.Insert(frand.Bytes(32)))
	require.Error(t, m.Aggregate(context.Background()))
	require.Len(t, seen, 9)
	assert.NotSame(t, seen[0], seen[6])
}

func TestInsertDuringUploadSurvivesAggregation(t *testing.T) {
	clock := newFakeClock()
	var m *Manager
	late := frand.Bytes(32)
	up := UploaderFunc(func(ctx context.Context, qbf *filter.Filter) error {
		if qbf.Test(late) {
			return nil
		}
		return m.Insert(late)
	})
	m = newManager(t, testConfig(), up, clock)
	require.NoError(t, m.Insert(frand.Bytes(32)))

	require.NoError(t, m.Aggregate(context.Background()))
	require.Equal(t, 1, m.Len())
	assert.True(t, m.Snapshot()[0].Test(late))

	require.NoError(t, m.Aggregate(context.Background()))
	assert.Equal(t, 0, m.Len())
}

func TestAggregationRetriesWithBackOff(t *testing.T) {
	clock := newFakeClock()
	up := &recorder{fail: 2}
	m := newManager(t, testConfig(), up, clock)
	require.NoError(t, m.Insert(frand.Bytes(32)))

	require.NoError(t, m.Aggregate(context.Background()))
	assert.Len(t, up.uploads, 1)
	assert.Equal(t, 0, m.Len())
}

func TestAggregationOfEmptyWindowSkipsUpload(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	up := &recorder{}
	m := newManager(t, cfg, up, clock)

	clock.Advance(cfg.EpochQBF)
	require.NoError(t, m.Maintain(context.Background()))
	assert.Empty(t, up.uploads)
	assert.Equal(t, 0, m.Len())
	assert.Zero(t, m.SinceAggregation())
}

func TestAggregationStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	up := UploaderFunc(func(ctx context.Context, qbf *filter.Filter) error {
		cancel()
		return errors.New("connection reset")
	})
	m, err := New(testConfig(), up, logger.Discard(), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, m.Insert(frand.Bytes(32)))

	err = m.Aggregate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.Len())
}
