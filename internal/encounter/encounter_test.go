package encounter

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"dimy/internal/broadcast"
	"dimy/internal/filter"
	"dimy/internal/logger"
	"dimy/internal/shamir"
	"dimy/internal/window"
)

type memWindow struct {
	mu       sync.Mutex
	items    [][]byte
	maintain int
}

func (w *memWindow) Insert(item []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, append([]byte(nil), item...))
	return nil
}

func (w *memWindow) Maintain(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maintain++
	return nil
}

func (w *memWindow) Items() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.items...)
}

func fastConfig() Config {
	return Config{
		K:               3,
		N:               5,
		DropProbability: 0,
		ShareInterval:   time.Millisecond,
		ReceiveTimeout:  20 * time.Millisecond,
		ListenBudget:    300 * time.Millisecond,
		RoundPeriod:     0,
		ShareTTL:        time.Minute,
	}
}

// #############################################################################

func TestRegistryThreshold(t *testing.T) {
	now := time.Now()
	shares, err := shamir.Split(make([]byte, shamir.SecretSize), 3, 5)
	require.NoError(t, err)

	r := NewRegistry()
	assert.False(t, r.Add(shares[0], now))
	assert.False(t, r.Add(shares[1], now))
	// repeating a share does not bring the split closer to its threshold
	assert.False(t, r.Add(shares[1], now))
	assert.False(t, r.Add(shares[0], now))
	assert.Equal(t, 1, r.Pending())

	assert.True(t, r.Add(shares[4], now))
	held := r.Shares(shares[0].SplitID)
	require.Len(t, held, 3)
	assert.Equal(t, []uint8{1, 2, 5}, []uint8{held[0].Index, held[1].Index, held[2].Index})

	r.Complete(shares[0].SplitID, now)
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Add(shares[2], now))
	assert.Nil(t, r.Shares(shares[0].SplitID))
}

func TestRegistryUsesMajorityThreshold(t *testing.T) {
	now := time.Now()
	secret := NewEphID()
	shares, err := shamir.Split(secret[:], 3, 5)
	require.NoError(t, err)

	lowered := shares[0]
	lowered.Threshold = 2
	r := NewRegistry()
	assert.False(t, r.Add(lowered, now))
	assert.False(t, r.Add(shares[1], now))
	assert.False(t, r.Add(shares[2], now))
	assert.True(t, r.Add(shares[3], now))

	held := r.Shares(shares[1].SplitID)
	require.Len(t, held, 3)
	got, err := reconstructAny(held)
	require.NoError(t, err)
	assert.Equal(t, secret[:], got)
}

func TestRegistryRetriesAfterCorruptShare(t *testing.T) {
	now := time.Now()
	secret := NewEphID()
	shares, err := shamir.Split(secret[:], 3, 5)
	require.NoError(t, err)
	id := shares[0].SplitID

	corrupt := shares[0]
	corrupt.Y = new(big.Int).Add(shares[0].Y, big.NewInt(1))
	r := NewRegistry()
	r.Add(corrupt, now)
	r.Add(shares[1], now)
	require.True(t, r.Add(shares[2], now))
	_, err = reconstructAny(r.Shares(id))
	require.ErrorIs(t, err, shamir.ErrIntegrity)
	r.Fail(id, now)
	assert.Equal(t, 1, r.Pending())

	require.True(t, r.Add(shares[3], now))
	got, err := reconstructAny(r.Shares(id))
	require.NoError(t, err)
	assert.Equal(t, secret[:], got)
}

func TestRegistryGivesUpAfterRepeatedFailures(t *testing.T) {
	now := time.Now()
	shares, err := shamir.Split(make([]byte, shamir.SecretSize), 2, 5)
	require.NoError(t, err)
	id := shares[0].SplitID

	r := NewRegistry()
	r.Add(shares[0], now)
	for i := 1; i < maxAttempts+1; i++ {
		require.True(t, r.Add(shares[i], now))
		r.Fail(id, now)
	}
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Add(shares[4], now))
}

func TestRegistryIgnoresOwnSplits(t *testing.T) {
	now := time.Now()
	shares, err := shamir.Split(make([]byte, shamir.SecretSize), 2, 3)
	require.NoError(t, err)

	r := NewRegistry()
	r.Own(shares[0].SplitID, now)
	for _, s := range shares {
		assert.False(t, r.Add(s, now))
	}
	assert.Equal(t, 0, r.Pending())
}

func TestRegistryPrune(t *testing.T) {
	t0 := time.Now()
	old, err := shamir.Split(make([]byte, shamir.SecretSize), 3, 5)
	require.NoError(t, err)
	fresh, err := shamir.Split(make([]byte, shamir.SecretSize), 3, 5)
	require.NoError(t, err)

	r := NewRegistry()
	r.Add(old[0], t0)
	r.Complete(old[1].SplitID, t0)
	r.Add(fresh[0], t0.Add(time.Minute))
	require.Equal(t, 1, r.Pending())

	r.Prune(t0.Add(30 * time.Second))
	assert.Equal(t, 1, r.Pending())
	// a completed split that aged out is accepted again
	assert.False(t, r.Add(old[0], t0.Add(time.Minute)))
	assert.Equal(t, 2, r.Pending())

	r.Reset()
	assert.Equal(t, 0, r.Pending())
}

func TestDeriveEncIDIsFresh(t *testing.T) {
	peer := NewEphID()
	seen := make(map[EncID]struct{})
	for i := 0; i < 100; i++ {
		id := DeriveEncID(peer)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.NotEqual(t, NewEphID(), NewEphID())
}

func TestParseEncID(t *testing.T) {
	id := DeriveEncID(NewEphID())
	got, err := ParseEncID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseEncID("abcd")
	assert.Error(t, err)
	_, err = ParseEncID("zz")
	assert.Error(t, err)
}

// #############################################################################

func TestNewNodeRejectsBadThreshold(t *testing.T) {
	hub := broadcast.NewHub()
	for _, kn := range [][2]int{{1, 5}, {4, 3}, {3, 300}} {
		cfg := fastConfig()
		cfg.K, cfg.N = kn[0], kn[1]
		_, err := NewNode(cfg, hub.Join(), &memWindow{}, logger.Discard())
		assert.Error(t, err)
	}
	cfg := fastConfig()
	cfg.DropProbability = 1.5
	_, err := NewNode(cfg, hub.Join(), &memWindow{}, logger.Discard())
	assert.Error(t, err)
}

func runRound(t *testing.T, nodes ...*Node) []RoundResult {
	t.Helper()
	results := make([]RoundResult, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			res, err := n.Round(context.Background())
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	return results
}

func TestRoundWithoutLossRecordsEveryPeer(t *testing.T) {
	hub := broadcast.NewHub()
	windows := make([]*memWindow, 3)
	nodes := make([]*Node, 3)
	for i := range nodes {
		windows[i] = &memWindow{}
		n, err := NewNode(fastConfig(), hub.Join(), windows[i], logger.Discard())
		require.NoError(t, err)
		nodes[i] = n
	}

	results := runRound(t, nodes...)
	for i, res := range results {
		assert.Equal(t, 5, res.SharesSent)
		assert.Zero(t, res.SharesDropped)
		// own five shares loop back and are ignored
		assert.Equal(t, 15, res.SharesReceived)
		assert.Equal(t, 2, res.Encounters, "node %d", i)
		assert.Zero(t, res.Failures)
		assert.Len(t, windows[i].Items(), 2)
		assert.Equal(t, 1, windows[i].maintain)
	}

	// encounter identifiers are never shared between the two sides
	seen := make(map[string]struct{})
	for _, w := range windows {
		for _, it := range w.Items() {
			_, dup := seen[string(it)]
			assert.False(t, dup)
			seen[string(it)] = struct{}{}
		}
	}
}

func TestRoundWithTotalLossRecordsNothing(t *testing.T) {
	hub := broadcast.NewHub()
	lossy := fastConfig()
	lossy.DropProbability = 1
	lossy.ListenBudget = 50 * time.Millisecond

	wa, wb := &memWindow{}, &memWindow{}
	a, err := NewNode(lossy, hub.Join(), wa, logger.Discard())
	require.NoError(t, err)
	b, err := NewNode(lossy, hub.Join(), wb, logger.Discard())
	require.NoError(t, err)

	results := runRound(t, a, b)
	for _, res := range results {
		assert.Zero(t, res.SharesSent)
		assert.Equal(t, 5, res.SharesDropped)
		assert.Zero(t, res.Encounters)
	}
	assert.Empty(t, wa.Items())
	assert.Empty(t, wb.Items())
	assert.Equal(t, 1, wa.maintain)
}

func TestRoundIgnoresGarbage(t *testing.T) {
	hub := broadcast.NewHub()
	w := &memWindow{}
	cfg := fastConfig()
	cfg.ListenBudget = 50 * time.Millisecond
	n, err := NewNode(cfg, hub.Join(), w, logger.Discard())
	require.NoError(t, err)

	noise := hub.Join()
	require.NoError(t, noise.Send(context.Background(), []byte("not a share")))

	res, err := n.Round(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.SharesReceived)
	assert.Zero(t, res.Encounters)
	assert.Empty(t, w.Items())
}

func TestPartialSplitCompletesNextRound(t *testing.T) {
	hub := broadcast.NewHub()
	w := &memWindow{}
	cfg := fastConfig()
	cfg.ListenBudget = 50 * time.Millisecond
	n, err := NewNode(cfg, hub.Join(), w, logger.Discard())
	require.NoError(t, err)

	peer := hub.Join()
	secret := NewEphID()
	shares, err := shamir.Split(secret[:], 3, 5)
	require.NoError(t, err)
	send := func(s shamir.Share) {
		b, err := s.MarshalBinary()
		require.NoError(t, err)
		require.NoError(t, peer.Send(context.Background(), b))
	}

	send(shares[0])
	send(shares[3])
	res, err := n.Round(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Encounters)

	send(shares[3])
	send(shares[2])
	res, err = n.Round(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Encounters)
	require.Len(t, w.Items(), 1)
}

func TestRoundFeedsWindowManager(t *testing.T) {
	hub := broadcast.NewHub()
	wcfg := window.DefaultConfig()
	wcfg.Filter = filter.Params{Capacity: 1000, FalsePositiveRate: 0.01}
	wa, err := window.New(wcfg, window.UploaderFunc(func(context.Context, *filter.Filter) error { return nil }), logger.Discard())
	require.NoError(t, err)
	wb, err := window.New(wcfg, window.UploaderFunc(func(context.Context, *filter.Filter) error { return nil }), logger.Discard())
	require.NoError(t, err)

	a, err := NewNode(fastConfig(), hub.Join(), wa, logger.Discard())
	require.NoError(t, err)
	b, err := NewNode(fastConfig(), hub.Join(), wb, logger.Discard())
	require.NoError(t, err)

	runRound(t, a, b)
	for _, w := range []*window.Manager{wa, wb} {
		dbfs := w.Snapshot()
		require.Len(t, dbfs, 1)
		assert.Equal(t, 1, dbfs[0].Items())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	hub := broadcast.NewHub()
	cfg := fastConfig()
	cfg.ListenBudget = time.Hour
	n, err := NewNode(cfg, hub.Join(), &memWindow{}, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, n.Run(ctx))
}

type tee struct {
	*window.Manager
	mem memWindow
}

func (t *tee) Insert(item []byte) error {
	t.mem.Insert(item)
	return t.Manager.Insert(item)
}

func TestNodesDriveWindowThroughAggregation(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	var uploads []*filter.Filter
	up := window.UploaderFunc(func(_ context.Context, qbf *filter.Filter) error {
		uploads = append(uploads, qbf)
		return nil
	})

	wcfg := window.DefaultConfig()
	wcfg.Filter = filter.Params{Capacity: 1000, FalsePositiveRate: 0.01}
	mgr, err := window.New(wcfg, up, logger.Discard(), window.WithClock(now))
	require.NoError(t, err)
	wa := &tee{Manager: mgr}

	hub := broadcast.NewHub()
	a, err := NewNode(fastConfig(), hub.Join(), wa, logger.Discard())
	require.NoError(t, err)
	b, err := NewNode(fastConfig(), hub.Join(), &memWindow{}, logger.Discard())
	require.NoError(t, err)

	for r := 0; r < 7; r++ {
		results := runRound(t, a, b)
		require.Equal(t, 1, results[0].Encounters, "round %d", r)
		mu.Lock()
		clock = clock.Add(wcfg.EpochDBF)
		mu.Unlock()
	}

	// rounds 0 and 1 went to the first DBF, evicted by the sixth rotation
	// right before the window was merged and uploaded
	stats := mgr.Stats()
	assert.Equal(t, 6, stats.Rotations)
	assert.Equal(t, 1, stats.Evictions)
	assert.Equal(t, 1, stats.Aggregations)
	assert.Equal(t, 0, mgr.Len())
	require.Len(t, uploads, 1)
	items := wa.mem.Items()
	require.Len(t, items, 7)
	for _, it := range items[2:] {
		assert.True(t, uploads[0].Test(it))
	}
}
