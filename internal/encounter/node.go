// Package encounter runs the node side of the protocol: each round a node
// splits a fresh EphID into threshold shares, broadcasts them over a lossy
// channel, collects peers' shares, reconstructs their EphIDs and records an
// encounter identifier for every peer it heard enough of.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dimy/internal/broadcast"
	"dimy/internal/shamir"
)

// Node owns the per-round state of one participant.
type Node struct {
	cfg      Config
	rx       broadcast.Channel
	tx       *broadcast.Lossy
	window   Window
	registry *Registry
	log      *log.Logger
	now      func() time.Time
}

// NewNode wires a node to its broadcast channel and window.
func NewNode(cfg Config, ch broadcast.Channel, w Window, logger *log.Logger) (*Node, error) {
	if cfg.K < 2 || cfg.N < cfg.K || cfg.N > shamir.MaxShares {
		return nil, fmt.Errorf("encounter: invalid threshold k=%d n=%d", cfg.K, cfg.N)
	}
	tx, err := broadcast.NewLossy(ch, cfg.DropProbability)
	if err != nil {
		return nil, err
	}
	return &Node{
		cfg:      cfg,
		rx:       ch,
		tx:       tx,
		window:   w,
		registry: NewRegistry(),
		log:      logger,
		now:      time.Now,
	}, nil
}

// Run executes rounds until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	for {
		res, err := n.Round(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.log.Printf("round: sent=%d dropped=%d received=%d encounters=%d failures=%d\n",
			res.SharesSent, res.SharesDropped, res.SharesReceived, res.Encounters, res.Failures)
	}
}

// Round runs GENERATE -> SPLIT -> BROADCAST -> COLLECT -> RECONSTRUCT ->
// UPDATE -> MAINTAIN -> SLEEP once.
func (n *Node) Round(ctx context.Context) (RoundResult, error) {
	var res RoundResult
	n.registry.Prune(n.now().Add(-n.cfg.ShareTTL))

	ephID := NewEphID()
	shares, err := shamir.Split(ephID[:], n.cfg.K, n.cfg.N)
	if err != nil {
		return res, err
	}
	n.registry.Own(shares[0].SplitID, n.now())
	n.debugf("split %s into %d shares (k=%d)\n", shares[0].SplitID, len(shares), n.cfg.K)

	if err := n.broadcast(ctx, shares, &res); err != nil {
		return res, err
	}
	if err := n.collect(ctx, &res); err != nil {
		return res, err
	}

	if err := n.window.Maintain(ctx); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		n.log.Printf("window maintenance: %v\n", err)
	}

	rest := n.cfg.RoundPeriod - time.Duration(res.SharesSent)*n.cfg.ShareInterval
	if err := sleep(ctx, rest); err != nil {
		return res, err
	}
	return res, nil
}

func (n *Node) broadcast(ctx context.Context, shares []shamir.Share, res *RoundResult) error {
	for _, s := range shares {
		payload, err := s.MarshalBinary()
		if err != nil {
			return err
		}
		sent, err := n.tx.SendOrDrop(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// best effort: a failed send is a lost share
			n.log.Printf("send share %d: %v\n", s.Index, err)
			res.SharesDropped++
			continue
		}
		if !sent {
			n.debugf("dropped share %d\n", s.Index)
			res.SharesDropped++
			continue
		}
		n.debugf("broadcast share %d\n", s.Index)
		res.SharesSent++
		if err := sleep(ctx, n.cfg.ShareInterval); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) collect(ctx context.Context, res *RoundResult) error {
	deadline := n.now().Add(n.cfg.ListenBudget)
	for {
		remaining := deadline.Sub(n.now())
		if remaining <= 0 {
			return nil
		}
		timeout := n.cfg.ReceiveTimeout
		if timeout <= 0 || timeout > remaining {
			timeout = remaining
		}

		payload, err := n.rx.Receive(ctx, timeout)
		switch {
		case errors.Is(err, broadcast.ErrTimeout):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("collect shares: %w", err)
		}

		var s shamir.Share
		if err := s.UnmarshalBinary(payload); err != nil {
			n.debugf("ignoring payload: %v\n", err)
			continue
		}
		res.SharesReceived++
		if n.registry.Add(s, n.now()) {
			n.reconstruct(s.SplitID, res)
		}
	}
}

func (n *Node) reconstruct(id shamir.SplitID, res *RoundResult) {
	secret, err := reconstructAny(n.registry.Shares(id))
	if err != nil {
		n.debugf("%v\n", err)
		n.registry.Fail(id, n.now())
		res.Failures++
		return
	}
	n.registry.Complete(id, n.now())
	var peer EphID
	copy(peer[:], secret)
	enc := DeriveEncID(peer)
	if err := n.window.Insert(enc[:]); err != nil {
		n.log.Printf("insert encounter: %v\n", err)
		res.Failures++
		return
	}
	n.debugf("reconstructed split %s, encounter %s\n", id, enc)
	res.Encounters++
}

// maxSubsets bounds the threshold-sized subsets tried for one split.
const maxSubsets = 64

// reconstructAny tries threshold-sized subsets of shares, in index order,
// until one passes the integrity check, so a single bad share does not
// spoil a split that has enough good ones.
func reconstructAny(shares []shamir.Share) ([]byte, error) {
	if len(shares) == 0 {
		return shamir.Reconstruct(nil)
	}
	k := int(shares[0].Threshold)
	if len(shares) <= k {
		return shamir.Reconstruct(shares)
	}

	var lastErr error
	picked := make([]shamir.Share, k)
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for tried := 0; tried < maxSubsets; tried++ {
		for i, j := range idx {
			picked[i] = shares[j]
		}
		secret, err := shamir.Reconstruct(picked)
		if err == nil {
			return secret, nil
		}
		lastErr = err

		// next combination
		i := k - 1
		for i >= 0 && idx[i] == len(shares)-k+i {
			i--
		}
		if i < 0 {
			break
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
	return nil, lastErr
}

func (n *Node) debugf(format string, v ...any) {
	if n.cfg.Verbose {
		n.log.Printf(format, v...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
