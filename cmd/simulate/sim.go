package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"dimy/internal/backend"
	"dimy/internal/broadcast"
	"dimy/internal/config"
	"dimy/internal/encounter"
	"dimy/internal/logger"
	"dimy/internal/window"
)

// Summary aggregates one simulation run.
type Summary struct {
	encounter.RoundResult
	Registered int
	Queries    int
	Matches    int
	Nodes      []NodeSummary
}

type NodeSummary struct {
	ID       int
	Positive bool
	encounter.RoundResult
	Window  window.Stats
	Matched bool
}

// Scale divides every protocol duration by factor so a run covers many
// epochs in a few seconds while keeping their ratios.
func Scale(cfg config.Config, factor float64) config.Config {
	div := func(d time.Duration) time.Duration { return time.Duration(float64(d) / factor) }
	cfg.Node.ShareInterval = div(cfg.Node.ShareInterval)
	cfg.Node.ReceiveTimeout = div(cfg.Node.ReceiveTimeout)
	cfg.Node.ListenBudget = div(cfg.Node.ListenBudget)
	cfg.Node.RoundPeriod = div(cfg.Node.RoundPeriod)
	cfg.Node.ShareTTL = div(cfg.Node.ShareTTL)
	cfg.Window.EpochDBF = div(cfg.Window.EpochDBF)
	cfg.Window.EpochQBF = div(cfg.Window.EpochQBF)
	return cfg
}

type simNode struct {
	id       int
	positive bool
	node     *encounter.Node
	mgr      *window.Manager

	mu      sync.Mutex
	total   encounter.RoundResult
	queries int
	matched bool
}

func (n *simNode) add(r encounter.RoundResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.total.SharesSent += r.SharesSent
	n.total.SharesDropped += r.SharesDropped
	n.total.SharesReceived += r.SharesReceived
	n.total.Encounters += r.Encounters
	n.total.Failures += r.Failures
}

func (n *simNode) verdict(matched bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queries++
	n.matched = n.matched || matched
}

// Simulate runs nodes participants over an in-memory broadcast hub against
// an in-process backend for the given number of rounds. Node 0 is the
// positive user and registers its filters; the others query. onRound is
// called after every completed node round.
func Simulate(ctx context.Context, cfg config.Config, nodes, rounds int, onRound func(), verbose *log.Logger) (Summary, error) {
	var sum Summary
	if nodes < 2 {
		return sum, fmt.Errorf("simulate: need at least 2 nodes, have %d", nodes)
	}
	if verbose == nil {
		verbose = logger.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := backend.NewStore()
	srvCfg := cfg.Backend
	srvCfg.Addr = "127.0.0.1:0"
	srv, err := backend.NewServer(srvCfg, store, backend.NewMetrics(prometheus.NewRegistry()), verbose)
	if err != nil {
		return sum, err
	}
	if err := srv.Listen(ctx); err != nil {
		return sum, err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-served
	}()

	cliCfg := cfg.Client
	cliCfg.Addr = srv.Addr().String()
	client := backend.NewClient(cliCfg)

	hub := broadcast.NewHub()
	sims := make([]*simNode, nodes)
	for i := range sims {
		sn := &simNode{id: i, positive: i == 0}
		uploader := client.Querier(sn.verdict)
		if sn.positive {
			uploader = client.Reporter()
		}
		sn.mgr, err = window.New(cfg.Window, uploader, verbose)
		if err != nil {
			return sum, err
		}
		ep := hub.Join()
		defer ep.Close()
		sn.node, err = encounter.NewNode(cfg.Node, ep, sn.mgr, verbose)
		if err != nil {
			return sum, err
		}
		sims[i] = sn
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sn := range sims {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				res, err := sn.node.Round(gctx)
				if err != nil {
					return fmt.Errorf("node %d round %d: %w", sn.id, r, err)
				}
				sn.add(res)
				if onRound != nil {
					onRound()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	// flush what is left in every window, the positive user first so the
	// others query against its latest filter
	for _, sn := range sims {
		if err := sn.mgr.Aggregate(ctx); err != nil {
			return sum, fmt.Errorf("node %d final aggregation: %w", sn.id, err)
		}
	}

	for _, sn := range sims {
		sn.mu.Lock()
		ns := NodeSummary{ID: sn.id, Positive: sn.positive, RoundResult: sn.total, Window: sn.mgr.Stats(), Matched: sn.matched}
		sum.SharesSent += sn.total.SharesSent
		sum.SharesDropped += sn.total.SharesDropped
		sum.SharesReceived += sn.total.SharesReceived
		sum.Encounters += sn.total.Encounters
		sum.Failures += sn.total.Failures
		sum.Queries += sn.queries
		if sn.matched {
			sum.Matches++
		}
		sn.mu.Unlock()
		sum.Nodes = append(sum.Nodes, ns)
	}
	sum.Registered = store.Len()
	return sum, nil
}
