// Command simulate runs several nodes and a backend in one process over an
// in-memory broadcast medium, with every protocol duration shortened, and
// reports how shares, encounters and exposure queries played out.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"

	"github.com/fatih/color"
	"github.com/pkg/profile"
	"github.com/spf13/pflag"

	"dimy/internal/config"
	"dimy/internal/logger"
)

func main() {
	color.Set(color.FgBlue, color.Bold, color.Underline)
	fmt.Println("DIMY simulation")
	fmt.Println("")
	color.Unset()

	v := config.New()
	fs := pflag.NewFlagSet("simulate", pflag.ExitOnError)
	Check(config.Flags(v, fs))
	nodes := fs.Int("nodes", 5, "number of simulated nodes")
	rounds := fs.Int("rounds", 40, "rounds run by every node")
	scale := fs.Float64("speedup", 150, "divide every protocol duration by this factor")
	resDir := fs.String("results", "results", "directory for bench.csv and profiles")
	eProfile := fs.Bool("profile", false, "write a CPU profile to the results directory")
	fs.Parse(os.Args[1:])
	cfgPath, _ := fs.GetString("config")
	Check(config.Read(v, cfgPath))
	cfg, err := config.Load(v)
	Check(err)

	Assert(*nodes > 1)
	Assert(*rounds > 0)
	Assert(*scale >= 1)
	cfg = Scale(cfg, *scale)

	_ = os.Mkdir(*resDir, os.ModePerm)
	if *eProfile {
		defer profile.Start(profile.ProfilePath("./" + *resDir)).Stop()
	}

	stdout := log.New(os.Stdout, "", 0)
	stdout.SetPrefix("{CONFIG}\t")
	PrintInfo(stdout, cfg, *nodes, *rounds, *scale, *resDir, *eProfile)
	fmt.Println("")

	var verbose *log.Logger
	if cfg.Node.Verbose {
		verbose = logger.New("SIM", logger.Node)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	watch := NewStopwatch()
	bar := NewProgressBar(*nodes**rounds, "cyan", "Rounds")
	sum, err := Simulate(ctx, cfg, *nodes, *rounds, func() { bar.Add(1) }, verbose)
	Check(err)
	elapsed := watch.Elapsed()
	fmt.Println("")
	fmt.Println("")

	for _, n := range sum.Nodes {
		role := "contact"
		if n.Positive {
			role = "positive"
		}
		fmt.Printf("{NODE}\tP_%d (%s) => encounters: %d, failed: %d, rotations: %d, aggregations: %d, matched: %t\n",
			n.ID, role, n.Encounters, n.Failures, n.Window.Rotations, n.Window.Aggregations, n.Matched)
	}

	color.Set(color.FgMagenta, color.Bold)
	fmt.Printf("{RESULT}\tShares => sent %d / dropped %d / received %d\n", sum.SharesSent, sum.SharesDropped, sum.SharesReceived)
	fmt.Printf("{RESULT}\tEncounters => %d (failed reconstructions: %d)\n", sum.Encounters, sum.Failures)
	fmt.Printf("{RESULT}\tBackend => %d contact filters, %d queries, %d nodes matched\n", sum.Registered, sum.Queries, sum.Matches)
	fmt.Printf("{RESULT}\tTime => %s\n", elapsed)
	color.Unset()

	Save(cfg, *nodes, *rounds, sum, elapsed, path.Join(*resDir, "bench.csv"))
}
