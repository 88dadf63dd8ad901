// Command node runs one proximity-tracing participant: it broadcasts
// shares of a fresh EphID every round over UDP, records encounters with
// the peers it hears, and periodically queries the backend with its
// aggregated filter, or registers it with --report.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"dimy/internal/backend"
	"dimy/internal/broadcast"
	"dimy/internal/config"
	"dimy/internal/encounter"
	"dimy/internal/logger"
	"dimy/internal/window"
)

func main() {
	color.Set(color.FgBlue, color.Bold, color.Underline)
	fmt.Println("DIMY node")
	fmt.Println("")
	color.Unset()

	v := config.New()
	fs := pflag.NewFlagSet("node", pflag.ExitOnError)
	Check(config.Flags(v, fs))
	fs.Parse(os.Args[1:])
	path, _ := fs.GetString("config")
	Check(config.Read(v, path))
	cfg, err := config.Load(v)
	Check(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeLog := logger.New("NODE", logger.Node)
	windowLog := logger.New("WINDOW", logger.Window)
	clientLog := logger.New("CLIENT", logger.Client)

	client := backend.NewClient(cfg.Client)
	uploader := client.Querier(func(matched bool) {
		if matched {
			clientLog.Println(color.New(color.FgRed, color.Bold).Sprint("exposure detected: matched a registered contact"))
			return
		}
		clientLog.Println("no exposure: not matched")
	})
	if cfg.Report {
		clientLog.Println("report mode: aggregated filters are registered as contact filters")
		uploader = client.Reporter()
	}

	mgr, err := window.New(cfg.Window, uploader, windowLog)
	Check(err)

	ch, err := broadcast.ListenUDP(ctx, cfg.Broadcast.ListenAddr, cfg.Broadcast.BroadcastAddr)
	Check(err)
	defer ch.Close()
	nodeLog.Printf("broadcasting to %s, listening on %s\n", cfg.Broadcast.BroadcastAddr, ch.LocalAddr())

	node, err := encounter.NewNode(cfg.Node, ch, mgr, nodeLog)
	Check(err)
	if err := node.Run(ctx); err != nil {
		nodeLog.Fatalf("%v\n", err)
	}
	nodeLog.Println("stopped")
}

func Check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("node: %v", err))
		os.Exit(1)
	}
}
