// Command backend runs the contact-matching service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"dimy/internal/backend"
	"dimy/internal/config"
	"dimy/internal/logger"
)

func main() {
	color.Set(color.FgBlue, color.Bold, color.Underline)
	fmt.Println("DIMY backend")
	fmt.Println("")
	color.Unset()

	v := config.New()
	fs := pflag.NewFlagSet("backend", pflag.ExitOnError)
	Check(config.Flags(v, fs))
	fs.Parse(os.Args[1:])
	path, _ := fs.GetString("config")
	Check(config.Read(v, path))
	cfg, err := config.Load(v)
	Check(err)

	log := logger.New("BACKEND", logger.Backend)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	store := backend.NewStore()
	srv, err := backend.NewServer(cfg.Backend, store, backend.NewMetrics(reg), log)
	Check(err)
	Check(srv.Listen(ctx))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	if cfg.MetricsAddr != "" {
		hs := backend.NewHTTPServer(cfg.MetricsAddr, backend.NewHTTPHandler(reg, store))
		g.Go(func() error {
			log.Printf("metrics on http://%s/metrics\n", cfg.MetricsAddr)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdown)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("%v\n", err)
	}
	log.Printf("stopped with %d contacts\n", store.Len())
}

func Check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("backend: %v", err))
		os.Exit(1)
	}
}
