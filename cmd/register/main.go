// Command register builds a contact filter from hex encounter identifiers
// and registers it with the backend, or queries the backend with it when
// --query is given. Identifiers are read from the arguments, or one per
// line from stdin when there are none.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"dimy/internal/backend"
	"dimy/internal/config"
	"dimy/internal/encounter"
	"dimy/internal/filter"
)

func main() {
	v := config.New()
	fs := pflag.NewFlagSet("register", pflag.ExitOnError)
	Check(config.Flags(v, fs))
	query := fs.BoolP("query", "q", false, "query instead of registering")
	retry := fs.Duration("retry", 10*time.Second, "keep retrying transport failures for this long")
	fs.Parse(os.Args[1:])
	path, _ := fs.GetString("config")
	Check(config.Read(v, path))
	cfg, err := config.Load(v)
	Check(err)

	ids, err := collect(fs.Args(), os.Stdin)
	Check(err)
	f, err := build(cfg.Window.Filter, ids)
	Check(err)

	cfg.Client.MaxElapsed = *retry
	client := backend.NewClient(cfg.Client)
	ctx, cancel := context.WithTimeout(context.Background(), *retry+cfg.Client.IOTimeout)
	defer cancel()

	if *query {
		matched, err := client.QueryExposure(ctx, f)
		Check(err)
		if matched {
			color.New(color.FgRed, color.Bold).Println("matched")
			os.Exit(2)
		}
		color.Green("not matched")
		return
	}
	Check(client.RegisterContact(ctx, f))
	color.Green("registered %d encounter identifiers (%d bits set)", len(ids), f.Count())
}

// collect returns args, or the non-empty lines of r when args is empty.
func collect(args []string, r io.Reader) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func build(p filter.Params, ids []string) (*filter.Filter, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no encounter identifiers given")
	}
	f := filter.New(p)
	for _, s := range ids {
		id, err := encounter.ParseEncID(s)
		if err != nil {
			return nil, fmt.Errorf("encounter identifier %q: %w", s, err)
		}
		f.Add(id[:])
	}
	return f, nil
}

func Check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("register: %v", err))
		os.Exit(1)
	}
}
