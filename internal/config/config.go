// Package config loads the settings shared by the node, backend and tools
// from config.yaml, DIMY_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dimy/internal/backend"
	"dimy/internal/encounter"
	"dimy/internal/filter"
	"dimy/internal/shamir"
	"dimy/internal/window"
)

const EnvPrefix = "DIMY"

type Broadcast struct {
	ListenAddr    string
	BroadcastAddr string
}

type Config struct {
	Node      encounter.Config
	Window    window.Config
	Broadcast Broadcast
	Backend   backend.Config
	Client    backend.ClientConfig
	// MetricsAddr serves /metrics and /healthz when set.
	MetricsAddr string
	// Report makes the node register its aggregated filters as contact
	// filters instead of querying with them.
	Report bool
}

// New returns a viper instance carrying every default and reading DIMY_*
// environment variables.
func New() *viper.Viper {
	v := viper.New()
	node := encounter.DefaultConfig()
	win := window.DefaultConfig()
	srv := backend.DefaultConfig()
	cli := backend.DefaultClientConfig()

	v.SetDefault("k", node.K)
	v.SetDefault("n", node.N)
	v.SetDefault("drop_probability", node.DropProbability)
	v.SetDefault("share_interval", node.ShareInterval)
	v.SetDefault("receive_timeout", node.ReceiveTimeout)
	v.SetDefault("listen_budget", node.ListenBudget)
	v.SetDefault("round_period", node.RoundPeriod)
	v.SetDefault("share_ttl", node.ShareTTL)
	v.SetDefault("verbose", false)

	v.SetDefault("dbf_epoch", win.EpochDBF)
	v.SetDefault("window_size", win.Size)
	v.SetDefault("qbf_epoch", win.EpochQBF)
	v.SetDefault("filter_capacity", win.Filter.Capacity)
	v.SetDefault("filter_fp_rate", win.Filter.FalsePositiveRate)
	v.SetDefault("upload_max_elapsed", win.UploadMaxElapsed)

	v.SetDefault("broadcast_listen", ":50000")
	v.SetDefault("broadcast_addr", "255.255.255.255:50000")

	v.SetDefault("backend_addr", srv.Addr)
	v.SetDefault("max_connections", srv.MaxConnections)
	v.SetDefault("read_timeout", srv.ReadTimeout)
	v.SetDefault("write_timeout", srv.WriteTimeout)
	v.SetDefault("max_frame_size", srv.MaxFrameSize)
	v.SetDefault("dial_timeout", cli.DialTimeout)
	v.SetDefault("io_timeout", cli.IOTimeout)
	v.SetDefault("client_max_elapsed", cli.MaxElapsed)

	v.SetDefault("metrics_addr", "")
	v.SetDefault("report", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Flags registers the flags every binary understands on fs and binds them
// to v.
func Flags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "path to a config file (default ./config.yaml)")
	fs.Int("k", v.GetInt("k"), "shares needed to reconstruct an EphID")
	fs.Int("n", v.GetInt("n"), "shares broadcast per EphID")
	fs.Float64("drop-probability", v.GetFloat64("drop_probability"), "chance an outgoing share is dropped")
	fs.String("backend-addr", v.GetString("backend_addr"), "backend host:port")
	fs.String("metrics-addr", v.GetString("metrics_addr"), "serve metrics on this address")
	fs.BoolP("verbose", "v", false, "log every share")
	fs.Bool("report", false, "register aggregated filters as contact filters")

	for key, name := range map[string]string{
		"k":                "k",
		"n":                "n",
		"drop_probability": "drop-probability",
		"backend_addr":     "backend-addr",
		"metrics_addr":     "metrics-addr",
		"verbose":          "verbose",
		"report":           "report",
	} {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// Read merges a config file into v. Without an explicit path a missing
// ./config.yaml is not an error.
func Read(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load builds and validates a Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Node: encounter.Config{
			K:               v.GetInt("k"),
			N:               v.GetInt("n"),
			DropProbability: v.GetFloat64("drop_probability"),
			ShareInterval:   v.GetDuration("share_interval"),
			ReceiveTimeout:  v.GetDuration("receive_timeout"),
			ListenBudget:    v.GetDuration("listen_budget"),
			RoundPeriod:     v.GetDuration("round_period"),
			ShareTTL:        v.GetDuration("share_ttl"),
			Verbose:         v.GetBool("verbose"),
		},
		Window: window.Config{
			EpochDBF: v.GetDuration("dbf_epoch"),
			Size:     v.GetInt("window_size"),
			EpochQBF: v.GetDuration("qbf_epoch"),
			Filter: filter.Params{
				Capacity:          v.GetUint("filter_capacity"),
				FalsePositiveRate: v.GetFloat64("filter_fp_rate"),
			},
			UploadMaxElapsed: v.GetDuration("upload_max_elapsed"),
		},
		Broadcast: Broadcast{
			ListenAddr:    v.GetString("broadcast_listen"),
			BroadcastAddr: v.GetString("broadcast_addr"),
		},
		Backend: backend.Config{
			Addr:           v.GetString("backend_addr"),
			MaxConnections: v.GetInt64("max_connections"),
			ReadTimeout:    v.GetDuration("read_timeout"),
			WriteTimeout:   v.GetDuration("write_timeout"),
			MaxFrameSize:   v.GetInt("max_frame_size"),
		},
		Client: backend.ClientConfig{
			Addr:        v.GetString("backend_addr"),
			DialTimeout: v.GetDuration("dial_timeout"),
			IOTimeout:   v.GetDuration("io_timeout"),
			MaxElapsed:  v.GetDuration("client_max_elapsed"),
		},
		MetricsAddr: v.GetString("metrics_addr"),
		Report:      v.GetBool("report"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	n := c.Node
	if n.K < 2 || n.N < n.K || n.N > shamir.MaxShares {
		return fmt.Errorf("config: need 2 <= k <= n <= %d (k=%d n=%d)", shamir.MaxShares, n.K, n.N)
	}
	if n.DropProbability < 0 || n.DropProbability > 1 {
		return fmt.Errorf("config: drop probability %v outside [0, 1]", n.DropProbability)
	}
	for name, d := range map[string]time.Duration{
		"share_interval":  n.ShareInterval,
		"receive_timeout": n.ReceiveTimeout,
		"listen_budget":   n.ListenBudget,
		"round_period":    n.RoundPeriod,
		"share_ttl":       n.ShareTTL,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s %s is negative", name, d)
		}
	}
	if err := c.Window.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Client.Addr == "" {
		return errors.New("config: backend address is empty")
	}
	return nil
}
