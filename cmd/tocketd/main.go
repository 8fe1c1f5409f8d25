// Command tocketd runs a distributed tocket server: it owns the
// authoritative token buckets and answers acquire requests over TCP.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LazyMechanic/tocket"
	"github.com/LazyMechanic/tocket/distributed"
)

type config struct {
	Listen       string                 `toml:"listen"`
	MaxFrameSize uint32                 `toml:"max_frame_size"`
	LogLevel     string                 `toml:"log_level"`
	LogFormat    string                 `toml:"log_format"`
	StrictKeys   bool                   `toml:"strict_keys"`
	DefaultLimit limitConfig            `toml:"default_limit"`
	Keys         map[string]limitConfig `toml:"keys"`
}

type limitConfig struct {
	Capacity   uint64  `toml:"capacity"`
	RefillRate float64 `toml:"refill_rate"`
}

func (l limitConfig) limit() tocket.Limit {
	return tocket.Limit{Capacity: l.Capacity, RefillRate: l.RefillRate}
}

func defaultConfig() config {
	return config{
		Listen:       "127.0.0.1:7070",
		MaxFrameSize: distributed.DefaultMaxFrameSize,
		LogLevel:     "info",
		LogFormat:    "console",
		DefaultLimit: limitConfig{Capacity: 100, RefillRate: 100},
	}
}

func (c *config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if err := c.DefaultLimit.limit().Validate(); err != nil {
		return fmt.Errorf("default_limit: %w", err)
	}
	for key, lc := range c.Keys {
		if err := lc.limit().Validate(); err != nil {
			return fmt.Errorf("keys.%s: %w", key, err)
		}
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	listen := flag.String("listen", "", "listen address, overrides the config file")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "tocketd: reading config: %v\n", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "tocketd: invalid config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("tocketd failed")
	}
}

func setupLogging(cfg config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func run(cfg config) error {
	opts := []distributed.ServerOption{
		distributed.WithServerMaxFrameSize(cfg.MaxFrameSize),
	}
	if cfg.StrictKeys {
		opts = append(opts, distributed.WithServerStrictKeys())
	}
	for key, lc := range cfg.Keys {
		opts = append(opts, distributed.WithKeyLimit(key, lc.limit()))
	}

	srv, err := distributed.NewServer(cfg.DefaultLimit.limit(), opts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		if err := srv.Close(); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
