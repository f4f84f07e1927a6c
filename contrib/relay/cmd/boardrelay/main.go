package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/boardsync/boardsync/contrib/relay"
	"github.com/boardsync/boardsync/pkg/config"
)

func main() {
	var (
		configPath string
		addr       string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "Path to a TOML, YAML or JSON config file")
	flag.StringVar(&addr, "addr", "", "Listen address (overrides relay.addr)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Relay.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, closer, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.New(relay.Options{
		ReadLimit:    int(cfg.Relay.ReadLimit),
		WriteTimeout: cfg.Relay.WriteTimeout.Duration,
		Logger:       log,
	})
	if err := srv.ListenAndServe(ctx, cfg.Relay.Addr); err != nil {
		log.Error("boardrelay: stopped", "error", err)
		os.Exit(1)
	}
}
