package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/injector"
)

func main() {
	path := flag.String("config", "", "path to a yaml or toml config file")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
	}

	host, err := injector.InitializeHost(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error starting server:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Server stopped:", err)
		os.Exit(1)
	}
}
