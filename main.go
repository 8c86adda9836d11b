// Package main provides the price-to-tariff synchronization engine's
// process entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/openenergy/tariffsync/app"
	"github.com/openenergy/tariffsync/config"
	"github.com/openenergy/tariffsync/policy"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		dbFile     = flag.String("users", "users.json", "User policy store file path")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		return
	}

	logger := log.New(os.Stdout, "[tariffsyncd] ", log.LstdFlags)

	repo := policy.NewInMemoryRepository()
	if err := loadUserPolicies(*dbFile, repo); err != nil {
		logger.Printf("warning: %v (starting with no configured users)", err)
	}

	var history policy.HistorySink
	if cfg.PostgresConnString != "" {
		sink, err := policy.NewPostgresSink(cfg.PostgresConnString, logger)
		if err != nil {
			fmt.Println("Error opening history sink:", err)
			return
		}
		history = sink
	}

	application, err := app.New(cfg, repo, history, logger)
	if err != nil {
		fmt.Println("Error building application:", err)
		return
	}

	logger.Printf("Starting price-to-tariff synchronization engine")
	logger.Printf("  Wholesale region: %s", cfg.WholesaleRegion)
	logger.Printf("  Push enabled: %v", cfg.PushEnabled)
	if cfg.DryRun {
		logger.Printf("  dry_run is set, but no component reads it: device actions are not simulated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := application.Start(ctx); err != nil {
		logger.Printf("Startup error: %v", err)
		return
	}

	logger.Printf("Started. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	application.Stop(stopCtx)

	logger.Printf("Stopped")
}

func showHelp() {
	fmt.Println("tariffsyncd - syncs wholesale electricity prices into device-native TOU tariffs")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  tariffsyncd [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  tariffsyncd --config=config.json --users=users.json")
}
