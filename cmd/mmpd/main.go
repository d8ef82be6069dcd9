// mmpd is a mining work-distribution proxy: it speaks the line-oriented
// MMP protocol to miners, splits upstream work units across them, and
// relays accepted solutions back upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cfsworks/mmpd/internal/config"
	"github.com/cfsworks/mmpd/internal/server"
	"github.com/cfsworks/mmpd/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mmpd v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("mmpd v%s starting", version)

	root, err := server.New(cfg)
	if err != nil {
		util.Fatalf("Failed to assemble server: %v", err)
	}

	if cfg.Work.Motd != "" {
		// A motd set in the config file overwrites the stored one on every
		// boot; admin setconfig changes to it last only until the next
		// restart. An empty work.motd leaves the stored value alone.
		if err := root.Accounts.SetConfig(context.Background(), "motd", cfg.Work.Motd); err != nil {
			util.Warnf("Failed to seed motd: %v", err)
		}
	}

	if err := root.Start(); err != nil {
		util.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("mmpd started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	root.Stop()

	util.Info("mmpd stopped")
}
