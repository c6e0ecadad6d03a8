// Package main runs the appforge orchestrator server: it turns submitted
// prompts into app records and dispatches platform build jobs to workers.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/appforge-dev/appforge/internal/app/runtime"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if v := os.Getenv("APPFORGE_CONFIG"); v != "" && *configPath == "" {
		*configPath = v
	}

	cfg, err := runtime.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := runtime.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to assemble server: %v", err)
	}

	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[appforge] ")
}
