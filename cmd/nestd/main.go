// nestd is a standalone peer-sync node for a nest database.
//
// It reads configuration from db.json in the working directory, opens
// the database at the configured data directory, and starts the
// peer-sync listener if one is configured. Configured peers are attached
// per repository as repositories are opened; nestd opens none itself.
//
// Usage:
//
//	./nestd                 # reads ./db.json, starts the node
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelkv/nest"
	"github.com/kestrelkv/nest/config"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("nestd starting...")

	cfg, err := config.Load("db.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (dataDir=%s listen=%s peers=%d)", cfg.DataDir, cfg.ListenAddr, len(cfg.PeerURLs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	db, err := nest.Open(cfg.DataDir, nest.FromConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Printf("Database opened at %s", cfg.DataDir)

	<-ctx.Done()

	if err := db.Close(); err != nil {
		log.Printf("Warning: error closing database: %v", err)
	}
	log.Println("nestd stopped")
}
