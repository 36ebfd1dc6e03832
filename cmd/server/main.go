package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/config"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/server"
)

func main() {
	// Flags override environment variables
	rpcAddr := flag.String("rpc", "", "RPC listen address (RPC_ADDR)")
	httpAddr := flag.String("http", "", "HTTP listen address (HTTP_ADDR)")
	storage := flag.String("storage", "", "storage directory (STORAGE_PATH)")
	policy := flag.String("policy", "", "access policy file (GATE_POLICY_FILE)")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *rpcAddr != "" {
		cfg.Server.RPCAddr = *rpcAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *storage != "" {
		cfg.Storage.Path = *storage
	}
	if *policy != "" {
		cfg.Gate.PolicyFile = *policy
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		log.Println("Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		srv.Close()
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}
}
