package main

import (
	"FlowDAQ/internal/api"
	"FlowDAQ/internal/config"
	"FlowDAQ/internal/registry"
	"FlowDAQ/internal/sink"
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	dbPath := flag.String("db", "", "Override registry.path")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.Registry.Path = *dbPath
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "data/measurements.db"
	}

	store, err := registry.OpenSQLite(cfg.Registry.Path)
	if err != nil {
		log.Fatalf("Failed to open registry database: %v", err)
	}
	defer store.Close()
	log.Printf("Registry database opened at %s", cfg.Registry.Path)

	var archive api.Archive
	if cfg.ClickHouse.Enabled {
		querier, err := sink.NewClickHouseQuerier(cfg.ClickHouse)
		if err != nil {
			log.Printf("ClickHouse archive unavailable, statistics come from stored documents: %v", err)
		} else {
			defer querier.Close()
			archive = querier
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run gRPC health server
	grpcServer := grpc.NewServer()
	healthReporter := registry.RegisterHealth(grpcServer, store, 10*time.Second)
	go healthReporter.Run(ctx)

	lis, err := net.Listen("tcp", cfg.API.GRPCListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.API.GRPCListenAddr, err)
	}
	go func() {
		log.Printf("gRPC health server starting on %s", cfg.API.GRPCListenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	// Run HTTP API
	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           api.NewRouter(store, archive, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Registry API starting on %s", cfg.API.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Servers shutting down...")

	cancel()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("All servers exited.")
}
