package main

import (
	"FlowDAQ/internal/config"
	"FlowDAQ/internal/stream"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	natsURL := flag.String("nats", "", "Override nats.url")
	samples := flag.Bool("samples", true, "Print sample messages")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}

	sub, err := stream.NewSubscriber(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to create NATS subscriber: %v", err)
	}
	defer sub.Close()

	marshaler := protojson.MarshalOptions{UseProtoNames: true}
	err = sub.Start(func(msg *stream.Message) {
		if msg.Kind == stream.KindSample && !*samples {
			return
		}
		data, err := marshaler.Marshal(msg.Payload)
		if err != nil {
			log.Printf("Error rendering message on '%s': %v", msg.Subject, err)
			return
		}
		fmt.Printf("%-12s %s\n", msg.Kind, data)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Monitor shutting down...")
}
