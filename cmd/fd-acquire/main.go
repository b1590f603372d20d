package main

import (
	"FlowDAQ/internal/acquisition"
	"FlowDAQ/internal/ai"
	"FlowDAQ/internal/config"
	"FlowDAQ/internal/inference"
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/notification"
	"FlowDAQ/internal/registry"
	"FlowDAQ/internal/report"
	"FlowDAQ/internal/session"
	"FlowDAQ/internal/sink"
	"FlowDAQ/internal/stream"
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const finalizeRetries = 3

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	fileName := flag.String("name", "", "Override acquisition.file_name")
	duration := flag.Float64("duration", 0, "Override acquisition.duration_seconds")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *fileName != "" {
		cfg.Acquisition.FileName = *fileName
	}
	if *duration > 0 {
		cfg.Acquisition.DurationSeconds = *duration
	}

	metricsRegistry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
			log.Printf("Metrics server starting on %s", cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	runRegistry, closeRegistry := openRegistry(cfg)
	defer closeRegistry()

	opts := session.Options{
		Generator:       acquisition.NewSyntheticGenerator(cfg.Acquisition.Seed),
		Registry:        runRegistry,
		Writers:         buildWriters(cfg),
		FinalizeTimeout: cfg.Acquisition.FinalizeTimeoutDuration(),
	}

	if cfg.Inference.Enabled {
		opts.Predictor = inference.NewClient(inference.Options{
			URL:            cfg.Inference.URL,
			Hop:            cfg.Inference.Hop,
			ReconnectDelay: cfg.Inference.ReconnectDelayDuration(),
			WriteTimeout:   cfg.Inference.WriteTimeoutDuration(),
			QueueSize:      cfg.Inference.SendQueue,
			Dialer:         inference.WebSocketDialer(cfg.Inference.HandshakeTimeoutDuration()),
			Registerer:     metricsRegistry,
		})
	}

	if cfg.NATS.Enabled {
		publisher, err := stream.NewPublisher(cfg.NATS)
		if err != nil {
			log.Fatalf("Failed to create NATS publisher: %v", err)
		}
		defer publisher.Close()
		opts.Publisher = publisher
	}

	ctrl := session.New(session.Config{
		FileName:        cfg.Acquisition.FileName,
		DurationSeconds: cfg.Acquisition.DurationSeconds,
		SampleRateHz:    cfg.Acquisition.SampleRateHz,
		Channels:        cfg.Acquisition.Channels,
		ModelVersion:    cfg.Acquisition.ModelVersion,
	}, opts)

	events, unsubscribe := ctrl.Subscribe(256)
	defer unsubscribe()
	go logEvents(events, int(cfg.Acquisition.SampleRateHz))

	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start acquisition: %v", err)
	}
	snap := ctrl.Snapshot()
	log.Printf("Acquisition %s started: %d samples planned over %gs on %v", snap.RunID, snap.Planned, cfg.Acquisition.DurationSeconds, snap.Channels)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctrl.Finished():
	case sig := <-quit:
		log.Printf("Received %s, stopping acquisition...", sig)
		if err := ctrl.Stop(ctx); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			log.Printf("Error stopping acquisition: %v", err)
		}
		<-ctrl.Finished()
	}

	err = ctrl.Err()
	for attempt := 1; err != nil; attempt++ {
		var perr *session.PersistError
		if !errors.As(err, &perr) || attempt > finalizeRetries {
			log.Fatalf("Failed to persist run: %v", err)
		}
		log.Printf("Persisting run %s failed (attempt %d), retrying: %v", perr.RunID, attempt, err)
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
		err = finalizeWithTimeout(ctrl, cfg.Acquisition.FinalizeTimeoutDuration())
	}

	snap = ctrl.Snapshot()
	log.Printf("Acquisition %s %s with %d samples, regimen %s.", snap.RunID, snap.Status, snap.SampleCount, snap.Classification.Label)
	for _, st := range snap.Statistics {
		if st.Available {
			log.Printf("  %s: mean %.2f, std %.2f, min %.2f, max %.2f", st.Channel, st.Mean, st.StdDev, st.Min, st.Max)
		} else {
			log.Printf("  %s: not enough samples", st.Channel)
		}
	}
}

func finalizeWithTimeout(ctrl *session.Controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return ctrl.Finalize(ctx)
}

// openRegistry prefers a remote fd-registry and falls back to a local SQLite file.
func openRegistry(cfg *config.Config) (model.RunRegistry, func()) {
	if cfg.Registry.URL != "" {
		if cfg.Registry.HealthAddr != "" {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.TimeoutDuration())
			if err := registry.CheckHealth(ctx, cfg.Registry.HealthAddr); err != nil {
				log.Printf("WARNING: registry at %s may be unavailable: %v", cfg.Registry.HealthAddr, err)
			}
			cancel()
		}
		log.Printf("Using remote registry at %s", cfg.Registry.URL)
		return registry.NewHTTPClient(cfg.Registry.URL, cfg.Registry.TimeoutDuration()), func() {}
	}
	if cfg.Registry.Path != "" {
		store, err := registry.OpenSQLite(cfg.Registry.Path)
		if err != nil {
			log.Fatalf("Failed to open registry database: %v", err)
		}
		log.Printf("Using local registry at %s", cfg.Registry.Path)
		return store, func() { store.Close() }
	}
	log.Println("No registry configured, runs get local identifiers only.")
	return nil, func() {}
}

func buildWriters(cfg *config.Config) []model.Writer {
	var writers []model.Writer

	if cfg.Export.Enabled {
		writers = append(writers, sink.NewFileWriter(cfg.Export.Directory))
	}

	if cfg.ClickHouse.Enabled {
		w, err := sink.NewClickHouseWriter(cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to create ClickHouse writer: %v", err)
		}
		writers = append(writers, w)
	}

	if cfg.Report.Enabled {
		var analyzer model.Analyzer
		if cfg.Report.AIAnalysis {
			a, err := ai.NewRunAnalyzer(cfg.AI)
			if err != nil {
				log.Printf("AI analysis disabled: %v", err)
			} else {
				analyzer = a
			}
		}
		notifier := notification.NewEmailNotifier(cfg.SMTP)
		writers = append(writers, report.NewReporter(notifier, analyzer, cfg.AI.TimeoutDuration()))
	}

	return writers
}

func logEvents(events <-chan session.Event, every int) {
	if every <= 0 {
		every = 1
	}
	for ev := range events {
		switch ev.Type {
		case session.EventSample:
			if ev.Index%every == 0 {
				log.Printf("t=%6.2fs sample #%d %s", ev.Sample.Time, ev.Index+1, ev.Sample.Regimen)
			}
		case session.EventStatus:
			log.Printf("Session status: %s", ev.Status)
		case session.EventClassification:
			log.Printf("Regimen: %s %v", ev.Classification.Label, ev.Classification.Probabilities)
		case session.EventConnection:
			log.Printf("Inference connection: %s", ev.Connection)
		case session.EventWarning:
			log.Printf("WARNING: %s", ev.Warning)
		case session.EventFinalized:
			log.Printf("Run %s persisted.", ev.RunID)
		}
	}
}
