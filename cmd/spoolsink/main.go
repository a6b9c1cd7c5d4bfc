package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spoolsink/pkg/admin"
	"spoolsink/pkg/config"
	"spoolsink/pkg/control"
	"spoolsink/pkg/engine"
	"spoolsink/pkg/ingest"
	"spoolsink/pkg/logging"
	"spoolsink/pkg/metrics"
	"spoolsink/pkg/output"
	"spoolsink/pkg/spool"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "spoolsink: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	logger.Info("initializing spoolsink", zap.Uint64("buffer_size", cfg.Buffer.Size))

	buffer, err := engine.NewRingBuffer(cfg.Buffer.Size)
	if err != nil {
		return fmt.Errorf("create buffer: %w", err)
	}

	// Every spool output in the process shares these files.
	files := spool.NewFiles(cfg.Spool.Sink().FileMode, m)

	// The static output serves until the control plane provides one, and
	// again whenever a manifest lists no outputs.
	staticOutput := func() (output.Output, error) {
		if cfg.Spool.Path == "" {
			return output.NewConsoleOutput(), nil
		}
		sink, err := spool.New(cfg.Spool.Sink(),
			spool.WithLogger(logger.With(zap.String("output", "spool"))),
			spool.WithMetrics(m),
			spool.WithFiles(files))
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	initial, err := staticOutput()
	if err != nil {
		return fmt.Errorf("create spool output: %w", err)
	}

	pipeline := engine.NewPipeline(buffer, engine.NewProcessorChain(), initial, logger, m)
	pipeline.UpdateBatchSize(cfg.Buffer.BatchSize)

	tcp := ingest.NewTCPIngestor(fmt.Sprintf(":%d", cfg.Server.TCPPort), buffer, logger, m)
	udp := ingest.NewUDPIngestor(fmt.Sprintf(":%d", cfg.Server.UDPPort), buffer, logger, m)

	status := func() map[string]any {
		return map[string]any{
			"buffer_usage":    buffer.Usage(),
			"buffer_capacity": buffer.Capacity(),
			"buffer_dropped":  buffer.DroppedCount(),
		}
	}
	adminSrv := admin.NewServer(fmt.Sprintf(":%d", cfg.Server.HTTPPort), admin.NewRouter(reg, status), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// The pipeline starts first so ingested entries always have a consumer.
	pipeline.Start(ctx)

	if cfg.Redis.Address != "" {
		watcher := control.NewWatcher(cfg.Redis, pipeline, logger, m,
			control.WithDefaultOutput(staticOutput),
			control.WithFiles(files))
		defer func() { _ = watcher.Close() }()
		g.Go(func() error { return watcher.Start(ctx) })
	} else {
		logger.Info("control plane disabled, using static output only")
	}

	g.Go(func() error { return tcp.Start(ctx) })
	g.Go(func() error { return udp.Start(ctx) })
	g.Go(func() error { return adminSrv.Run(ctx) })

	logger.Info("spoolsink running",
		zap.Int("tcp_port", cfg.Server.TCPPort),
		zap.Int("udp_port", cfg.Server.UDPPort),
		zap.Int("http_port", cfg.Server.HTTPPort))

	runErr := g.Wait()

	logger.Info("shutting down, draining pipeline")
	pipeline.Wait()
	if err := pipeline.Close(); err != nil {
		logger.Error("failed to close output", zap.Error(err))
	}
	if err := files.Close(); err != nil {
		logger.Error("failed to close spool files", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("bye")
	return nil
}
