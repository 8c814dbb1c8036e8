package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/config"
	"github.com/Ilya-Muromets/Pani/gateway/websocket"
	"github.com/Ilya-Muromets/Pani/health"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/natsclient"
	"github.com/Ilya-Muromets/Pani/sink"
	"github.com/Ilya-Muromets/Pani/sink/filesink"
	"github.com/Ilya-Muromets/Pani/sink/objectstore"
	"github.com/Ilya-Muromets/Pani/source/natsbridge"
	"github.com/Ilya-Muromets/Pani/source/simulated"
)

const gatewayComponent = "progress-gateway"

// healthReporter is implemented by sinks and the progress gateway
type healthReporter interface {
	Health() health.Status
}

// app owns everything one pani process wires together
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	progress *capture.Progress

	nats      *natsclient.Client
	source    capture.FrameSource
	sink      capture.Sink
	session   *capture.Session
	metricsSr *metric.Server
	gateway   *websocket.Server
	reporters map[string]healthReporter
}

// newApp connects infrastructure and builds the session. Close releases
// whatever was set up, also after a partial failure.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		registry:  metric.NewMetricsRegistry(),
		monitor:   health.NewMonitor(),
		progress:  capture.NewProgress(),
		reporters: make(map[string]healthReporter),
	}

	if cfg.NeedsNATS() {
		nc, err := connectNATS(ctx, cfg, a.registry, logger)
		if err != nil {
			return nil, err
		}
		a.nats = nc
	}

	source, err := buildSource(cfg, a.nats, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.source = source

	out, err := buildSink(ctx, cfg, a.nats, a.registry, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sink = out
	if r, ok := out.(healthReporter); ok {
		a.reporters["sink"] = r
	}

	session, err := capture.NewSession(captureConfig(cfg.Capture), a.source, a.sink,
		capture.WithLogger(logger),
		capture.WithMetricsRegistry(a.registry),
		capture.WithHealthMonitor(a.monitor),
		capture.WithProgress(a.progress),
		capture.WithCharacteristics(burstCharacteristics(cfg)),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.session = session

	if err := a.startServers(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) startServers(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		a.metricsSr = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry, a.monitor)
		go func() {
			if err := a.metricsSr.Start(); err != nil {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
		a.logger.Info("Metrics server started", "address", a.metricsSr.Address())
	}

	if a.cfg.Progress.Enabled {
		wsCfg := websocket.DefaultConfig()
		wsCfg.Port = a.cfg.Progress.Port
		wsCfg.Path = a.cfg.Progress.Path
		gw, err := websocket.NewServer(wsCfg, a.progress, a.registry, a.logger)
		if err != nil {
			return err
		}
		if err := gw.Start(ctx); err != nil {
			return err
		}
		a.gateway = gw
		a.reporters[gatewayComponent] = gw
	}
	return nil
}

// RunBurst runs one burst until MaxFrames is reached, the burst stops on
// its own, or ctx is cancelled. A cancelled ctx requests a stop and waits
// up to drainTimeout before tearing down what is left.
func (a *app) RunBurst(ctx context.Context, drainTimeout time.Duration) (capture.Stats, error) {
	if err := a.session.Start(ctx); err != nil {
		return capture.Stats{}, err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-a.session.Done():
			break wait
		case <-ctx.Done():
			a.logger.Info("Stop requested, draining")
			a.session.RequestStop(capture.StopRequested)
			break wait
		case <-ticker.C:
			a.reportHealth()
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	err := a.session.Stop(stopCtx)
	a.reportHealth()

	stats := a.session.Stats()
	if err != nil {
		return stats, err
	}
	if stats.Err != "" {
		return stats, fmt.Errorf("burst stopped (%s): %s", stats.StopReason, stats.Err)
	}
	return stats, nil
}

func (a *app) reportHealth() {
	var core *metric.Metrics
	if a.registry != nil {
		core = a.registry.CoreMetrics()
	}
	for name, r := range a.reporters {
		status := r.Health()
		a.monitor.Update(name, status)
		if core != nil {
			core.RecordHealthStatus(name, status.IsHealthy())
		}
	}
	if a.nats != nil {
		switch status := a.nats.Status(); {
		case a.nats.IsHealthy():
			a.monitor.UpdateHealthy("nats", status.String())
		case status == natsclient.StatusReconnecting:
			a.monitor.UpdateDegraded("nats", status.String())
		default:
			a.monitor.UpdateUnhealthy("nats", status.String())
		}
	}
}

// Close stops servers and disconnects from NATS
func (a *app) Close() {
	if a.gateway != nil {
		if err := a.gateway.Stop(5 * time.Second); err != nil {
			a.logger.Warn("Progress gateway stop failed", "error", err)
		}
		// A stopped gateway is gone, not unhealthy.
		delete(a.reporters, gatewayComponent)
		a.monitor.Remove(gatewayComponent)
		a.gateway = nil
	}
	if a.metricsSr != nil {
		if err := a.metricsSr.Stop(); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
}

func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry,
	logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithLogger(logger),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if !healthy {
				logger.Warn("NATS connection lost", "url", cfg.NATS.URL)
			}
		}),
	}
	if d := cfg.NATS.PingInterval.Std(); d > 0 {
		opts = append(opts, natsclient.WithPingInterval(d))
	}
	if d := cfg.NATS.DrainTimeout.Std(); d > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(d))
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry.CoreMetrics()))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	nc, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}

func buildSource(cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (capture.FrameSource, error) {
	switch cfg.Source.Type {
	case config.SourceSimulated:
		return simulated.New(simulatedConfig(cfg), logger), nil
	case config.SourceNATS:
		if nc == nil {
			return nil, fmt.Errorf("source %q needs a NATS connection", cfg.Source.Type)
		}
		b := cfg.Source.Bridge
		return natsbridge.NewBridge(nc, b.SubjectPrefix, b.ImageBuffer, logger), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func simulatedConfig(cfg *config.Config) simulated.Config {
	sim := cfg.Source.Simulated
	return simulated.Config{
		Width:            sim.Width,
		Height:           sim.Height,
		FrameInterval:    sim.FrameInterval.Std(),
		CompletionJitter: sim.CompletionJitter.Std(),
		ImageJitter:      sim.ImageJitter.Std(),
		DropRate:         sim.DropRate,
		Seed:             sim.Seed,
		Buffer:           2 * cfg.Capture.PoolCapacity,
	}
}

func buildSink(ctx context.Context, cfg *config.Config, nc *natsclient.Client, registry *metric.MetricsRegistry,
	logger *slog.Logger) (capture.Sink, error) {
	switch cfg.Sink.Type {
	case config.SinkFile:
		return filesink.New(filesink.Config{
			Dir:         cfg.Sink.Dir,
			Overwrite:   cfg.Sink.Overwrite,
			SessionDirs: true,
			Descriptor:  sinkDescriptor(cfg),
		}, registry.CoreMetrics(), logger)
	case config.SinkObjectStore:
		if nc == nil {
			return nil, fmt.Errorf("sink %q needs a NATS connection", cfg.Sink.Type)
		}
		osCfg := objectstore.DefaultConfig(cfg.Sink.Bucket)
		osCfg.Overwrite = cfg.Sink.Overwrite
		return objectstore.Open(ctx, nc, osCfg, registry, logger)
	case config.SinkDiscard:
		return sink.NewDiscard(registry.CoreMetrics(), logger), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

func sinkDescriptor(cfg *config.Config) string {
	if cfg.Sink.Descriptor != "" {
		return cfg.Sink.Descriptor
	}
	return cfg.Capture.Camera
}

// burstCharacteristics describes the source and sink for the per-burst record.
func burstCharacteristics(cfg *config.Config) map[string]string {
	c := map[string]string{
		"source": cfg.Source.Type,
		"sink":   cfg.Sink.Type,
	}
	switch cfg.Source.Type {
	case config.SourceSimulated:
		c["width"] = strconv.Itoa(cfg.Source.Simulated.Width)
		c["height"] = strconv.Itoa(cfg.Source.Simulated.Height)
		c["drop_rate"] = strconv.FormatFloat(cfg.Source.Simulated.DropRate, 'g', -1, 64)
	case config.SourceNATS:
		c["subject_prefix"] = cfg.Source.Bridge.SubjectPrefix
	}
	return c
}

func captureConfig(c config.CaptureConfig) capture.Config {
	return capture.Config{
		TargetFPS:    c.TargetFPS,
		PoolCapacity: c.PoolCapacity,
		Reserve:      c.Reserve,
		MaxFrames:    c.MaxFrames,
		DrainTimeout: c.DrainTimeout.Std(),
		SinkWorkers:  c.SinkWorkers,
		Settings: capture.RequestSettings{
			Camera:         c.Camera,
			ISO:            c.Settings.ISO,
			ExposureTime:   c.Settings.ExposureTime.Std(),
			FocusDistance:  c.Settings.FocusDistance,
			ManualExposure: c.Settings.ManualExposure,
			ManualFocus:    c.Settings.ManualFocus,
			LockAE:         c.Settings.LockAE,
			LockAF:         c.Settings.LockAF,
			LockOIS:        c.Settings.LockOIS,
		},
	}
}
