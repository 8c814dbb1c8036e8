package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/config"
	"github.com/Ilya-Muromets/Pani/sink"
)

func TestRootCmd(t *testing.T) {
	cmd := newRootCmd()
	require.NotNil(t, cmd)
	assert.Equal(t, "pani", cmd.Use)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"burst", "relay", "validate", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
}

func TestBurstCmd_Flags(t *testing.T) {
	cmd := burstCmd(&globalOptions{})
	assert.Equal(t, "burst", cmd.Use)
	assert.NotEmpty(t, cmd.Long)

	frames := cmd.Flags().Lookup("frames")
	require.NotNil(t, frames)
	assert.Equal(t, "n", frames.Shorthand)
	for _, name := range []string{"fps", "camera", "source", "sink", "dir", "metrics-port", "progress", "output"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "pani version "+Version)
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pani.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  camera: TELE\nnats:\n  password: secret\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", path, "--show"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "configuration is valid")
	assert.Contains(t, out.String(), "TELE")
	assert.NotContains(t, out.String(), "secret")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("capture:\n  camera: FISHEYE\n"), 0o600))
	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"validate", "-c", bad})
	assert.Error(t, cmd.Execute())

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "-c", bad, "--show"})
	assert.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "FISHEYE")
	assert.NotContains(t, out.String(), "configuration is valid")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"validate", "-c", filepath.Join(dir, "missing.yaml")})
	assert.Error(t, cmd.Execute())
}

func TestBurstOptions_Apply(t *testing.T) {
	cfg := config.Default()
	opts := &burstOptions{Frames: 0, FPS: 5, Camera: "UW", Sink: "discard", MetricsPort: 9191, Progress: true}
	opts.apply(cfg)

	assert.Equal(t, 0, cfg.Capture.MaxFrames)
	assert.Equal(t, 5.0, cfg.Capture.TargetFPS)
	assert.Equal(t, "UW", cfg.Capture.Camera)
	assert.Equal(t, config.SinkDiscard, cfg.Sink.Type)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.True(t, cfg.Progress.Enabled)

	untouched := config.Default()
	(&burstOptions{Frames: -1}).apply(untouched)
	assert.Equal(t, config.Default().Capture.MaxFrames, untouched.Capture.MaxFrames)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "pani", rec["service"])

	buf.Reset()
	setupLogger("info", "text", &buf).Info("plain")
	assert.True(t, strings.Contains(buf.String(), "msg=plain"))
}

func TestValidateLogFlags(t *testing.T) {
	assert.NoError(t, validateLogFlags(&globalOptions{LogLevel: "debug", LogFormat: "text"}))
	assert.Error(t, validateLogFlags(&globalOptions{LogLevel: "verbose", LogFormat: "json"}))
	assert.Error(t, validateLogFlags(&globalOptions{LogLevel: "info", LogFormat: "xml"}))
}

func TestCaptureConfig(t *testing.T) {
	cc := config.Default().Capture
	cc.DrainTimeout = config.Duration(2 * time.Second)
	got := captureConfig(cc)

	assert.Equal(t, 42, got.PoolCapacity)
	assert.Equal(t, 38, got.MaxInFlight())
	assert.Equal(t, 2*time.Second, got.DrainTimeout)
	assert.Equal(t, "MAIN", got.Settings.Camera)
	assert.Equal(t, 10*time.Millisecond, got.Settings.ExposureTime)
	assert.NoError(t, got.Validate())
}

func testApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Capture.TargetFPS = 500
	cfg.Capture.MaxFrames = 12
	cfg.Source.Simulated.Width = 8
	cfg.Source.Simulated.Height = 8
	cfg.Source.Simulated.FrameInterval = config.Duration(time.Millisecond)
	cfg.Source.Simulated.CompletionJitter = config.Duration(time.Millisecond)
	cfg.Source.Simulated.ImageJitter = config.Duration(time.Millisecond)
	cfg.Capture.Settings.ExposureTime = config.Duration(time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestApp_BurstToFiles(t *testing.T) {
	dir := t.TempDir()
	a := testApp(t, func(cfg *config.Config) {
		cfg.Sink.Type = config.SinkFile
		cfg.Sink.Dir = dir
	})

	stats, err := a.RunBurst(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.Submitted)
	assert.Positive(t, stats.Matched)
	assert.Equal(t, stats.Submitted, stats.Matched+stats.NoImage+stats.Mismatch)
	assert.Equal(t, capture.StopMaxFrames, stats.StopReason)
	assert.Equal(t, 0, stats.InFlight)

	folders, err := filepath.Glob(filepath.Join(dir, "*", "CHARACTERISTICS.json"))
	require.NoError(t, err)
	require.Len(t, folders, 1)
	burstDir := filepath.Dir(folders[0])
	assert.Regexp(t, `^\d{4}(_\d{2}){5}`, filepath.Base(burstDir))

	data, err := os.ReadFile(folders[0])
	require.NoError(t, err)
	var c sink.Characteristics
	require.NoError(t, json.Unmarshal(data, &c))
	assert.Equal(t, stats.SessionID, c.SessionID)
	assert.Equal(t, config.SourceSimulated, c.Characteristics["source"])

	raws, err := filepath.Glob(filepath.Join(burstDir, "IMG_MAIN_*.raw"))
	require.NoError(t, err)
	assert.Len(t, raws, int(stats.Matched))

	status, ok := a.monitor.Get("sink")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
}

func TestApp_CancelDrains(t *testing.T) {
	a := testApp(t, func(cfg *config.Config) {
		cfg.Capture.MaxFrames = 0
		cfg.Sink.Type = config.SinkDiscard
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	stats, err := a.RunBurst(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, capture.StopRequested, stats.StopReason)
	assert.Positive(t, stats.Submitted)
	assert.Equal(t, stats.Submitted, stats.Matched+stats.NoImage+stats.Mismatch)
	assert.Zero(t, stats.TornDown)
	assert.Equal(t, 0, stats.Pooled)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestApp_CloseRemovesGatewayHealth(t *testing.T) {
	port := freePort(t)
	a := testApp(t, func(cfg *config.Config) {
		cfg.Sink.Type = config.SinkDiscard
		cfg.Progress.Enabled = true
		cfg.Progress.Port = port
	})

	a.reportHealth()
	status, ok := a.monitor.Get(gatewayComponent)
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	a.Close()
	_, ok = a.monitor.Get(gatewayComponent)
	assert.False(t, ok)

	a.reportHealth()
	_, ok = a.monitor.Get(gatewayComponent)
	assert.False(t, ok, "a closed gateway is not reported again")
}

func TestBuildSource_Unknown(t *testing.T) {
	cfg := config.Default()
	cfg.Source.Type = "webcam"
	_, err := buildSource(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Source.Type = config.SourceNATS
	_, err = buildSource(cfg, nil, nil)
	assert.Error(t, err)
}

func TestWriteStats(t *testing.T) {
	stats := capture.Stats{SessionID: "abc", Submitted: 3, Matched: 2, NoImage: 1, StopReason: capture.StopMaxFrames}

	var buf bytes.Buffer
	require.NoError(t, writeStats(&buf, "json", stats))
	var decoded capture.Stats
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, stats.Matched, decoded.Matched)

	buf.Reset()
	require.NoError(t, writeStats(&buf, "yaml", stats))
	assert.Contains(t, buf.String(), "session_id: abc")

	buf.Reset()
	require.NoError(t, writeStats(&buf, "text", stats))
	assert.Contains(t, buf.String(), "2 matched")
}
