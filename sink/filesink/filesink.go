// Package filesink writes matched pairs to a directory: the raw pixel buffer
// as IMG_<camera>_<NNN>.raw and its metadata as IMG_<camera>_<NNN>.json.
// Each burst also gets one CHARACTERISTICS.json describing its camera
// configuration. With SessionDirs every burst writes into its own folder
// named yyyy_MM_dd_HH_mm_ss-<descriptor>.
package filesink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/health"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/sink"
)

const (
	sinkName = "file"
	// maxFolderSuffix bounds the _N suffixes tried when a burst folder
	// name is already taken.
	maxFolderSuffix = 99
)

// Config holds configuration for the file sink
type Config struct {
	Dir       string
	Overwrite bool
	// SessionDirs writes each session into its own subdirectory.
	SessionDirs bool
	// Descriptor is appended to burst folder names.
	Descriptor string
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "dir is required")
	}
	return nil
}

// Sink writes frames to the local filesystem
type Sink struct {
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	// serializes directory creation
	dirMu    sync.Mutex
	dirs     map[string]bool
	sessions map[string]string

	framesWritten atomic.Int64
	bytesWritten  atomic.Int64
	errors        atomic.Int64
	lastActivity  atomic.Int64
	startTime     time.Time
}

// New creates the output directory and returns a ready sink. metrics may be nil.
func New(cfg Config, metrics *metric.Metrics, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Sink", "New", "create output directory")
	}

	return &Sink{
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "file-sink"),
		dirs:      map[string]bool{cfg.Dir: true},
		sessions:  make(map[string]string),
		startTime: time.Now(),
	}, nil
}

// Accept implements capture.Sink. The frame is released on every path.
func (s *Sink) Accept(ctx context.Context, pair capture.MatchedPair) error {
	defer sink.Release(s.logger, "file-sink", pair)

	start := time.Now()
	n, err := s.write(ctx, pair)
	if s.metrics != nil {
		s.metrics.RecordSinkWrite(sinkName, n, time.Since(start), err)
	}
	if err != nil {
		s.errors.Add(1)
		s.logger.Error("Frame write failed",
			"session_id", pair.SessionID,
			"seq", pair.Token.Seq,
			"error", err)
		return err
	}

	s.framesWritten.Add(1)
	s.bytesWritten.Add(int64(n))
	s.lastActivity.Store(time.Now().UnixNano())
	s.logger.Debug("Frame written",
		"session_id", pair.SessionID,
		"seq", pair.Token.Seq,
		"index", pair.Index,
		"bytes", n)
	return nil
}

func (s *Sink) write(ctx context.Context, pair capture.MatchedPair) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.WrapTransient(err, "Sink", "Accept", "write frame")
	}
	if pair.Frame == nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Sink", "Accept", "pair has no frame")
	}

	dir, err := s.dirFor(pair.SessionID)
	if err != nil {
		return 0, err
	}
	base := filepath.Join(dir, sink.BaseName(pair))

	if err := s.writeFile(base+sink.RawExt, pair.Frame.Data); err != nil {
		return 0, err
	}

	meta, err := json.MarshalIndent(sink.NewRecord(pair), "", "  ")
	if err != nil {
		return 0, errors.WrapInvalid(err, "Sink", "Accept", "marshal metadata")
	}
	if err := s.writeFile(base+sink.MetaExt, append(meta, '\n')); err != nil {
		return 0, err
	}

	return len(pair.Frame.Data) + len(meta) + 1, nil
}

// BeginBurst implements capture.BurstSink. It creates the burst folder and
// writes the characteristics record into it.
func (s *Sink) BeginBurst(ctx context.Context, b capture.Burst) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Sink", "BeginBurst", "start burst")
	}

	dir := s.cfg.Dir
	if s.cfg.SessionDirs {
		var err error
		if dir, err = s.makeBurstDir(sink.FolderName(b.StartedAt, s.cfg.Descriptor)); err != nil {
			s.errors.Add(1)
			return err
		}
	}

	data, err := json.MarshalIndent(sink.NewCharacteristics(b), "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "BeginBurst", "marshal characteristics")
	}
	if err := s.writeFile(filepath.Join(dir, sink.CharacteristicsName+sink.MetaExt), append(data, '\n')); err != nil {
		s.errors.Add(1)
		return err
	}

	s.dirMu.Lock()
	s.sessions[b.SessionID] = dir
	s.dirMu.Unlock()

	s.logger.Info("Burst folder ready", "session_id", b.SessionID, "dir", dir)
	return nil
}

// BurstDir returns the folder a session writes into, once BeginBurst ran.
func (s *Sink) BurstDir(sessionID string) (string, bool) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	dir, ok := s.sessions[sessionID]
	return dir, ok
}

// makeBurstDir creates a fresh folder for a burst. A taken name gets a _N
// suffix unless Overwrite allows reusing it.
func (s *Sink) makeBurstDir(name string) (string, error) {
	base := filepath.Join(s.cfg.Dir, name)

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if s.cfg.Overwrite {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", errors.WrapFatal(err, "Sink", "BeginBurst", "create burst directory")
		}
		s.dirs[base] = true
		return base, nil
	}

	dir := base
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			s.dirs[dir] = true
			return dir, nil
		}
		if !os.IsExist(err) || i > maxFolderSuffix {
			return "", errors.WrapFatal(err, "Sink", "BeginBurst", "create burst directory")
		}
		dir = fmt.Sprintf("%s_%d", base, i)
	}
}

func (s *Sink) dirFor(sessionID string) (string, error) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if dir, ok := s.sessions[sessionID]; ok {
		return dir, nil
	}

	if !s.cfg.SessionDirs || sessionID == "" {
		return s.cfg.Dir, nil
	}
	dir := filepath.Join(s.cfg.Dir, sessionID)
	if s.dirs[dir] {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WrapFatal(err, "Sink", "Accept", "create session directory")
	}
	s.dirs[dir] = true
	return dir, nil
}

func (s *Sink) writeFile(path string, data []byte) error {
	flags := os.O_CREATE | os.O_WRONLY
	if s.cfg.Overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Sink", "Accept", fmt.Sprintf("open %s", filepath.Base(path)))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.WrapFatal(err, "Sink", "Accept", fmt.Sprintf("write %s", filepath.Base(path)))
	}
	if err := f.Close(); err != nil {
		return errors.WrapFatal(err, "Sink", "Accept", fmt.Sprintf("close %s", filepath.Base(path)))
	}
	return nil
}

// Health reports the sink status with write counters
func (s *Sink) Health() health.Status {
	var last time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	failures := int(s.errors.Load())

	status := health.NewHealthy("file-sink", fmt.Sprintf("writing to %s", s.cfg.Dir))
	if failures > 0 {
		status = health.NewDegraded("file-sink", fmt.Sprintf("%d failed writes", failures))
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:        time.Since(s.startTime),
		ErrorCount:    failures,
		FramesMatched: s.framesWritten.Load(),
		LastActivity:  last,
	})
}

// Counts returns frames and bytes written so far.
func (s *Sink) Counts() (frames, bytes int64) {
	return s.framesWritten.Load(), s.bytesWritten.Load()
}
