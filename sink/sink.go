// Package sink holds what every capture sink shares: the on-disk naming
// scheme, the metadata record written next to each frame, and the discard
// sink used for dry runs.
package sink

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/pkg/timestamp"
)

// Extensions used for the frame payload and its metadata record
const (
	RawExt  = ".raw"
	MetaExt = ".json"
)

// DefaultCamera names frames whose settings carry no camera
const DefaultCamera = "MAIN"

// CharacteristicsName is the stem of the per-burst characteristics record
const CharacteristicsName = "CHARACTERISTICS"

// folderTimeLayout renders a burst start as yyyy_MM_dd_HH_mm_ss
const folderTimeLayout = "2006_01_02_15_04_05"

// FolderName returns the burst folder name: the start time, then the
// descriptor after a dash when one is given.
func FolderName(started time.Time, descriptor string) string {
	name := started.Format(folderTimeLayout)
	if descriptor == "" {
		return name
	}
	return name + "-" + descriptor
}

// Characteristics is the JSON record written once per burst, describing the
// camera configuration the burst ran with.
type Characteristics struct {
	SessionID       string                  `json:"session_id"`
	StartedAt       time.Time               `json:"started_at"`
	Camera          string                  `json:"camera"`
	Settings        capture.RequestSettings `json:"settings"`
	TargetFPS       float64                 `json:"target_fps"`
	PoolCapacity    int                     `json:"pool_capacity"`
	Reserve         int                     `json:"reserve"`
	MaxInFlight     int                     `json:"max_in_flight"`
	MaxFrames       int                     `json:"max_frames"`
	Characteristics map[string]string       `json:"characteristics,omitempty"`
}

// NewCharacteristics builds the characteristics record for a burst.
func NewCharacteristics(b capture.Burst) Characteristics {
	camera := b.Settings.Camera
	if camera == "" {
		camera = DefaultCamera
	}
	return Characteristics{
		SessionID:       b.SessionID,
		StartedAt:       b.StartedAt,
		Camera:          camera,
		Settings:        b.Settings,
		TargetFPS:       b.TargetFPS,
		PoolCapacity:    b.PoolCapacity,
		Reserve:         b.Reserve,
		MaxInFlight:     b.PoolCapacity - b.Reserve,
		MaxFrames:       b.MaxFrames,
		Characteristics: b.Characteristics,
	}
}

// BaseName returns the file stem for a pair, IMG_<camera>_<NNN>.
func BaseName(pair capture.MatchedPair) string {
	camera := pair.Settings.Camera
	if camera == "" {
		camera = DefaultCamera
	}
	return fmt.Sprintf("IMG_%s_%03d", camera, pair.Index)
}

// Record is the JSON metadata document stored next to each frame.
type Record struct {
	SessionID string                  `json:"session_id"`
	RequestID string                  `json:"request_id"`
	Seq       uint64                  `json:"seq"`
	Index     int                     `json:"index"`
	Timestamp int64                   `json:"timestamp"`
	Captured  string                  `json:"captured_at,omitempty"`
	Width     int                     `json:"width"`
	Height    int                     `json:"height"`
	Format    string                  `json:"format"`
	Bytes     int                     `json:"bytes"`
	Settings  capture.RequestSettings `json:"settings"`
	Metadata  capture.Metadata        `json:"metadata"`
	Submitted time.Time               `json:"submitted_at"`
	Written   time.Time               `json:"written_at"`
}

// NewRecord builds the metadata record for a pair.
func NewRecord(pair capture.MatchedPair) Record {
	r := Record{
		SessionID: pair.SessionID,
		RequestID: pair.Token.ID,
		Seq:       pair.Token.Seq,
		Index:     pair.Index,
		Settings:  pair.Settings,
		Metadata:  pair.Metadata,
		Submitted: pair.Token.SubmittedAt,
		Written:   time.Now().UTC(),
	}
	if f := pair.Frame; f != nil {
		r.Timestamp = f.Timestamp
		r.Captured = timestamp.SensorTime(f.Timestamp).Format(time.RFC3339Nano)
		r.Width = f.Width
		r.Height = f.Height
		r.Format = f.Format
		r.Bytes = len(f.Data)
	}
	return r
}

// Release closes the pair's frame. Sinks call it on every path; a frame
// released twice is logged and otherwise ignored.
func Release(logger *slog.Logger, component string, pair capture.MatchedPair) {
	if pair.Frame == nil {
		return
	}
	if err := pair.Frame.Release(); err != nil {
		if stderrors.Is(err, capture.ErrFrameAlreadyReleased) {
			logger.Warn("Frame released twice",
				"component", component,
				"seq", pair.Token.Seq,
				"timestamp", pair.Frame.Timestamp)
			return
		}
		logger.Error("Frame release failed", "component", component, "error", err)
	}
}

// Discard accepts every pair and drops it. It is the sink for dry runs and
// throughput measurements.
type Discard struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewDiscard creates a discard sink. metrics may be nil.
func NewDiscard(metrics *metric.Metrics, logger *slog.Logger) *Discard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discard{logger: logger, metrics: metrics}
}

// Accept implements capture.Sink
func (d *Discard) Accept(_ context.Context, pair capture.MatchedPair) error {
	start := time.Now()
	n := 0
	if pair.Frame != nil {
		n = len(pair.Frame.Data)
	}
	Release(d.logger, "discard-sink", pair)

	d.frames.Add(1)
	d.bytes.Add(int64(n))
	if d.metrics != nil {
		d.metrics.RecordSinkWrite("discard", n, time.Since(start), nil)
	}
	return nil
}

// Counts returns the frames and bytes accepted so far.
func (d *Discard) Counts() (frames, bytes int64) {
	return d.frames.Load(), d.bytes.Load()
}
