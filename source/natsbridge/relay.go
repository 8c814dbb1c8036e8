package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
)

const relayStopTimeout = 5 * time.Second

// Relay serves the bridge protocol from a local FrameSource: requests
// received over NATS are submitted to the source, and the source's images
// and completions are published back.
type Relay struct {
	conn     Conn
	source   capture.FrameSource
	subjects Subjects
	logger   *slog.Logger

	mu     sync.Mutex
	served int64
	failed int64
}

// NewRelay creates a relay for source
func NewRelay(conn Conn, source capture.FrameSource, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		conn:     conn,
		source:   source,
		subjects: NewSubjects(prefix),
		logger:   logger.With("component", "nats-relay", "prefix", prefix),
	}
}

// Run serves until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	if err := r.source.Start(ctx); err != nil {
		return errors.WrapTransient(err, "Relay", "Run", "source start")
	}

	sub, err := r.conn.Subscribe(ctx, r.subjects.Requests, r.handleRequest)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), relayStopTimeout)
		defer cancel()
		_ = r.source.Stop(stopCtx)
		return errors.WrapTransient(err, "Relay", "Run", "request subscription")
	}
	r.logger.Info("Camera relay serving", "subject", r.subjects.Requests)

	var g errgroup.Group
	images := r.source.Images()
	completions := r.source.Completions()
	g.Go(func() error {
		for frame := range images {
			r.publish(encodeImage(r.subjects.Images, frame))
			_ = frame.Release()
		}
		return nil
	})
	g.Go(func() error {
		for ev := range completions {
			data, err := json.Marshal(ev)
			if err != nil {
				r.logger.Error("Completion encoding failed", "error", err)
				continue
			}
			msg := nats.NewMsg(r.subjects.Completions)
			msg.Data = data
			r.publish(msg)
		}
		return nil
	})

	<-ctx.Done()

	if err := r.conn.Unsubscribe(sub); err != nil {
		r.logger.Warn("Unsubscribe failed", "error", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), relayStopTimeout)
	defer cancel()
	if err := r.source.Stop(stopCtx); err != nil {
		r.logger.Warn("Source stop failed", "error", err)
	}
	_ = g.Wait()

	served, failed := r.Counts()
	r.logger.Info("Camera relay stopped", "served", served, "failed", failed)
	return nil
}

func (r *Relay) handleRequest(ctx context.Context, msg *nats.Msg) {
	var req requestMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.count(false)
		r.logger.Warn("Rejected request message", "error", err)
		return
	}
	if err := r.source.Submit(ctx, req.Token, req.Settings); err != nil {
		r.count(false)
		r.logger.Warn("Source refused request", "token", req.Token.String(), "error", err)
		return
	}
	r.count(true)
}

func (r *Relay) publish(msg *nats.Msg) {
	// Publishing must outlive the serve context so the drain can finish
	if err := r.conn.PublishMsg(context.Background(), msg); err != nil {
		r.logger.Warn("Publish failed", "subject", msg.Subject, "error", err)
	}
}

func (r *Relay) count(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.served++
	} else {
		r.failed++
	}
}

// Counts returns the number of requests served and refused
func (r *Relay) Counts() (served, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served, r.failed
}
