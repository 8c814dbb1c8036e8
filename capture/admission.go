package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Ilya-Muromets/Pani/errors"
)

// Admission submits capture requests at the target cadence while keeping the
// in-flight count within its limit.
type Admission struct {
	sessionID string
	source    FrameSource
	settings  RequestSettings
	ledger    *Ledger
	inFlight  *InFlight
	limiter   *rate.Limiter
	maxFrames int
	metrics   *Metrics
	logger    *slog.Logger

	seq       atomic.Uint64
	submitted atomic.Int64
}

// NewAdmission creates a submitter for one burst. maxFrames <= 0 means no
// limit.
func NewAdmission(sessionID string, source FrameSource, settings RequestSettings, ledger *Ledger,
	inFlight *InFlight, targetFPS float64, maxFrames int, metrics *Metrics, logger *slog.Logger) *Admission {
	if metrics == nil {
		metrics = newMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		sessionID: sessionID,
		source:    source,
		settings:  settings,
		ledger:    ledger,
		inFlight:  inFlight,
		limiter:   rate.NewLimiter(rate.Limit(targetFPS), 1),
		maxFrames: maxFrames,
		metrics:   metrics,
		logger:    logger,
	}
}

// Submitted returns the number of requests handed to the source
func (a *Admission) Submitted() int64 {
	return a.submitted.Load()
}

// SubmitNext waits for the next cadence tick and for in-flight room, then
// records a new token in the ledger and submits it. It returns
// ErrAdmissionStopped when ctx ends while waiting and ErrMaxFramesReached
// once the frame budget is spent.
func (a *Admission) SubmitNext(ctx context.Context) (RequestToken, error) {
	if a.maxFrames > 0 && a.submitted.Load() >= int64(a.maxFrames) {
		return RequestToken{}, ErrMaxFramesReached
	}

	if err := a.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return RequestToken{}, ErrAdmissionStopped
		}
		return RequestToken{}, errors.WrapTransient(err, "Admission", "SubmitNext", "cadence wait")
	}
	if err := a.inFlight.Acquire(ctx); err != nil {
		return RequestToken{}, ErrAdmissionStopped
	}
	// A stop that lands as the slot frees up still aborts the submission.
	if ctx.Err() != nil {
		a.releaseSlot()
		return RequestToken{}, ErrAdmissionStopped
	}

	token := RequestToken{
		ID:          uuid.NewString(),
		Seq:         a.seq.Add(1),
		SubmittedAt: time.Now(),
	}

	// The token must be in the ledger before the source can complete it.
	a.ledger.Append(token)

	if err := a.source.Submit(ctx, token, a.settings); err != nil {
		a.ledger.Remove(token)
		a.releaseSlot()
		if ctx.Err() != nil {
			return RequestToken{}, ErrAdmissionStopped
		}
		return RequestToken{}, errors.WrapTransient(err, "Admission", "SubmitNext", "source submit")
	}

	a.submitted.Add(1)
	a.metrics.submitted.Inc()
	a.metrics.inFlight.Set(float64(a.inFlight.Load()))
	a.logger.Debug("Request submitted", "token", token.String(), "in_flight", a.inFlight.Load())
	return token, nil
}

func (a *Admission) releaseSlot() {
	if err := a.inFlight.Release(); err != nil {
		a.logger.Error("In-flight release failed", "error", err)
	}
	a.metrics.inFlight.Set(float64(a.inFlight.Load()))
}
