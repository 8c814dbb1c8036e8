package capture

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
)

// Outcome is how a completion event was resolved
type Outcome int

const (
	// OutcomeMatched means the event was paired with its image
	OutcomeMatched Outcome = iota
	// OutcomeNoImage means the pool was empty at the token's turn
	OutcomeNoImage
	// OutcomeMismatch means the oldest pooled image is newer than the event
	OutcomeMismatch
	// OutcomeUnknownToken means the event's token is not in the ledger
	OutcomeUnknownToken
	// OutcomeTeardown means the token was cleared while being handled
	OutcomeTeardown
	// OutcomeDispatchFailed means the pair could not be handed to the sink
	OutcomeDispatchFailed
)

// String implements fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNoImage:
		return "no_image"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeUnknownToken:
		return "unknown_token"
	case OutcomeTeardown:
		return "teardown"
	case OutcomeDispatchFailed:
		return "dispatch_failed"
	default:
		return "unknown"
	}
}

// Result describes one HandleCompletion call
type Result struct {
	Outcome Outcome
	Token   RequestToken
	// Stale counts older frames released before the outcome was reached.
	Stale int
	// Index is the match index for OutcomeMatched, -1 otherwise.
	Index int
}

// Correlator pairs completion events with pooled images in ledger order.
type Correlator struct {
	sessionID string
	settings  RequestSettings
	ledger    *Ledger
	pool      *FramePool
	inFlight  *InFlight
	metrics   *Metrics
	logger    *slog.Logger
	progress  *Progress

	// dispatch hands a pair to the sink. Once it returns nil the receiver
	// owns the frame and the in-flight slot. It runs while the ledger is
	// held, so it must not wait on the ledger.
	dispatch func(ctx context.Context, pair MatchedPair) error

	matches atomic.Int64
}

// HandleCompletion resolves ev. It blocks until ev's token is the ledger
// head, so concurrent calls are serialized in submission order.
func (c *Correlator) HandleCompletion(ctx context.Context, ev CompletionEvent) Result {
	res := Result{Token: ev.Token, Index: -1}

	if err := c.ledger.WaitTurn(ctx, ev.Token); err != nil {
		if stderrors.Is(err, ErrTokenResolved) {
			// A token that left the ledger was either never ours or was
			// cleared by a teardown.
			res.Outcome = OutcomeUnknownToken
			c.logger.Debug("Completion for unknown token", "token", ev.Token.String())
		} else {
			res.Outcome = OutcomeTeardown
		}
		return res
	}

	for {
		frame, found, removed := c.pool.popNotAfter(ev.Timestamp)
		switch {
		case !found:
			res.Outcome = c.abandon(ev, OutcomeNoImage)
			return res

		case !removed:
			res.Outcome = c.abandon(ev, OutcomeMismatch)
			return res

		case frame.Timestamp < ev.Timestamp:
			c.metrics.releaseFrame(c.logger, frame, releaseStale)
			c.metrics.staleDiscarded.Inc()
			res.Stale++
			continue
		}

		// Exact timestamp match. Dispatching while the token is still the
		// head keeps sink order equal to submission order.
		var (
			index       int
			dispatchErr error
		)
		popped := c.ledger.PopHeadWith(ev.Token, func() {
			index = int(c.matches.Add(1) - 1)
			dispatchErr = c.dispatch(ctx, MatchedPair{
				SessionID: c.sessionID,
				Token:     ev.Token,
				Frame:     frame,
				Metadata:  ev.Metadata,
				Settings:  c.settings,
				Index:     index,
			})
		})
		if !popped {
			c.metrics.releaseFrame(c.logger, frame, releaseTeardown)
			res.Outcome = OutcomeTeardown
			return res
		}
		if dispatchErr != nil {
			c.logger.Warn("Matched pair not dispatched",
				"token", ev.Token.String(), "timestamp", ev.Timestamp, "error", dispatchErr)
			c.metrics.releaseFrame(c.logger, frame, releaseTeardown)
			c.metrics.abandoned.WithLabelValues(OutcomeDispatchFailed.String()).Inc()
			c.releaseSlot()
			res.Outcome = OutcomeDispatchFailed
			return res
		}

		c.metrics.matched.Inc()
		if c.progress != nil {
			c.progress.publish(ProgressUpdate{
				SessionID: c.sessionID,
				Matched:   int64(index + 1),
				Seq:       ev.Token.Seq,
				Timestamp: ev.Timestamp,
			})
		}
		res.Outcome = OutcomeMatched
		res.Index = index
		return res
	}
}

// abandon resolves the head token without a match
func (c *Correlator) abandon(ev CompletionEvent, outcome Outcome) Outcome {
	if !c.ledger.PopHead(ev.Token) {
		return OutcomeTeardown
	}
	c.releaseSlot()
	c.metrics.abandoned.WithLabelValues(outcome.String()).Inc()
	c.logger.Info("Request abandoned",
		"token", ev.Token.String(), "timestamp", ev.Timestamp, "reason", outcome.String())
	return outcome
}

func (c *Correlator) releaseSlot() {
	if err := c.inFlight.Release(); err != nil {
		c.logger.Error("In-flight release failed", "error", err)
	}
	c.metrics.inFlight.Set(float64(c.inFlight.Load()))
}

// Matches returns the number of pairs dispatched so far
func (c *Correlator) Matches() int64 {
	return c.matches.Load()
}
