package capture

import "errors"

// Sentinel errors for the capture engine
var (
	// ErrSessionBusy is returned by Start unless the session is idle
	ErrSessionBusy = errors.New("capture session busy")

	// ErrAdmissionStopped is returned when submission is cancelled while waiting
	ErrAdmissionStopped = errors.New("admission stopped")

	// ErrMaxFramesReached is returned once the burst's frame budget is spent
	ErrMaxFramesReached = errors.New("max frames reached")

	// ErrFrameAlreadyReleased is returned by a second ImageFrame.Release
	ErrFrameAlreadyReleased = errors.New("frame already released")

	// ErrPoolFull is returned when an arriving frame finds the pool full
	ErrPoolFull = errors.New("frame pool full")

	// ErrTokenResolved is returned by Ledger.WaitTurn when the token left the
	// ledger before reaching the head
	ErrTokenResolved = errors.New("request token already resolved")

	// ErrSourceClosed is reported when a source closes its channels mid-burst
	ErrSourceClosed = errors.New("frame source closed")

	// ErrInFlightUnderflow signals a release without a matching acquire
	ErrInFlightUnderflow = errors.New("in-flight counter underflow")
)
