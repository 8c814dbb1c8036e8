package capture

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/health"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/pkg/worker"
)

const (
	healthComponent     = "capture"
	sourceStopTimeout   = 5 * time.Second
	dispatchStopTimeout = 30 * time.Second
)

// State is the session lifecycle state
type State int32

const (
	// StateIdle means no burst is running
	StateIdle State = iota
	// StateCapturing means requests are being submitted
	StateCapturing
	// StateStopping means submission has ended and in-flight work drains
	StateStopping
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StopReason records why a burst left Capturing
type StopReason string

// Stop reasons
const (
	StopRequested     StopReason = "requested"
	StopMaxFrames     StopReason = "max_frames"
	StopSinkFailure   StopReason = "sink_failure"
	StopSourceFailure StopReason = "source_failure"
	StopSourceClosed  StopReason = "source_closed"
)

// Config holds the engine parameters of a session
type Config struct {
	TargetFPS    float64
	PoolCapacity int
	Reserve      int
	// MaxFrames bounds the number of submitted requests. 0 means unbounded.
	MaxFrames int
	// DrainTimeout forces a teardown when draining takes longer. 0 waits
	// until every in-flight request resolves.
	DrainTimeout time.Duration
	// SinkWorkers is the number of concurrent Sink.Accept calls. Pairs reach
	// the sink in submission order only with a single worker; above 1,
	// Accept calls overlap and may finish out of order.
	SinkWorkers int
	Settings    RequestSettings
}

// DefaultConfig returns the engine defaults: a 42-frame pool with a reserve
// of 4 at 22 fps.
func DefaultConfig() Config {
	return Config{
		TargetFPS:    22,
		PoolCapacity: 42,
		Reserve:      4,
		SinkWorkers:  1,
	}
}

// MaxInFlight is the in-flight admission limit
func (c Config) MaxInFlight() int {
	return c.PoolCapacity - c.Reserve
}

// Validate checks the configuration
func (c Config) Validate() error {
	var problems []error
	if c.TargetFPS <= 0 {
		problems = append(problems, fmt.Errorf("target fps must be positive, got %v", c.TargetFPS))
	}
	if c.PoolCapacity < 1 {
		problems = append(problems, fmt.Errorf("pool capacity must be at least 1, got %d", c.PoolCapacity))
	}
	if c.Reserve < 0 || c.Reserve >= c.PoolCapacity {
		problems = append(problems, fmt.Errorf("reserve must be in [0, %d), got %d", c.PoolCapacity, c.Reserve))
	}
	if c.MaxFrames < 0 {
		problems = append(problems, fmt.Errorf("max frames must not be negative, got %d", c.MaxFrames))
	}
	if c.DrainTimeout < 0 {
		problems = append(problems, fmt.Errorf("drain timeout must not be negative, got %s", c.DrainTimeout))
	}
	if c.SinkWorkers < 1 {
		problems = append(problems, fmt.Errorf("sink workers must be at least 1, got %d", c.SinkWorkers))
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(stderrors.Join(problems...), "Session", "Validate", "config validation")
	}
	return nil
}

// Stats summarizes a burst
type Stats struct {
	SessionID      string     `json:"session_id" yaml:"session_id"`
	State          string     `json:"state" yaml:"state"`
	Submitted      int64      `json:"submitted" yaml:"submitted"`
	Matched        int64      `json:"matched" yaml:"matched"`
	NoImage        int64      `json:"no_image" yaml:"no_image"`
	Mismatch       int64      `json:"mismatch" yaml:"mismatch"`
	UnknownToken   int64      `json:"unknown_token" yaml:"unknown_token"`
	DispatchFailed int64      `json:"dispatch_failed" yaml:"dispatch_failed"`
	NoCompletion   int64      `json:"no_completion" yaml:"no_completion"`
	TornDown       int64      `json:"torn_down" yaml:"torn_down"`
	Stale          int64      `json:"stale" yaml:"stale"`
	Overflow       int64      `json:"overflow" yaml:"overflow"`
	SinkFailures   int64      `json:"sink_failures" yaml:"sink_failures"`
	InFlight       int        `json:"in_flight" yaml:"in_flight"`
	PeakInFlight   int        `json:"peak_in_flight" yaml:"peak_in_flight"`
	Pooled         int        `json:"pooled" yaml:"pooled"`
	StopReason     StopReason `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Forced         bool       `json:"forced" yaml:"forced"`
	Err            string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRegistry registers the session's collectors with registry
func WithMetricsRegistry(registry metric.MetricsRegistrar) Option {
	return func(s *Session) {
		s.registry = registry
	}
}

// WithHealthMonitor reports session health to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(s *Session) {
		s.health = monitor
	}
}

// WithProgress publishes matched-pair progress to p
func WithProgress(p *Progress) Option {
	return func(s *Session) {
		if p != nil {
			s.progress = p
		}
	}
}

// WithCharacteristics attaches camera facts to every Burst handed to a
// BurstSink.
func WithCharacteristics(c map[string]string) Option {
	return func(s *Session) {
		s.characteristics = maps.Clone(c)
	}
}

// Session runs bursts against one FrameSource and Sink. Only one burst runs
// at a time; a session may be started again once it is idle.
type Session struct {
	cfg      Config
	source   FrameSource
	sink     Sink
	logger   *slog.Logger
	registry metric.MetricsRegistrar
	health   *health.Monitor
	progress *Progress

	characteristics map[string]string

	metrics       *Metrics
	workerMetrics *worker.Metrics
	ledger        *Ledger
	inFlight      *InFlight
	pool          *FramePool

	mu      sync.Mutex
	state   State
	current *run
	last    Stats
}

// NewSession creates an idle session
func NewSession(cfg Config, source FrameSource, sink Sink, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "NewSession", "frame source check")
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "NewSession", "sink check")
	}

	s := &Session{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		logger:   slog.Default(),
		progress: NewProgress(),
		metrics:  newMetrics(),
		ledger:   NewLedger(),
		inFlight: NewInFlight(cfg.MaxInFlight()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "capture")
	if cfg.SinkWorkers > 1 {
		s.logger.Warn("Sink order not guaranteed with concurrent sink workers", "sink_workers", cfg.SinkWorkers)
	}

	if s.registry != nil {
		if err := s.metrics.register(s.registry); err != nil {
			return nil, errors.WrapFatal(err, "Session", "NewSession", "metrics registration")
		}
		wm, err := worker.NewMetrics(s.registry, "capture_sink")
		if err != nil {
			return nil, errors.WrapFatal(err, "Session", "NewSession", "worker metrics registration")
		}
		s.workerMetrics = wm
	}

	pool, err := NewFramePool(cfg.PoolCapacity, s.registry, func(f *ImageFrame, path string) {
		s.metrics.releaseFrame(s.logger, f, path)
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Session", "NewSession", "frame pool creation")
	}
	s.pool = pool

	s.reportHealth(health.NewHealthy(healthComponent, "idle"))
	return s, nil
}

// Config returns the session configuration
func (s *Session) Config() Config { return s.cfg }

// Progress returns the progress publisher
func (s *Session) Progress() *Progress { return s.progress }

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins a burst. It returns ErrSessionBusy unless the session is idle.
// The burst outlives ctx; end it with RequestStop or Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return errors.WrapInvalid(ErrSessionBusy, "Session", "Start", "state check")
	}

	// Leftovers from an earlier burst must not match this one.
	if n := s.pool.ReleaseAll(); n > 0 {
		s.logger.Warn("Released frames left from previous burst", "count", n)
	}
	for range s.ledger.Clear() {
		_ = s.inFlight.Release()
	}
	s.inFlight.ResetPeak()
	s.progress.reset()

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.source.Start(runCtx); err != nil {
		cancelRun()
		s.reportHealth(health.NewUnhealthy(healthComponent, "frame source failed to start"))
		return errors.WrapTransient(err, "Session", "Start", "frame source start")
	}

	r := s.newRun(cancelRun)
	if bs, ok := s.sink.(BurstSink); ok {
		if err := bs.BeginBurst(ctx, s.burst(r)); err != nil {
			cancelRun()
			_ = s.source.Stop(context.Background())
			s.reportHealth(health.NewUnhealthy(healthComponent, "sink rejected burst: "+err.Error()))
			return errors.Wrap(err, "Session", "Start", "sink burst start")
		}
	}
	if err := r.dispatcher.Start(runCtx); err != nil {
		cancelRun()
		_ = s.source.Stop(context.Background())
		return errors.WrapFatal(err, "Session", "Start", "sink dispatcher start")
	}

	s.current = r
	s.setStateLocked(StateCapturing)
	r.logger.Info("Burst started",
		"target_fps", s.cfg.TargetFPS,
		"max_in_flight", s.cfg.MaxInFlight(),
		"max_frames", s.cfg.MaxFrames)

	r.launch(runCtx)
	return nil
}

// RequestStop moves a capturing session to Stopping. It does not wait.
func (s *Session) RequestStop(reason StopReason) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil {
		r.requestStop(reason)
	}
}

// Stop requests a stop and waits for the drain to finish. If ctx ends first
// every pending request is torn down, the drain completes, and ctx's error
// is returned.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.requestStop(StopRequested)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.force()
		<-r.done
		return errors.WrapTransient(ctx.Err(), "Session", "Stop", "drain")
	}
}

// Done is closed when the current burst has fully drained. When no burst
// has been started the returned channel is already closed.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.current.done
}

// Stats returns statistics of the running burst, or of the last one when
// idle.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	r := s.current
	state := s.state
	last := s.last
	s.mu.Unlock()

	if r == nil || state == StateIdle {
		return last
	}
	st := r.stats()
	st.State = state.String()
	return st
}

// InFlight returns the number of unresolved requests
func (s *Session) InFlight() int { return s.inFlight.Load() }

// Pooled returns the number of frames waiting in the pool
func (s *Session) Pooled() int { return s.pool.Len() }

func (s *Session) setStateLocked(state State) {
	s.state = state
	s.metrics.state.Set(float64(state))
}

func (s *Session) reportHealth(status health.Status) {
	if s.health == nil {
		return
	}
	status = status.WithMetrics(&health.Metrics{
		FramesMatched: s.progress.Matched(),
		InFlight:      s.inFlight.Load(),
		LastActivity:  time.Now(),
	})
	s.health.Update(healthComponent, status)
}

func (s *Session) releaseSlot() {
	if err := s.inFlight.Release(); err != nil {
		s.logger.Error("In-flight release failed", "error", err)
	}
	s.metrics.inFlight.Set(float64(s.inFlight.Load()))
}

// run is the state of one burst
type run struct {
	s          *Session
	id         string
	logger     *slog.Logger
	admission  *Admission
	correlator *Correlator
	dispatcher *worker.Pool[MatchedPair]
	cancelRun  context.CancelFunc
	started    time.Time

	stopOnce  sync.Once
	stopCh    chan struct{}
	forceOnce sync.Once
	forceCh   chan struct{}
	done      chan struct{}

	submitterDone     chan struct{}
	completionsClosed chan struct{}

	mu         sync.Mutex
	stopReason StopReason
	err        error
	active     map[string]int

	outcomes     [OutcomeDispatchFailed + 1]atomic.Int64
	stale        atomic.Int64
	overflow     atomic.Int64
	sinkFailures atomic.Int64
	noCompletion atomic.Int64
	tornDown     atomic.Int64
	forced       atomic.Bool
}

func (s *Session) burst(r *run) Burst {
	return Burst{
		SessionID:       r.id,
		StartedAt:       r.started,
		Settings:        s.cfg.Settings,
		TargetFPS:       s.cfg.TargetFPS,
		PoolCapacity:    s.cfg.PoolCapacity,
		Reserve:         s.cfg.Reserve,
		MaxFrames:       s.cfg.MaxFrames,
		Characteristics: maps.Clone(s.characteristics),
	}
}

func (s *Session) newRun(cancelRun context.CancelFunc) *run {
	id := uuid.NewString()
	logger := s.logger.With("session_id", id)

	r := &run{
		s:                 s,
		id:                id,
		logger:            logger,
		cancelRun:         cancelRun,
		started:           time.Now(),
		stopCh:            make(chan struct{}),
		forceCh:           make(chan struct{}),
		done:              make(chan struct{}),
		submitterDone:     make(chan struct{}),
		completionsClosed: make(chan struct{}),
		active:            make(map[string]int),
	}

	r.admission = NewAdmission(id, s.source, s.cfg.Settings, s.ledger, s.inFlight,
		s.cfg.TargetFPS, s.cfg.MaxFrames, s.metrics, logger)

	queueSize := s.cfg.MaxInFlight()
	opts := []worker.Option[MatchedPair]{worker.WithDiscard(r.discard)}
	if s.workerMetrics != nil {
		opts = append(opts, worker.WithMetrics[MatchedPair](s.workerMetrics))
	}
	r.dispatcher = worker.NewPool(s.cfg.SinkWorkers, queueSize, r.accept, opts...)

	r.correlator = &Correlator{
		sessionID: id,
		settings:  s.cfg.Settings,
		ledger:    s.ledger,
		pool:      s.pool,
		inFlight:  s.inFlight,
		metrics:   s.metrics,
		logger:    logger,
		progress:  s.progress,
		dispatch:  r.dispatcher.SubmitWait,
	}
	return r
}

func (r *run) launch(ctx context.Context) {
	submitCtx, cancelSubmit := context.WithCancel(ctx)

	var g errgroup.Group
	images := r.s.source.Images()
	completions := r.s.source.Completions()
	g.Go(func() error {
		r.pumpImages(images)
		return nil
	})
	g.Go(func() error {
		r.pumpCompletions(ctx, completions)
		return nil
	})

	go func() {
		defer close(r.submitterDone)
		r.submitLoop(submitCtx)
	}()

	go r.supervise(cancelSubmit, &g)
}

func (r *run) requestStop(reason StopReason) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopReason = reason
		r.mu.Unlock()
		r.logger.Info("Burst stop requested", "reason", string(reason))
		close(r.stopCh)
	})
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *run) force() {
	r.forceOnce.Do(func() { close(r.forceCh) })
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *run) submitLoop(ctx context.Context) {
	for {
		_, err := r.admission.SubmitNext(ctx)
		switch {
		case err == nil:
			continue
		case stderrors.Is(err, ErrAdmissionStopped):
			return
		case stderrors.Is(err, ErrMaxFramesReached):
			r.logger.Info("Frame budget reached", "submitted", r.admission.Submitted())
			r.requestStop(StopMaxFrames)
			return
		default:
			r.logger.Error("Request submission failed", "error", err)
			r.fail(err)
			r.s.reportHealth(health.NewUnhealthy(healthComponent, "frame source rejected a request"))
			r.requestStop(StopSourceFailure)
			return
		}
	}
}

func (r *run) pumpImages(images <-chan *ImageFrame) {
	for f := range images {
		if err := r.s.pool.Push(f); err != nil {
			if stderrors.Is(err, ErrPoolFull) {
				r.overflow.Add(1)
				r.s.metrics.poolOverflow.Inc()
				r.logger.Warn("Frame pool full, image released", "timestamp", f.Timestamp)
			} else {
				r.s.metrics.releaseFrame(r.logger, f, releaseDiscard)
				r.logger.Error("Frame pool rejected image", "timestamp", f.Timestamp, "error", err)
			}
		}
		r.s.metrics.poolFrames.Set(float64(r.s.pool.Len()))
	}
}

func (r *run) pumpCompletions(ctx context.Context, completions <-chan CompletionEvent) {
	var handlers sync.WaitGroup
	for ev := range completions {
		r.track(ev.Token, 1)
		handlers.Add(1)
		go func(ev CompletionEvent) {
			defer handlers.Done()
			defer r.track(ev.Token, -1)
			r.record(r.correlator.HandleCompletion(ctx, ev))
		}(ev)
	}
	close(r.completionsClosed)

	if !r.stopRequested() {
		r.logger.Warn("Frame source closed during burst")
		r.fail(errors.WrapTransient(ErrSourceClosed, "Session", "pumpCompletions", "completion stream"))
		r.requestStop(StopSourceClosed)
	}
	r.abandonOrphans()
	handlers.Wait()
}

func (r *run) track(token RequestToken, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[token.ID] += delta
	if r.active[token.ID] <= 0 {
		delete(r.active, token.ID)
	}
}

// abandonOrphans resolves every pending token that has no completion
// handler. Once the completion stream is closed nothing else can resolve
// them.
func (r *run) abandonOrphans() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range r.s.ledger.Tokens() {
		if r.active[token.ID] > 0 {
			continue
		}
		if r.s.ledger.Remove(token) {
			r.noCompletion.Add(1)
			r.s.metrics.abandoned.WithLabelValues("no_completion").Inc()
			r.s.releaseSlot()
			r.logger.Info("Request abandoned", "token", token.String(), "reason", "no_completion")
		}
	}
}

func (r *run) record(res Result) {
	r.outcomes[res.Outcome].Add(1)
	r.stale.Add(int64(res.Stale))
}

// accept runs on the dispatcher workers
func (r *run) accept(ctx context.Context, pair MatchedPair) error {
	err := r.s.sink.Accept(ctx, pair)
	if err != nil {
		if !pair.Frame.Released() {
			r.s.metrics.releaseFrame(r.logger, pair.Frame, releaseSinkErr)
		}
		r.sinkFailures.Add(1)
		r.s.metrics.sinkFailures.Inc()
		r.logger.Error("Sink rejected pair", "token", pair.Token.String(), "index", pair.Index,
			"class", errors.Classify(err).String(), "error", err)
		r.fail(err)
		r.s.reportHealth(health.NewUnhealthy(healthComponent, "sink failure: "+err.Error()))
		r.requestStop(StopSinkFailure)
	} else {
		r.s.metrics.matchLatency.Observe(time.Since(pair.Token.SubmittedAt).Seconds())
	}
	r.s.releaseSlot()
	return err
}

// discard receives pairs queued when the dispatcher stopped
func (r *run) discard(pair MatchedPair) {
	r.s.metrics.releaseFrame(r.logger, pair.Frame, releaseDiscard)
	r.s.releaseSlot()
}

// teardown resolves every pending token at once
func (r *run) teardown() {
	tokens := r.s.ledger.Clear()
	for range tokens {
		r.s.releaseSlot()
	}
	r.tornDown.Add(int64(len(tokens)))
	r.s.metrics.abandoned.WithLabelValues(OutcomeTeardown.String()).Add(float64(len(tokens)))
	r.forced.Store(true)
	r.logger.Warn("Drain forced, pending requests torn down", "count", len(tokens))
}

func (r *run) supervise(cancelSubmit context.CancelFunc, g *errgroup.Group) {
	<-r.stopCh

	r.s.mu.Lock()
	r.s.setStateLocked(StateStopping)
	r.s.mu.Unlock()
	r.s.reportHealth(health.NewHealthy(healthComponent, "stopping"))

	cancelSubmit()
	<-r.submitterDone
	select {
	case <-r.completionsClosed:
		r.abandonOrphans()
	default:
	}

	r.drain()

	if n := r.s.pool.ReleaseAll(); n > 0 {
		r.logger.Info("Released unmatched frames", "count", n)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), sourceStopTimeout)
	if err := r.s.source.Stop(stopCtx); err != nil {
		r.logger.Warn("Frame source stop failed", "error", err)
	}
	cancel()

	_ = g.Wait()
	// Images that arrived while the source was stopping
	if n := r.s.pool.ReleaseAll(); n > 0 {
		r.logger.Info("Released late frames", "count", n)
	}

	if err := r.dispatcher.Stop(dispatchStopTimeout); err != nil {
		r.logger.Error("Sink dispatcher did not stop", "error", err)
	}
	r.cancelRun()

	if n := r.s.inFlight.Load(); n != 0 {
		r.logger.Error("Burst ended with requests in flight", "in_flight", n)
	}
	r.s.metrics.poolFrames.Set(float64(r.s.pool.Len()))
	r.s.metrics.inFlight.Set(float64(r.s.inFlight.Load()))

	stats := r.stats()
	stats.State = StateIdle.String()
	r.logger.Info("Burst finished",
		"duration", time.Since(r.started),
		"submitted", stats.Submitted,
		"matched", stats.Matched,
		"stop_reason", string(stats.StopReason),
		"forced", stats.Forced)

	r.s.mu.Lock()
	r.s.last = stats
	r.s.setStateLocked(StateIdle)
	r.s.mu.Unlock()

	if stats.Err == "" {
		r.s.reportHealth(health.NewHealthy(healthComponent, "idle"))
	} else {
		r.s.reportHealth(health.NewDegraded(healthComponent, "last burst failed: "+stats.Err))
	}
	close(r.done)
}

// drain waits for every in-flight request to resolve. A Stop deadline or the
// configured drain timeout tears the rest down.
func (r *run) drain() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d := r.s.cfg.DrainTimeout; d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	go func() {
		select {
		case <-r.forceCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.logger.Info("Draining", "in_flight", r.s.inFlight.Load(), "pooled", r.s.pool.Len())
	if err := r.s.inFlight.WaitZero(ctx); err != nil {
		r.teardown()
		// Pairs already handed to the sink still hold their slots.
		if werr := r.s.inFlight.WaitZero(context.Background()); werr != nil {
			r.logger.Error("In-flight wait failed", "error", werr)
		}
	}
}

func (r *run) stats() Stats {
	r.mu.Lock()
	reason := r.stopReason
	var errText string
	if r.err != nil {
		errText = r.err.Error()
	}
	r.mu.Unlock()

	return Stats{
		SessionID:      r.id,
		Submitted:      r.admission.Submitted(),
		Matched:        r.outcomes[OutcomeMatched].Load(),
		NoImage:        r.outcomes[OutcomeNoImage].Load(),
		Mismatch:       r.outcomes[OutcomeMismatch].Load(),
		UnknownToken:   r.outcomes[OutcomeUnknownToken].Load(),
		DispatchFailed: r.outcomes[OutcomeDispatchFailed].Load(),
		NoCompletion:   r.noCompletion.Load(),
		TornDown:       r.tornDown.Load(),
		Stale:          r.stale.Load(),
		Overflow:       r.overflow.Load(),
		SinkFailures:   r.sinkFailures.Load(),
		InFlight:       r.s.inFlight.Load(),
		PeakInFlight:   r.s.inFlight.Peak(),
		Pooled:         r.s.pool.Len(),
		StopReason:     reason,
		Forced:         r.forced.Load(),
		Err:            errText,
	}
}
