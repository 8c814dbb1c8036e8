// Package websocket pushes burst progress to UI clients over WebSocket.
//
// Every client gets a snapshot of the matched count on connect and then one
// envelope per matched pair. Each client has its own bounded queue; a client
// that cannot keep up loses the oldest updates instead of slowing the others.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/health"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/pkg/buffer"
	"github.com/Ilya-Muromets/Pani/pkg/timestamp"
)

// Envelope types
const (
	TypeSnapshot = "snapshot"
	TypeProgress = "progress"
)

// Envelope wraps every message sent to a client
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Snapshot is the payload of the first envelope a client receives
type Snapshot struct {
	Matched int64 `json:"matched"`
}

// Config configures the progress server
type Config struct {
	Port         int
	Path         string
	ClientBuffer int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the server defaults
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		Path:         "/progress",
		ClientBuffer: 64,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Metrics holds Prometheus metrics for the progress server
type Metrics struct {
	clientsConnected prometheus.Gauge
	connectionTotal  prometheus.Counter
	messagesSent     prometheus.Counter
	messagesDropped  prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

func newMetrics(registry metric.MetricsRegistrar) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pani",
			Subsystem: "progress",
			Name:      "clients_connected",
			Help:      "Number of connected progress clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "progress",
			Name:      "connections_total",
			Help:      "Total number of accepted progress connections",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "progress",
			Name:      "messages_sent_total",
			Help:      "Total number of envelopes written to clients",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "progress",
			Name:      "messages_dropped_total",
			Help:      "Envelopes dropped because a client queue was full",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "progress",
			Name:      "errors_total",
			Help:      "Total number of progress server errors",
		}, []string{"type"}),
	}

	if err := registry.RegisterGauge("progress", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("progress", "connections_total", m.connectionTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("progress", "messages_sent_total", m.messagesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("progress", "messages_dropped_total", m.messagesDropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("progress", "errors_total", m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

// client is one connected WebSocket peer
type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	queue       buffer.Buffer[[]byte]
	notify      chan struct{}
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMu     sync.Mutex // gorilla connections allow one writer
}

// Server broadcasts capture.Progress updates
type Server struct {
	cfg      Config
	progress *capture.Progress
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	lifecycleMu sync.Mutex
	running     bool
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
	startTime   time.Time

	messageID atomic.Uint64
	sent      atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

// NewServer creates a progress server. registry may be nil.
func NewServer(cfg Config, progress *capture.Progress, registry metric.MetricsRegistrar, logger *slog.Logger) (*Server, error) {
	if progress == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "progress required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMetrics(registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "NewServer", "register metrics")
	}

	return &Server{
		cfg:      cfg,
		progress: progress,
		logger:   logger.With("component", "progress-gateway"),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// UI clients are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Start subscribes to progress and begins serving on the configured port.
// Port 0 picks a free port; Address reports it.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.WrapTransient(err, "Server", "Start", "listen")
	}

	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.shutdown = make(chan struct{})
	updates, cancel := s.progress.Subscribe(s.cfg.ClientBuffer)
	s.unsubscribe = cancel
	s.startTime = time.Now()
	s.running = true

	s.wg.Add(3)
	go s.runServer()
	go s.broadcastLoop(ctx, updates)
	go s.maintainClients(ctx)

	s.logger.Info("Progress gateway started", "address", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Address returns the listen address once started
func (s *Server) Address() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.shutdown)
	s.unsubscribe()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "Server", "Stop", "wait for goroutines")
	}

	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

func (s *Server) runServer() {
	defer s.wg.Done()
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.errors.Add(1)
		s.logger.Error("Progress server failed", "error", err)
	}
}

func (s *Server) broadcastLoop(ctx context.Context, updates <-chan capture.ProgressUpdate) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.Broadcast(u)
		}
	}
}

// Broadcast queues one progress update for every connected client
func (s *Server) Broadcast(u capture.ProgressUpdate) {
	data, err := s.envelope(TypeProgress, u)
	if err != nil {
		s.errors.Add(1)
		return
	}
	for _, c := range s.snapshot() {
		s.enqueue(c, data)
	}
}

func (s *Server) envelope(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Server", "envelope", "marshal payload")
	}
	return json.Marshal(Envelope{
		Type:      kind,
		ID:        strconv.FormatUint(s.messageID.Add(1), 10),
		Timestamp: timestamp.Now(),
		Payload:   raw,
	})
}

func (s *Server) snapshot() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	list := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if !c.closed.Load() {
			list = append(list, c)
		}
	}
	return list
}

func (s *Server) enqueue(c *client, data []byte) {
	if err := c.queue.Write(data); err != nil {
		return
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errors.Add(1)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	c := &client{
		conn:        conn,
		connectedAt: time.Now(),
		notify:      make(chan struct{}, 1),
	}
	c.queue, err = newQueue(s, s.cfg.ClientBuffer)
	if err != nil {
		_ = conn.Close()
		s.errors.Add(1)
		return
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.connectionTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}

	if data, err := s.envelope(TypeSnapshot, Snapshot{Matched: s.progress.Matched()}); err == nil {
		s.enqueue(c, data)
	}

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

func newQueue(s *Server, capacity int) (buffer.Buffer[[]byte], error) {
	return buffer.NewCircularBuffer[[]byte](capacity,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.messagesDropped.Inc()
			}
		}),
	)
}

// writeLoop drains the client queue onto the connection
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		select {
		case <-s.shutdown:
			return
		case <-c.notify:
		}
		if c.closed.Load() {
			return
		}
		for {
			data, ok := c.queue.Read()
			if !ok {
				break
			}
			if err := s.write(c, websocket.TextMessage, data); err != nil {
				s.errors.Add(1)
				if s.metrics != nil {
					s.metrics.errorsTotal.WithLabelValues("write").Inc()
				}
				return
			}
			s.sent.Add(1)
			if s.metrics != nil {
				s.metrics.messagesSent.Inc()
			}
		}
	}
}

// readLoop consumes control frames until the peer goes away
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) write(c *client, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, c := range s.snapshot() {
				if err := s.write(c, websocket.PingMessage, nil); err != nil {
					s.removeClient(c)
					s.errors.Add(1)
				}
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()

		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(count))
		}
		_ = c.conn.Close()
		// wake the writer
		select {
		case c.notify <- struct{}{}:
		default:
		}
	})
}

func (s *Server) closeAllClients() {
	for _, c := range s.snapshot() {
		s.removeClient(c)
	}
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Health reports the gateway status
func (s *Server) Health() health.Status {
	s.lifecycleMu.Lock()
	running := s.running
	started := s.startTime
	s.lifecycleMu.Unlock()

	status := health.NewHealthy("progress-gateway", fmt.Sprintf("%d clients", s.Clients()))
	if !running {
		status = health.NewDegraded("progress-gateway", "not running")
	}
	var uptime time.Duration
	if running {
		uptime = time.Since(started)
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:     uptime,
		ErrorCount: int(s.errors.Load()),
	})
}

// Counts returns envelopes sent and dropped so far.
func (s *Server) Counts() (sent, dropped int64) {
	return s.sent.Load(), s.dropped.Load()
}
