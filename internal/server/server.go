// Package server exposes live telemetry over HTTP: a WebSocket feed fed by
// the hub plus small JSON endpoints with the adapter state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/gsusb-obd/internal/hub"
	"github.com/kstaniek/gsusb-obd/internal/logging"
	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

// Server owns the HTTP listener and the feed client lifecycle.
type Server struct {
	mu   sync.RWMutex
	addr string
	Hub  *hub.Hub

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration

	stateMu   sync.RWMutex
	device    *DeviceInfo
	supported []byte
	polled    []byte

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	httpSrv   *http.Server
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID        atomic.Uint64
	totalConnected    atomic.Uint64
	totalRejected     atomic.Uint64
	totalDisconnected atomic.Uint64
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultClientBuffer = 256
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		logger:       logging.L(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// SetDevice publishes the adapter description served on /api/device.
func (s *Server) SetDevice(d DeviceInfo) {
	d.Type = TypeDevice
	s.stateMu.Lock()
	s.device = &d
	s.stateMu.Unlock()
}

// SetPIDs publishes the supported and polled PID lists served on /api/pids.
func (s *Server) SetPIDs(supported, polled []byte) {
	s.stateMu.Lock()
	s.supported = append([]byte(nil), supported...)
	s.polled = append([]byte(nil), polled...)
	s.stateMu.Unlock()
}

// Handler returns the HTTP routes. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/device", s.handleDevice)
	mux.HandleFunc("/api/pids", s.handlePIDs)
	return mux
}

// Serve listens and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("feed_listen", "addr", s.Addr())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		wrap := fmt.Errorf("%w: %v", ErrUpgrade, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.logger.Debug("feed_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	connID := s.nextConnID.Add(1)
	l := s.logger.With("conn_id", connID, "remote", r.RemoteAddr)

	bufSize := defaultClientBuffer
	if s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	cl := hub.NewClient(bufSize)
	if err := s.Hub.Add(cl); err != nil {
		s.totalRejected.Add(1)
		l.Warn("client_reject_max", "max_clients", s.Hub.MaxClients)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.totalConnected.Add(1)
	l.Info("client_connected")

	if greet := s.greeting(); greet != nil {
		select {
		case cl.Out <- greet:
		default:
		}
	}
	s.wg.Add(2)
	go s.writeLoop(conn, cl, l)
	go s.readLoop(conn, cl)
}

func (s *Server) greeting() []byte {
	s.stateMu.RLock()
	d := s.device
	s.stateMu.RUnlock()
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}

// writeLoop pushes hub messages to one client and keeps the connection alive
// with pings.
func (s *Server) writeLoop(conn *websocket.Conn, cl *hub.Client, l *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.Hub.Remove(cl)
		s.totalDisconnected.Add(1)
		l.Info("client_disconnected")
	}()
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-cl.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			metrics.AddFeedTx(1)
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case <-cl.Closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// readLoop discards client messages; it exists to process control frames
// and notice disconnects.
func (s *Server) readLoop(conn *websocket.Conn, cl *hub.Client) {
	defer s.wg.Done()
	defer cl.Close()
	conn.SetReadLimit(4096)
	readWait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	s.stateMu.RLock()
	d := s.device
	s.stateMu.RUnlock()
	if d == nil {
		http.Error(w, "device not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	s.stateMu.RLock()
	resp := PIDsResponse{Supported: pidStrings(s.supported), Polled: pidStrings(s.polled)}
	s.stateMu.RUnlock()
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		metrics.IncError(metrics.ErrFeedWrite)
	}
}

// Shutdown stops the listener, disconnects every client and waits for their
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	for _, cl := range s.Hub.Snapshot() {
		cl.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "connected", s.totalConnected.Load(), "rejected", s.totalRejected.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
