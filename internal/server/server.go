// Package server is the cannelloni TCP front of the gateway. Each client
// gets a hub subscription for controller frames and a reader that feeds
// its frames into the shared transmit queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/cnl"
	"github.com/kstaniek/go-flexcan/internal/hub"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/kstaniek/go-flexcan/internal/metrics"
	"github.com/kstaniek/go-flexcan/internal/transport"
)

// Totals are lifetime connection counters.
type Totals struct {
	Accepted      uint64
	HandshakeFail uint64
	Connected     uint64
	Disconnected  uint64
	Filtered      uint64
	TxOverflow    uint64
	TxErrors      uint64
}

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu    sync.RWMutex
	addr  string
	hub   *hub.Hub
	codec transport.StreamCodec
	sink  transport.FrameSink

	frameFilter func(*can.Frame) bool

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	listener         net.Listener
	clientsMu        sync.Mutex
	clients          map[*hub.Client]net.Conn
	wg               sync.WaitGroup
	logger           *slog.Logger
	nextConnID       atomic.Uint64

	accepted      atomic.Uint64
	handshakeFail atomic.Uint64
	connected     atomic.Uint64
	disconnected  atomic.Uint64
	filtered      atomic.Uint64
	txOverflow    atomic.Uint64
	txErrors      atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	decodeBurst             = 16
)

type Option func(*Server)

// New builds a server. Without WithCodec it speaks cannelloni; without
// WithHub it never writes to clients; without WithSink client frames are
// decoded and discarded.
func New(opts ...Option) *Server {
	s := &Server{
		codec:            &cnl.Codec{},
		frameFilter:      ValidDataFrame,
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

// ValidDataFrame is the default filter: error frames and frames the
// controller would reject never reach the transmit queue.
func ValidDataFrame(f *can.Frame) bool {
	return !f.IsError() && f.Validate() == nil
}

func WithListenAddr(a string) Option           { return func(s *Server) { s.addr = a } }
func WithHub(h *hub.Hub) Option                { return func(s *Server) { s.hub = h } }
func WithSink(sink transport.FrameSink) Option { return func(s *Server) { s.sink = sink } }

func WithCodec(c transport.StreamCodec) Option {
	return func(s *Server) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithFrameFilter replaces the default filter; nil accepts every frame.
func WithFrameFilter(fn func(*can.Frame) bool) Option {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
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

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Totals returns the lifetime counters.
func (s *Server) Totals() Totals {
	return Totals{
		Accepted:      s.accepted.Load(),
		HandshakeFail: s.handshakeFail.Load(),
		Connected:     s.connected.Load(),
		Disconnected:  s.disconnected.Load(),
		Filtered:      s.filtered.Load(),
		TxOverflow:    s.txOverflow.Load(),
		TxErrors:      s.txErrors.Load(),
	}
}

// fail records err as the last error and counts it.
func (s *Server) fail(sentinel error, err error) error {
	wrap := fmt.Errorf("%w: %v", sentinel, err)
	metrics.IncError(mapErrToMetric(wrap))
	s.lastErrMu.Lock()
	s.lastErr = wrap
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- wrap:
	default:
	}
	return wrap
}

// Serve listens and accepts clients until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce takes one connection through handshake and admission. Only
// listener failures are returned.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		return s.fail(ErrAccept, err)
	}
	s.accepted.Add(1)
	log := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.handshakeFail.Add(1)
		log.Warn("handshake_failed", "error", s.fail(ErrHandshake, err))
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.clientCount() >= s.maxClients {
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	cl := s.register(conn)
	s.connected.Add(1)
	log.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, log)
	s.startReader(ctx.Done(), conn, cl, log)
	return nil
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// register subscribes the connection to the hub.
func (s *Server) register(conn net.Conn) *hub.Client {
	n := 512
	if s.hub != nil && s.hub.OutBufSize > 0 {
		n = s.hub.OutBufSize
	}
	cl := hub.NewClient(n)
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	if s.hub != nil {
		s.hub.Add(cl)
	}
	return cl
}

func (s *Server) unregister(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	if s.hub != nil {
		s.hub.Remove(cl)
	} else {
		cl.Close()
	}
}

// Shutdown closes the listener and every client, then waits for the
// connection goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		cl.Close()
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		t := s.Totals()
		s.logger.Info("shutdown_summary",
			"accepted", t.Accepted, "handshake_fail", t.HandshakeFail,
			"connected", t.Connected, "disconnected", t.Disconnected,
			"filtered", t.Filtered, "tx_overflow", t.TxOverflow, "tx_errors", t.TxErrors)
		return nil
	}
}
