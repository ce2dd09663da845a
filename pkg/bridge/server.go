package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/errcode"
	"github.com/srediag/shmbus/pkg/shm"
)

// Handler processes one delivery. Handlers run concurrently on the server's worker pool.
type Handler func(ctx context.Context, d Delivery) error

// ErrNotRunning is returned by Heartbeat and Stop when the server is not running.
var ErrNotRunning = errors.New("bridge server is not running")

// Server consumes deliveries for cfg.Name and dispatches them to a Handler.
type Server struct {
	cfg     Config
	handler Handler
	busOpts []bus.Option
	shmOpts []shm.Option
	log     *logging.Logger

	mu       sync.Mutex
	conn     *bus.Connection
	consumer *Consumer
	pool     *ants.Pool
	cancel   context.CancelFunc
	done     chan struct{}

	// the consume loop writes lastErr while Stop may hold mu
	errMu   sync.Mutex
	lastErr error

	handled atomic.Int64
	failed  atomic.Int64
}

var (
	_ api.Lifecycle = (*Server)(nil)
	_ api.Health    = (*Server)(nil)
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBusOptions passes options to the bus connection, e.g. bus.WithDialer.
func WithBusOptions(opts ...bus.Option) ServerOption {
	return func(s *Server) { s.busOpts = append(s.busOpts, opts...) }
}

// WithRegionOptions passes options to every region the consumer opens.
func WithRegionOptions(opts ...shm.Option) ServerOption {
	return func(s *Server) { s.shmOpts = append(s.shmOpts, opts...) }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer verifies cfg and returns a stopped server.
func NewServer(cfg Config, h Handler, opts ...ServerOption) (*Server, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	s := &Server{cfg: cfg, handler: h, log: log.Named("server")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start connects, registers the name and begins consuming. It returns once the name is
// owned; consumption continues until Stop or until the connection is lost.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("bridge server already running")
	}

	conn, err := Connect(ctx, s.cfg, s.busOpts...)
	if err != nil {
		return err
	}
	pool, err := ants.NewPool(s.cfg.Workers, ants.WithPanicHandler(func(p any) {
		s.failed.Add(1)
		s.log.Errorf("handler panic: %v", p)
	}))
	if err != nil {
		_ = conn.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.consumer = NewConsumer(conn, s.cfg, s.shmOpts...)
	s.pool = pool
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setErr(nil)

	go s.run(runCtx, s.consumer, pool, s.done)
	s.log.Infof("serving %s.%s on %s bus", s.cfg.BusInterface(), s.cfg.Method, s.cfg.BusScope())
	return nil
}

func (s *Server) run(ctx context.Context, consumer *Consumer, pool *ants.Pool, done chan struct{}) {
	defer close(done)
	for {
		d, err := consumer.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, errcode.ConnectionLost), errors.Is(err, errcode.ConnectionClosed):
			s.log.Errorf("stopped consuming: %v", err)
			s.setErr(err)
			return
		default:
			s.failed.Add(1)
			s.log.Warnf("dropped delivery: %v", err)
			continue
		}

		if err := pool.Submit(func() {
			if err := s.handler(ctx, d); err != nil {
				s.failed.Add(1)
				s.log.Warnf("handler for cmd=%d: %v", d.CommandType, err)
				return
			}
			s.handled.Add(1)
		}); err != nil {
			s.failed.Add(1)
			s.log.Warnf("submit delivery: %v", err)
		}
	}
}

func (s *Server) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Server) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Stop ends consumption, waits for running handlers until ctx ends, then closes cached
// regions and the connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return ErrNotRunning
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var first error
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.pool.ReleaseTimeout(timeout); err != nil {
		s.log.Warnf("release worker pool: %v", err)
		first = err
	}
	if err := s.consumer.Close(); err != nil && first == nil {
		first = err
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, errcode.ConnectionClosed) && first == nil {
		first = err
	}
	s.conn, s.consumer, s.pool, s.cancel, s.done = nil, nil, nil, nil, nil
	return first
}

// Reload stops the server, if running, and starts it again on a fresh connection.
func (s *Server) Reload(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.Start(ctx)
}

// Heartbeat returns nil while the server is consuming.
func (s *Server) Heartbeat() error {
	if err := s.err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return ErrNotRunning
	}
	if !s.conn.Connected() {
		return errcode.ConnectionLost
	}
	return nil
}

// LivenessCheck reports false with the cause once consumption has stopped on its own,
// and false without error when the server was never started or was stopped.
func (s *Server) LivenessCheck() (bool, error) {
	err := s.Heartbeat()
	if errors.Is(err, ErrNotRunning) {
		return false, nil
	}
	return err == nil, err
}

// Connection returns the current connection, or nil when stopped.
func (s *Server) Connection() *bus.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Stats returns the number of handled and failed deliveries.
func (s *Server) Stats() (handled, failed int64) {
	return s.handled.Load(), s.failed.Load()
}
