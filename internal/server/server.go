// Package server accepts connections and runs each one through a fixed
// pool of workers: read the request, dispatch it, send the response
// and close the connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/webcore/internal/dispatch"
	"github.com/Brownie44l1/webcore/internal/logging"
	"github.com/Brownie44l1/webcore/internal/metrics"
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

var ErrServerClosed = errors.New("server closed")

// Config holds the transport settings of a Server.
type Config struct {
	Addr string
	// TLS, when set, wraps the listener.
	TLS *tls.Config

	PoolSize  int
	QueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequestTimeout only triggers a log line; the request keeps running.
	RequestTimeout time.Duration

	Gzip bool

	// RateLimit is the connections per second admitted from one client
	// address. Zero or less disables the limit.
	RateLimit float64
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		PoolSize:       20,
		QueueSize:      100,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		RequestTimeout: 60 * time.Second,
		RateBurst:      20,
	}
}

// Dispatcher picks the handler of each request and tears the handlers
// down at shutdown.
type Dispatcher interface {
	Select(req *request.Request) dispatch.Handler
	Shutdown()
}

type Option func(*Server)

func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithContentTypes(ct *response.ContentTypes) Option {
	return func(s *Server) { s.types = ct }
}

type Server struct {
	cfg        Config
	dispatcher Dispatcher
	auth       request.Authenticator
	limiter    *RateLimiter
	log        logging.Logger
	metrics    *metrics.Metrics
	types      *response.ContentTypes

	mu       sync.Mutex
	listener net.Listener
	queue    chan net.Conn
	workers  sync.WaitGroup
	accepted chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New builds a server. authn may be nil, in which case no request is
// ever authenticated.
func New(cfg Config, d Dispatcher, authn request.Authenticator, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		auth:       authn,
		log:        logging.Nop{},
		queue:      make(chan net.Conn, cfg.QueueSize),
		accepted:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return s
}

// ListenAndServe listens on cfg.Addr, with TLS when configured, and
// serves until ctx is done or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln on a goroutine of its own and
// blocks until ctx is done or Shutdown completes. Cancelling ctx shuts
// the server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() || s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("server listening", "addr", ln.Addr().String(), "workers", s.cfg.PoolSize, "queue", s.cfg.QueueSize)

	for i := 0; i < s.cfg.PoolSize; i++ {
		s.workers.Add(1)
		go s.worker(context.WithoutCancel(ctx))
	}
	janitor := make(chan struct{})
	if s.limiter != nil {
		go s.limiter.run(janitor)
	}
	go s.acceptLoop(ctx, ln)

	select {
	case <-ctx.Done():
		close(janitor)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case <-s.done:
		close(janitor)
		return s.stopErr
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(s.accepted)
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			s.log.Error("accept failed", "error", err)
			go s.Shutdown(context.WithoutCancel(ctx))
			return
		}
		delay = 0
		// blocks while every worker is busy and the queue is full
		s.queue <- conn
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.workers.Done()
	for conn := range s.queue {
		s.serveConn(ctx, conn)
	}
}

// Shutdown stops accepting, lets the workers finish the queued
// connections and then shuts the dispatcher down. It returns ctx's
// error if the workers do not finish in time.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()

		if ln != nil {
			ln.Close()
			<-s.accepted
		}
		close(s.queue)

		finished := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			s.stopErr = ctx.Err()
			s.log.Warn("shutdown did not wait for every connection", "error", s.stopErr)
		}

		if s.dispatcher != nil {
			s.dispatcher.Shutdown()
		}
		s.log.Info("server stopped")
		close(s.done)
	})
	<-s.done
	return s.stopErr
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done is closed once the server has stopped.
func (s *Server) Done() <-chan struct{} { return s.done }
