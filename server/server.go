package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thekvs/fake-smtpd/logging"
)

// ErrServerClosed is returned by Serve and ListenAndServe after shutdown.
var ErrServerClosed = errors.New("smtp: server closed")

const maxAcceptDelay = time.Second

// Server accepts SMTP connections and serves each on a bounded worker pool.
type Server struct {
	config  *Config
	logger  logging.Logger
	stats   *Stats
	metrics *Metrics

	// summary destination, os.Stdout unless overridden
	out io.Writer

	workers *semaphore.Weighted

	listener   net.Listener
	cancel     context.CancelFunc
	acceptDone chan struct{}
	mu         sync.Mutex

	sessionsWG   sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer creates a new SMTP server with the specified configuration.
func NewServer(config *Config) (*Server, error) {
	config.EnsureDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := config.LogConfig()
	logger, err := logging.NewLogger(&logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise logger: %w", err)
	}

	return newServer(config, logger), nil
}

// NewServerWithLogger is NewServer with a caller supplied logger.
func NewServerWithLogger(config *Config, logger logging.Logger) (*Server, error) {
	config.EnsureDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newServer(config, logger), nil
}

func newServer(config *Config, logger logging.Logger) *Server {
	metrics := NewMetrics()
	return &Server{
		config:  config,
		logger:  logger,
		stats:   NewStats(metrics),
		metrics: metrics,
		out:     os.Stdout,
		workers: semaphore.NewWeighted(int64(config.Workers)),
	}
}

// Stats returns the server-wide message counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Metrics returns the server's prometheus collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SetOutput redirects the end-of-run summary.
func (s *Server) SetOutput(w io.Writer) {
	s.out = w
}

// Addr returns the listening address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start runs the server until SIGINT or SIGTERM, then waits for in-flight
// sessions and prints the summary.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := s.ListenAndServe(ctx)
	if !errors.Is(err, ErrServerClosed) {
		return err
	}
	if reportErr := s.stats.Report(s.out); reportErr != nil {
		s.logger.Error("Failed to write summary", reportErr)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("can't bind to %s: %w", s.config.Address, err)
	}

	if s.config.MetricsAddress != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := s.metrics.serveMetrics(mctx, s.config.MetricsAddress, s.logger); err != nil {
			_ = listener.Close()
			return fmt.Errorf("can't bind metrics listener to %s: %w", s.config.MetricsAddress, err)
		}
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on l. At most Workers sessions run at once;
// further connections wait in the listen backlog until a worker frees up.
// Once ctx is done the listener is closed and in-flight sessions get up to
// ShutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.cancel = cancel
	s.acceptDone = make(chan struct{})
	acceptDone := s.acceptDone
	s.mu.Unlock()

	s.logger.Info("fakesmtpd started",
		logging.F("addr", l.Addr().String()),
		logging.F("workers", s.config.Workers),
		logging.F("reject_ratio", s.config.RejectRatio),
		logging.F("max_message_size", s.config.MaxMessageSize))

	go func() {
		<-ctx.Done()
		s.shuttingDown.Store(true)
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Error closing listener", logging.F("err", err))
		}
	}()

	s.acceptLoop(ctx, l)
	close(acceptDone)

	s.logger.Info("Listener closed, waiting for active sessions")
	if !s.waitSessions(s.config.ShutdownTimeout) {
		s.logger.Warn("Sessions still active after shutdown timeout",
			logging.F("timeout", s.config.ShutdownTimeout.String()))
	}
	return ErrServerClosed
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	var delay time.Duration
	for {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return
		}

		conn, err := l.Accept()
		if err != nil {
			s.workers.Release(1)
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Back off on errors such as EMFILE instead of spinning.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.logger.Warn("Failed to accept connection",
				logging.F("err", err), logging.F("retry_in", delay.String()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0

		s.sessionsWG.Add(1)
		go func() {
			defer s.sessionsWG.Done()
			defer s.workers.Release(1)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.metrics.connectionOpened()
	defer s.metrics.connectionClosed()

	session := NewSession(conn, s.config, s.stats, s.logger)
	session.metrics = s.metrics
	if err := session.Handle(); err != nil {
		s.logger.Error("Session error", err)
	}
}

// waitSessions reports whether all sessions finished within timeout.
func (s *Server) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Shutdown stops accepting new connections and waits for active sessions to
// finish or ctx to expire. Sessions are never interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown.Store(true)
	cancel, acceptDone := s.cancel, s.acceptDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-acceptDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.logger.Info("All sessions closed; shutdown complete")
		return nil
	}
}
