package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thekvs/fake-smtpd/logging"
)

// Metrics holds the prometheus collectors of one server, on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	connections    prometheus.Counter
	activeSessions prometheus.Gauge
	messages       *prometheus.CounterVec
	commands       *prometheus.CounterVec
	bodyBytes      prometheus.Histogram
}

// NewMetrics registers the fakesmtpd collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "fakesmtpd_connection_total",
			Help: "Incoming SMTP connections.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fakesmtpd_active_sessions",
			Help: "SMTP sessions currently being served.",
		}),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakesmtpd_messages_total",
				Help: "Message outcomes. Result values: accepted, rejected.",
			},
			[]string{"result"},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakesmtpd_commands_total",
				Help: "SMTP commands processed, by verb and reply code.",
			},
			[]string{
				"cmd",
				"code",
			},
		),
		bodyBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fakesmtpd_message_size_bytes",
			Help:    "Size of accepted message bodies.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}
}

// Registry exposes the underlying registry, e.g. for tests to gather from.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) connectionOpened() {
	m.connections.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) connectionClosed() {
	m.activeSessions.Dec()
}

func (m *Metrics) observeCommand(verb string, status int) {
	m.commands.WithLabelValues(verb, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeMessage(size int) {
	m.bodyBytes.Observe(float64(size))
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// serveMetrics runs an HTTP listener for /metrics until ctx is done.
func (m *Metrics) serveMetrics(ctx context.Context, addr string, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("Serving metrics", logging.F("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics listener failed", err)
		}
	}()
	return nil
}
