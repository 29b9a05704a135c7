package server

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Stats counts message outcomes across all sessions of a server.
type Stats struct {
	accepted atomic.Uint64
	rejected atomic.Uint64

	metrics *Metrics
}

// NewStats returns zeroed counters, mirrored into m when it is non-nil.
func NewStats(m *Metrics) *Stats {
	return &Stats{metrics: m}
}

// Accept records one message accepted after DATA.
func (s *Stats) Accept() {
	s.accepted.Add(1)
	if s.metrics != nil {
		s.metrics.messages.WithLabelValues("accepted").Inc()
	}
}

// Reject records one refusal, either a recipient or a message body.
func (s *Stats) Reject() {
	s.rejected.Add(1)
	if s.metrics != nil {
		s.metrics.messages.WithLabelValues("rejected").Inc()
	}
}

// Accepted returns the number of accepted messages so far.
func (s *Stats) Accepted() uint64 { return s.accepted.Load() }

// Rejected returns the number of rejections so far.
func (s *Stats) Rejected() uint64 { return s.rejected.Load() }

// Report writes the end-of-run summary.
func (s *Stats) Report(w io.Writer) error {
	_, err := fmt.Fprintf(w, "\nAccepted emails: %d\nRejected emails: %d\n\n", s.Accepted(), s.Rejected())
	return err
}
