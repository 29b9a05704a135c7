package logging

import (
	"net"
	"time"

	"github.com/oklog/ulid/v2"
)

// SMTPLogger provides SMTP-specific logging methods bound to one connection
type SMTPLogger struct {
	Logger
	sessionID string
	clientIP  string
}

// NewSMTPLogger creates a new SMTP logger with session context. The peer may be nil.
func NewSMTPLogger(logger Logger, peer net.Addr) *SMTPLogger {
	sessionID := ulid.Make().String()
	clientIP := ""
	if peer != nil {
		clientIP = peer.String()
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}

	return &SMTPLogger{
		Logger:    logger.With(F("session_id", sessionID), F("client_ip", clientIP)),
		sessionID: sessionID,
		clientIP:  clientIP,
	}
}

// LogConnection logs connection establishment
func (l *SMTPLogger) LogConnection(peer string) {
	l.Info("SMTP connection established", F("peer", peer))
}

// LogConnectionClosed logs connection closure
func (l *SMTPLogger) LogConnectionClosed(duration time.Duration, accepted, rejected int) {
	l.Info("SMTP connection closed",
		F("duration_ms", duration.Milliseconds()),
		F("accepted", accepted),
		F("rejected", rejected))
}

// LogCommand logs an SMTP command received
func (l *SMTPLogger) LogCommand(verb, args, smtpState string) {
	fields := []Field{
		F("command", verb),
		F("smtp_state", smtpState),
	}
	if args != "" {
		fields = append(fields, F("args", args))
	}
	l.Debug("SMTP command received", fields...)
}

// LogResponse logs an SMTP response sent
func (l *SMTPLogger) LogResponse(status int, text, command string) {
	fields := []Field{
		F("response_code", status),
		F("response", text),
	}
	if command != "" {
		fields = append(fields, F("command", command))
	}

	if status >= 400 {
		l.Warn("SMTP error response sent", fields...)
		return
	}
	l.Debug("SMTP response sent", fields...)
}

// LogStateTransition logs SMTP state changes
func (l *SMTPLogger) LogStateTransition(fromState, toState, command string) {
	if fromState == toState {
		return
	}
	l.Debug("SMTP state transition",
		F("from_state", fromState),
		F("to_state", toState),
		F("command", command))
}

// LogSyntheticRejection logs a recipient rejected by the reject ratio
func (l *SMTPLogger) LogSyntheticRejection(args string, status int) {
	l.Info("SMTP recipient rejected",
		F("args", args),
		F("response_code", status))
}

// LogMessageReceived logs a completed message body
func (l *SMTPLogger) LogMessageReceived(from string, to []string, size int) {
	l.Debug("SMTP message received",
		F("mail_from", from),
		F("rcpt_to", to),
		F("rcpt_count", len(to)),
		F("message_size", size))
}

// LogMessageRejected logs a message body refused by the server
func (l *SMTPLogger) LogMessageRejected(status int, reason string) {
	l.Warn("SMTP message rejected",
		F("response_code", status),
		F("reason", reason))
}

// GetSessionID returns the session ID for external use
func (l *SMTPLogger) GetSessionID() string {
	return l.sessionID
}

// GetClientIP returns the client IP for external use
func (l *SMTPLogger) GetClientIP() string {
	return l.clientIP
}
