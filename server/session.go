package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/thekvs/fake-smtpd/logging"
	"github.com/thekvs/fake-smtpd/smtp"
)

var (
	errNoPeerAddress = errors.New("can't get peer address")
	errLineTooLong   = errors.New("command line too long")
)

// Session represents a single SMTP client connection
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	protocol *smtp.Protocol
	config   *Config
	stats    *Stats
	metrics  *Metrics
	base     logging.Logger
	logger   *logging.SMTPLogger

	startTime time.Time
	accepted  int
	rejected  int
}

// deadlineReader refreshes the read deadline before every read on the
// connection, bounding each read rather than the whole session.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

// NewSession creates a new SMTP session. Outcomes are counted in stats.
func NewSession(conn net.Conn, config *Config, stats *Stats, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Session{
		conn:      conn,
		reader:    bufio.NewReaderSize(deadlineReader{conn: conn, timeout: config.ReadTimeout}, ioBufferSize),
		writer:    bufio.NewWriterSize(conn, ioBufferSize),
		protocol:  smtp.NewProtocol(config.ProtocolOptions()),
		config:    config,
		stats:     stats,
		base:      logger,
		startTime: time.Now(),
	}
}

// Handle processes the SMTP session until completion or error. The
// connection is always closed on return.
func (s *Session) Handle() error {
	defer func() {
		if closeErr := s.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			s.base.Debug("Error closing connection", logging.F("err", closeErr))
		}
	}()

	peer := s.conn.RemoteAddr()
	if peer == nil {
		s.base.Error("Dropping connection", errNoPeerAddress)
		return nil
	}

	s.logger = logging.NewSMTPLogger(s.base, peer)
	s.logger.LogConnection(peer.String())
	defer func() {
		s.logger.LogConnectionClosed(time.Since(s.startTime), s.accepted, s.rejected)
	}()

	if err := s.writeReply(s.protocol.Start(), ""); err != nil {
		return err
	}
	return s.runCommandLoop()
}

func (s *Session) runCommandLoop() error {
	for {
		line, err := s.readLine()
		switch {
		case errors.Is(err, errLineTooLong):
			s.logger.Warn("Command length limit exceeded", logging.F("max_length", MaxCommandLength))
			if err := s.writeReply(smtp.UnknownCommand(), ""); err != nil {
				return err
			}
			continue
		case errors.Is(err, io.EOF):
			s.logger.Debug("Client closed connection")
			return nil
		case err != nil:
			return fmt.Errorf("read command: %w", err)
		}

		if err := s.handleCommand(line); err != nil {
			return err
		}
		if s.protocol.IsData() {
			closeConn, err := s.receiveMessage()
			if err != nil || closeConn {
				return err
			}
		}
		if s.protocol.IsDone() {
			return nil
		}
	}
}

func (s *Session) handleCommand(line string) error {
	prev := s.protocol.State

	var verb string
	cmd, reply, err := s.protocol.ProcessCommand(line)
	if err != nil {
		s.logger.Warn("Invalid command", logging.F("err", err), logging.F("line", strings.TrimSpace(line)))
		reply = smtp.UnknownCommand()
	} else {
		verb = cmd.Verb
		s.logger.LogCommand(cmd.Verb, cmd.Args, prev.String())
	}

	if err := s.writeReply(reply, verb); err != nil {
		return err
	}
	s.logger.LogStateTransition(prev.String(), s.protocol.State.String(), verb)

	// Refusals while recipients are being collected count as rejected mail.
	if prev == smtp.StateRcpt && reply.Status > smtp.CodeUnknownCommand {
		s.reject()
		if verb == smtp.CmdRCPT && reply.Status == smtp.CodeUnknownUser {
			s.logger.LogSyntheticRejection(cmd.Args, reply.Status)
		}
	}
	return nil
}

// receiveMessage reads a message body after DATA was accepted. It reports
// whether the connection should be closed.
func (s *Session) receiveMessage() (bool, error) {
	reply, err := s.protocol.ProcessData(s.reader)
	if err != nil {
		if errors.Is(err, smtp.ErrClientClosed) {
			s.logger.Warn("Client closed connection during DATA")
			return true, nil
		}
		return true, fmt.Errorf("read message body: %w", err)
	}

	if err := s.writeReply(reply, smtp.CmdDATA); err != nil {
		return true, err
	}

	if reply.IsError() {
		s.reject()
		s.logger.LogMessageRejected(reply.Status, "message size limit exceeded")
		return true, nil
	}

	tx := s.protocol.Last()
	s.accepted++
	s.stats.Accept()
	if s.metrics != nil {
		s.metrics.observeMessage(tx.Size)
	}
	s.logger.LogMessageReceived(tx.From, tx.Recipients, tx.Size)
	return false, nil
}

func (s *Session) reject() {
	s.rejected++
	s.stats.Reject()
}

// readLine returns one line including its terminator. A final line without
// terminator is returned as is; io.EOF is only returned when nothing was read.
func (s *Session) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(line)+len(chunk) > MaxCommandLength {
			if errors.Is(err, bufio.ErrBufferFull) {
				if err := s.discardLine(); err != nil {
					return "", err
				}
			}
			return "", errLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return string(line), nil
		default:
			return "", err
		}
	}
}

// discardLine drops input up to and including the next newline.
func (s *Session) discardLine() error {
	for {
		_, err := s.reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func (s *Session) writeReply(reply smtp.Reply, verb string) error {
	if _, err := reply.WriteTo(s.writer); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	if s.logger != nil {
		s.logger.LogResponse(reply.Status, strings.Join(reply.Lines, " "), verb)
	}
	if s.metrics != nil && verb != "" {
		s.metrics.observeCommand(verb, reply.Status)
	}
	return nil
}
