package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
)

const (
	// DefaultHostname is announced in the greeting and in HELO/EHLO replies.
	DefaultHostname = "fakesmtpd"
	// DefaultMaxMessageSize is the largest accepted message body in bytes (70MiB).
	DefaultMaxMessageSize = 73_400_320

	initialMessageBufferSize = 4 * 1024
)

// ErrClientClosed is returned by ProcessData when the peer closes the
// connection before the body terminator arrives.
var ErrClientClosed = errors.New("client closed connection")

var (
	bodyTerminator = []byte("\r\n.\r\n")
	emptyBody      = []byte(".\r\n")
)

// Options configures a Protocol. Zero values select the defaults.
type Options struct {
	Hostname       string
	MaxMessageSize int
	// MaxRecipients limits accepted recipients per transaction; 0 means no limit.
	MaxRecipients int
	// RejectRatio is the probability, in [0,1], that a recipient is rejected.
	RejectRatio float64
	// Random returns a uniform value in [0,1). Defaults to math/rand.
	Random func() float64
}

// Transaction describes the last message received by a Protocol.
type Transaction struct {
	From       string
	Recipients []string
	Size       int
}

// Protocol is the SMTP state machine for one connection. It performs no I/O
// apart from reading the message body from the reader handed to ProcessData,
// and must only be used from a single goroutine.
type Protocol struct {
	State      State
	Message    []byte
	From       string
	Recipients []string

	hostname       string
	maxMessageSize int
	maxRecipients  int
	rejectRatio    float64
	random         func() float64
	ehloLines      []string
	last           Transaction
}

// NewProtocol creates a Protocol in StateInvalid. Call Start to obtain the greeting.
func NewProtocol(opts Options) *Protocol {
	p := &Protocol{
		Message:        make([]byte, 0, initialMessageBufferSize),
		hostname:       opts.Hostname,
		maxMessageSize: opts.MaxMessageSize,
		maxRecipients:  opts.MaxRecipients,
		random:         opts.Random,
	}
	if p.hostname == "" {
		p.hostname = DefaultHostname
	}
	if p.maxMessageSize <= 0 {
		p.maxMessageSize = DefaultMaxMessageSize
	}
	if p.random == nil {
		p.random = rand.Float64
	}
	p.SetRejectRatio(opts.RejectRatio)
	p.ehloLines = []string{p.hostname, fmt.Sprintf("SIZE %d", p.maxMessageSize), "8BITMIME"}
	return p
}

// SetRejectRatio sets the synthetic rejection probability, clamped to [0,1].
func (p *Protocol) SetRejectRatio(ratio float64) {
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	p.rejectRatio = ratio
}

// IsData reports whether the body should be fed to ProcessData.
func (p *Protocol) IsData() bool { return p.State == StateData }

// IsDone reports whether QUIT was received.
func (p *Protocol) IsDone() bool { return p.State == StateDone }

// Last returns the most recently completed transaction.
func (p *Protocol) Last() Transaction { return p.last }

// Start returns the greeting and moves to StateEstablish.
func (p *Protocol) Start() Reply {
	p.State = StateEstablish
	return Greeting(p.hostname)
}

// ProcessCommand parses one raw line and runs it through the state machine,
// returning the parsed command with its reply. The only error is
// ErrInvalidCommand for blank lines.
func (p *Protocol) ProcessCommand(line string) (*Command, Reply, error) {
	line = strings.TrimRight(line, "\r\n")
	cmd, err := ParseCommand(line)
	if err != nil {
		return nil, Reply{}, err
	}
	return cmd, p.Command(cmd), nil
}

// Command applies a parsed command. Every (verb, state) pair yields a reply.
func (p *Protocol) Command(cmd *Command) Reply {
	switch {
	case cmd.Verb == CmdQUIT:
		p.State = StateDone
		return Bye()
	case cmd.Verb == CmdNOOP:
		return OK("Ok")
	case cmd.Verb == CmdRSET:
		p.reset()
		p.State = StateMail
		return OK("Ok")
	case cmd.Verb == CmdEHLO && p.State.AcceptsHello():
		p.State = StateMail
		return OKMany(p.ehloLines...)
	case cmd.Verb == CmdHELO && p.State.AcceptsHello():
		p.State = StateMail
		return OK(p.hostname)
	case cmd.Verb == CmdMAIL && p.State == StateMail:
		return p.mail(cmd)
	case cmd.Verb == CmdRCPT && p.State == StateRcpt:
		return p.rcpt(cmd)
	case cmd.Verb == CmdDATA && p.State == StateRcpt && len(p.Recipients) > 0:
		p.State = StateData
		return StartData()
	default:
		return UnknownCommand()
	}
}

// ProcessData reads the message body from r until CRLF "." CRLF. On success
// the transaction is reset and the state returns to StateMail. A body larger
// than the maximum yields MessageTooBig and leaves the state at StateData;
// the caller is expected to drop the connection. Read failures are returned
// as errors.
func (p *Protocol) ProcessData(r *bufio.Reader) (Reply, error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(p.Message)+len(chunk) > p.maxMessageSize {
				return MessageTooBig(), nil
			}
			p.Message = append(p.Message, chunk...)
			if p.trimTerminator() {
				break
			}
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return Reply{}, ErrClientClosed
			}
			return Reply{}, fmt.Errorf("data read error: %w", err)
		}
	}

	p.last = Transaction{
		From:       p.From,
		Recipients: append([]string(nil), p.Recipients...),
		Size:       len(p.Message),
	}
	p.State = StateMail
	p.reset()

	return OK("Ok"), nil
}

// trimTerminator drops the trailing ".\r\n" when the buffer ends with the
// body terminator, keeping the CRLF that ends the last body line.
func (p *Protocol) trimTerminator() bool {
	if bytes.HasSuffix(p.Message, bodyTerminator) {
		p.Message = p.Message[:len(p.Message)-len(bodyTerminator)+2]
		return true
	}
	// The CRLF ending the DATA command precedes an empty body.
	if bytes.Equal(p.Message, emptyBody) {
		p.Message = p.Message[:0]
		return true
	}
	return false
}

func (p *Protocol) reset() {
	p.Message = p.Message[:0]
	p.Recipients = nil
	p.From = ""
}

func (p *Protocol) mail(cmd *Command) Reply {
	p.State = StateRcpt

	mf, ok := ParseMailFrom(cmd.Args)
	if !ok {
		return InvalidAddress()
	}
	p.From = mf.Address

	switch {
	case mf.SizeErr != nil:
		return UnknownCommand()
	case mf.Size > int64(p.maxMessageSize):
		return MessageTooBig()
	default:
		return OK("Ok")
	}
}

func (p *Protocol) rcpt(cmd *Command) Reply {
	address, ok := ParseRcptTo(cmd.Args)
	if !ok {
		return InvalidAddress()
	}
	if p.maxRecipients > 0 && len(p.Recipients) >= p.maxRecipients {
		return TooManyRecipients()
	}
	if p.rejectRecipient() {
		return UnknownUser()
	}
	p.Recipients = append(p.Recipients, address)
	return OK("Ok")
}

// rejectRecipient draws against the reject ratio so that a recipient is
// rejected with probability equal to the ratio.
func (p *Protocol) rejectRecipient() bool {
	switch {
	case p.rejectRatio <= 0:
		return false
	case p.rejectRatio >= 1:
		return true
	default:
		return p.random() < p.rejectRatio
	}
}
