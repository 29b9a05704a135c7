package smtp

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, line string) *Command {
	t.Helper()
	cmd, err := ParseCommand(line)
	require.NoError(t, err)
	return cmd
}

// readyForData drives a fresh protocol up to an accepted DATA command.
func readyForData(t *testing.T, opts Options) *Protocol {
	t.Helper()
	p := NewProtocol(opts)
	p.Start()
	for _, line := range []string{"EHLO client", "MAIL FROM:<a@example.com>", "RCPT TO:<b@example.com>", "DATA"} {
		_, _, err := p.ProcessCommand(line)
		require.NoError(t, err)
	}
	require.Equal(t, StateData, p.State)
	return p
}

func TestStartSendsGreeting(t *testing.T) {
	p := NewProtocol(Options{})
	assert.Equal(t, StateInvalid, p.State)

	reply := p.Start()
	assert.Equal(t, CodeGreeting, reply.Status)
	assert.Equal(t, []string{"fakesmtpd ESMTP ready"}, reply.Lines)
	assert.Equal(t, StateEstablish, p.State)
}

func TestEhloAndHelo(t *testing.T) {
	p := NewProtocol(Options{Hostname: "mx.test", MaxMessageSize: 1000})
	p.Start()

	reply := p.Command(mustParse(t, "EHLO client.example.com"))
	assert.Equal(t, CodeOK, reply.Status)
	assert.Equal(t, []string{"mx.test", "SIZE 1000", "8BITMIME"}, reply.Lines)
	assert.Equal(t, StateMail, p.State)

	reply = p.Command(mustParse(t, "HELO client.example.com"))
	assert.Equal(t, OK("mx.test"), reply)
	assert.Equal(t, StateMail, p.State)

	p.Command(mustParse(t, "MAIL FROM:<a@example.com>"))
	require.Equal(t, StateRcpt, p.State)
	reply = p.Command(mustParse(t, "EHLO again"))
	assert.Equal(t, CodeOK, reply.Status)
	assert.Equal(t, StateMail, p.State)
}

func TestHeloRejectedOutsideHandshakeStates(t *testing.T) {
	p := NewProtocol(Options{})
	reply := p.Command(mustParse(t, "HELO client"))
	assert.Equal(t, CodeUnknownCommand, reply.Status, "before greeting")
	assert.Equal(t, StateInvalid, p.State)

	p = readyForData(t, Options{})
	reply = p.Command(mustParse(t, "EHLO client"))
	assert.Equal(t, CodeUnknownCommand, reply.Status, "during DATA")
	assert.Equal(t, StateData, p.State)
}

func TestMailCommand(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		status int
		from   string
	}{
		{"size within bounds", "mail from: <test@example.com> size=432445", CodeOK, "test@example.com"},
		{"no space", "mail from:<test@example.com>", CodeOK, "test@example.com"},
		{"null sender", "mail from:<>", CodeOK, ""},
		{"size too big", "mail from: <test@example.com> size=432445768556", CodeMessageTooBig, "test@example.com"},
		{"size overflows", "mail from:<x@example.com> size=999999999999999999999", CodeUnknownCommand, "x@example.com"},
		{"malformed", "mail from: test@example.com", CodeInvalidAddress, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProtocol(Options{})
			p.State = StateMail
			cmd := mustParse(t, tt.line)

			first := p.Command(cmd)
			assert.Equal(t, tt.status, first.Status)
			assert.Equal(t, tt.from, p.From)
			assert.Equal(t, StateRcpt, p.State, "MAIL always advances to RCPT")

			p.State = StateMail
			second := p.Command(cmd)
			assert.Equal(t, tt.status, second.Status, "repeated MAIL")
		})
	}
}

func TestMailOnlyInMailState(t *testing.T) {
	p := NewProtocol(Options{})
	p.Start()
	reply := p.Command(mustParse(t, "MAIL FROM:<a@example.com>"))
	assert.Equal(t, CodeUnknownCommand, reply.Status)
	assert.Equal(t, StateEstablish, p.State)
	assert.Empty(t, p.From)
}

func TestRcptCommand(t *testing.T) {
	for _, line := range []string{"rcpt to: <test@example.com>", "rcpt to:<test@example.com>"} {
		t.Run(line, func(t *testing.T) {
			p := NewProtocol(Options{})
			p.State = StateRcpt
			cmd := mustParse(t, line)

			reply := p.Command(cmd)
			assert.Equal(t, CodeOK, reply.Status)
			require.Len(t, p.Recipients, 1)
			assert.Equal(t, "test@example.com", p.Recipients[0])

			reply = p.Command(cmd)
			assert.Equal(t, CodeOK, reply.Status)
			assert.Equal(t, []string{"test@example.com", "test@example.com"}, p.Recipients)
		})
	}
}

func TestRcptEmptyAddressIsMalformed(t *testing.T) {
	p := NewProtocol(Options{})
	p.State = StateRcpt
	reply := p.Command(mustParse(t, "rcpt to:<>"))
	assert.Equal(t, CodeInvalidAddress, reply.Status)
	assert.Empty(t, p.Recipients)
	assert.Equal(t, StateRcpt, p.State)
}

func TestRejectRatio(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		draw     float64
		rejected bool
	}{
		{"zero never rejects", 0, 0, false},
		{"one always rejects", 1, 0.999, true},
		{"above one is clamped", 3, 0.5, true},
		{"negative is clamped", -1, 0, false},
		{"draw below ratio rejects", 0.3, 0.29, true},
		{"draw at ratio accepts", 0.3, 0.3, false},
		{"draw above ratio accepts", 0.3, 0.8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProtocol(Options{RejectRatio: tt.ratio, Random: func() float64 { return tt.draw }})
			p.State = StateRcpt

			reply := p.Command(mustParse(t, "RCPT TO:<test@example.com>"))
			if tt.rejected {
				assert.Equal(t, UnknownUser(), reply)
				assert.Empty(t, p.Recipients)
			} else {
				assert.Equal(t, CodeOK, reply.Status)
				assert.Equal(t, []string{"test@example.com"}, p.Recipients)
			}
		})
	}
}

func TestSetRejectRatio(t *testing.T) {
	p := NewProtocol(Options{Random: func() float64 { return 0.5 }})
	p.State = StateRcpt
	p.SetRejectRatio(1)

	reply := p.Command(mustParse(t, "RCPT TO:<a@example.com>"))
	assert.Equal(t, CodeUnknownUser, reply.Status)
}

func TestMaxRecipients(t *testing.T) {
	p := NewProtocol(Options{MaxRecipients: 2})
	p.State = StateRcpt

	for i := 0; i < 2; i++ {
		reply := p.Command(mustParse(t, "RCPT TO:<a@example.com>"))
		require.Equal(t, CodeOK, reply.Status)
	}
	reply := p.Command(mustParse(t, "RCPT TO:<a@example.com>"))
	assert.Equal(t, TooManyRecipients(), reply)
	assert.Len(t, p.Recipients, 2)
}

func TestDataPreconditions(t *testing.T) {
	p := NewProtocol(Options{})
	p.Start()
	assert.Equal(t, CodeUnknownCommand, p.Command(mustParse(t, "DATA")).Status, "DATA in ESTABLISH")

	p.Command(mustParse(t, "HELO c"))
	assert.Equal(t, CodeUnknownCommand, p.Command(mustParse(t, "DATA")).Status, "DATA in MAIL")

	p.Command(mustParse(t, "MAIL FROM:<a@example.com>"))
	reply := p.Command(mustParse(t, "DATA"))
	assert.Equal(t, CodeUnknownCommand, reply.Status, "DATA without recipients")
	assert.Equal(t, StateRcpt, p.State)

	p.Command(mustParse(t, "RCPT TO:<b@example.com>"))
	reply = p.Command(mustParse(t, "DATA"))
	assert.Equal(t, StartData(), reply)
	assert.True(t, p.IsData())
}

func TestProcessDataCompletesTransaction(t *testing.T) {
	p := readyForData(t, Options{})
	body := "Subject: hi\r\n\r\nhello\r\n.\r\nQUIT\r\n"
	r := bufio.NewReader(strings.NewReader(body))

	reply, err := p.ProcessData(r)
	require.NoError(t, err)
	assert.Equal(t, OK("Ok"), reply)
	assert.Equal(t, StateMail, p.State)
	assert.Empty(t, p.From)
	assert.Empty(t, p.Recipients)
	assert.Empty(t, p.Message)

	last := p.Last()
	assert.Equal(t, "a@example.com", last.From)
	assert.Equal(t, []string{"b@example.com"}, last.Recipients)
	assert.Equal(t, len("Subject: hi\r\n\r\nhello\r\n"), last.Size)

	rest, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "QUIT\r\n", rest, "bytes after the terminator stay in the reader")
}

func TestProcessDataEmptyBody(t *testing.T) {
	p := readyForData(t, Options{})
	reply, err := p.ProcessData(bufio.NewReader(strings.NewReader(".\r\n")))
	require.NoError(t, err)
	assert.Equal(t, CodeOK, reply.Status)
	assert.Equal(t, 0, p.Last().Size)
	assert.Equal(t, StateMail, p.State)
}

func TestProcessDataLongLines(t *testing.T) {
	p := readyForData(t, Options{})
	line := strings.Repeat("x", 10000)
	body := line + "\r\n.\r\n"

	// A reader smaller than the line forces bufio.ErrBufferFull chunks.
	reply, err := p.ProcessData(bufio.NewReaderSize(strings.NewReader(body), 16))
	require.NoError(t, err)
	assert.Equal(t, CodeOK, reply.Status)
	assert.Equal(t, len(line)+2, p.Last().Size)
}

func TestProcessDataTooBig(t *testing.T) {
	p := readyForData(t, Options{MaxMessageSize: 32})
	body := strings.Repeat("0123456789\r\n", 10) + ".\r\n"

	reply, err := p.ProcessData(bufio.NewReader(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, MessageTooBig(), reply)
	assert.Equal(t, StateData, p.State)
}

func TestProcessDataClientClosed(t *testing.T) {
	p := readyForData(t, Options{})
	_, err := p.ProcessData(bufio.NewReader(strings.NewReader("partial body\r\n")))
	assert.ErrorIs(t, err, ErrClientClosed)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestProcessDataReadError(t *testing.T) {
	p := readyForData(t, Options{})
	_, err := p.ProcessData(bufio.NewReader(failingReader{}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClientClosed)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestRsetClearsTransaction(t *testing.T) {
	p := NewProtocol(Options{})
	p.Start()
	p.Command(mustParse(t, "EHLO c"))
	p.Command(mustParse(t, "MAIL FROM:<a@example.com>"))
	p.Command(mustParse(t, "RCPT TO:<b@example.com>"))

	reply := p.Command(mustParse(t, "rset"))
	assert.Equal(t, CodeOK, reply.Status)
	assert.Equal(t, StateMail, p.State)
	assert.Empty(t, p.From)
	assert.Empty(t, p.Recipients)
}

func TestNoopKeepsState(t *testing.T) {
	for _, state := range []State{StateEstablish, StateMail, StateRcpt} {
		p := NewProtocol(Options{})
		p.State = state
		reply := p.Command(mustParse(t, "NOOP"))
		assert.Equal(t, CodeOK, reply.Status)
		assert.Equal(t, state, p.State)
	}
}

func TestQuitFromAnyState(t *testing.T) {
	for _, state := range []State{StateInvalid, StateEstablish, StateMail, StateRcpt, StateData} {
		t.Run(state.String(), func(t *testing.T) {
			p := NewProtocol(Options{})
			p.State = state
			reply := p.Command(mustParse(t, "quit"))
			assert.Equal(t, Bye(), reply)
			assert.True(t, p.IsDone())
		})
	}
}

func TestUnknownVerb(t *testing.T) {
	p := NewProtocol(Options{})
	p.Start()
	cmd, reply, err := p.ProcessCommand("VRFY postmaster\r\n")
	require.NoError(t, err)
	assert.Equal(t, "VRFY", cmd.Verb)
	assert.Equal(t, "postmaster", cmd.Args)
	assert.Equal(t, UnknownCommand(), reply)
	assert.Equal(t, StateEstablish, p.State)
}

func TestProcessCommandBlankLine(t *testing.T) {
	p := NewProtocol(Options{})
	cmd, _, err := p.ProcessCommand("\r\n")
	assert.Nil(t, cmd)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestTwoTransactionsOnOneSession(t *testing.T) {
	p := readyForData(t, Options{})
	_, err := p.ProcessData(bufio.NewReader(strings.NewReader("one\r\n.\r\n")))
	require.NoError(t, err)

	for _, line := range []string{"MAIL FROM:<c@example.com>", "RCPT TO:<d@example.com>", "DATA"} {
		_, reply, err := p.ProcessCommand(line)
		require.NoError(t, err)
		require.False(t, reply.IsError(), line)
	}
	_, err = p.ProcessData(bufio.NewReader(strings.NewReader("second body\r\n.\r\n")))
	require.NoError(t, err)
	assert.Equal(t, "c@example.com", p.Last().From)
	assert.Equal(t, len("second body\r\n"), p.Last().Size)
}
