package smtp

import (
	"fmt"
	"io"
	"strings"
)

//nolint:revive // exported constants are intentionally grouped here
const (
	CodeGreeting          = 220
	CodeBye               = 221
	CodeOK                = 250
	CodeStartData         = 354
	CodeTooManyRecipients = 452
	CodeUnknownCommand    = 500
	CodeInvalidAddress    = 502
	CodeUnknownUser       = 550
	CodeMessageTooBig     = 556
)

// Reply is a status code with one or more text lines.
type Reply struct {
	Status int
	Lines  []string
}

// String renders the reply in wire format. Every line but the last carries
// the "-" continuation marker. A reply without lines renders as "".
func (r Reply) String() string {
	var b strings.Builder
	for i, line := range r.Lines {
		sep := "-"
		if i == len(r.Lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", r.Status, sep, line)
	}
	return b.String()
}

// WriteTo writes the wire form of the reply to w.
func (r Reply) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.String())
	return int64(n), err
}

// IsError reports whether the status is a transient or permanent failure.
func (r Reply) IsError() bool {
	return r.Status >= 400
}

// Greeting is the 220 banner sent on connect.
func Greeting(hostname string) Reply {
	return Reply{Status: CodeGreeting, Lines: []string{hostname + " ESMTP ready"}}
}

// OK is a single line 250 reply.
func OK(message string) Reply {
	return Reply{Status: CodeOK, Lines: []string{message}}
}

// OKMany is a multi-line 250 reply, e.g. the EHLO capability list.
func OKMany(lines ...string) Reply {
	return Reply{Status: CodeOK, Lines: lines}
}

// Bye answers QUIT.
func Bye() Reply {
	return Reply{Status: CodeBye, Lines: []string{"Bye"}}
}

// StartData answers an accepted DATA command.
func StartData() Reply {
	return Reply{Status: CodeStartData, Lines: []string{"End data with <CR><LF>.<CR><LF>"}}
}

// UnknownCommand answers anything the state machine does not accept.
func UnknownCommand() Reply {
	return Reply{Status: CodeUnknownCommand, Lines: []string{"Invalid or out of order command"}}
}

// InvalidAddress answers MAIL/RCPT arguments that do not parse.
func InvalidAddress() Reply {
	return Reply{Status: CodeInvalidAddress, Lines: []string{"Malformed email address"}}
}

// MessageTooBig answers a declared or received size above the limit.
func MessageTooBig() Reply {
	return Reply{Status: CodeMessageTooBig, Lines: []string{"Message size exceeds maximum allowed"}}
}

// UnknownUser is the synthetic recipient rejection.
func UnknownUser() Reply {
	return Reply{Status: CodeUnknownUser, Lines: []string{"User unknown"}}
}

// TooManyRecipients answers RCPT once the recipient limit is reached.
func TooManyRecipients() Reply {
	return Reply{Status: CodeTooManyRecipients, Lines: []string{"Too many recipients"}}
}
