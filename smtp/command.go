package smtp

import (
	"errors"
	"strings"
)

// Command name constants
const (
	CmdHELO = "HELO"
	CmdEHLO = "EHLO"
	CmdMAIL = "MAIL"
	CmdRCPT = "RCPT"
	CmdDATA = "DATA"
	CmdRSET = "RSET"
	CmdNOOP = "NOOP"
	CmdQUIT = "QUIT"
)

// ErrInvalidCommand is returned when a line carries no command at all.
var ErrInvalidCommand = errors.New("invalid command")

// Command represents one client command line.
type Command struct {
	Verb   string // first token, upper-cased
	Args   string // remaining tokens joined by single spaces
	Origin string // the line as received
}

// ParseCommand parses a line of text, with its line terminator already
// stripped, into a Command.
func ParseCommand(line string) (*Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, ErrInvalidCommand
	}

	return &Command{
		Verb:   strings.ToUpper(parts[0]),
		Args:   strings.Join(parts[1:], " "),
		Origin: line,
	}, nil
}
