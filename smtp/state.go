// Package smtp implements the reduced SMTP command/reply protocol spoken by fakesmtpd.
package smtp

// State represents the current state of an SMTP session.
type State int

// SMTP session states.
const (
	// StateInvalid is the zero value, used only before the greeting is sent.
	StateInvalid State = iota

	// StateEstablish is the state after the greeting, waiting for HELO/EHLO.
	StateEstablish

	// StateMail is the state after HELO/EHLO, RSET or a completed message.
	StateMail

	// StateRcpt is the state after MAIL FROM, collecting recipients.
	StateRcpt

	// StateData is the state while the message body is being received.
	StateData

	// StateDone is the terminal state entered on QUIT.
	StateDone
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateEstablish:
		return "ESTABLISH"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// AcceptsHello reports whether HELO/EHLO is allowed in the state.
func (s State) AcceptsHello() bool {
	return s == StateEstablish || s == StateMail || s == StateRcpt
}
