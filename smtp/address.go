package smtp

import (
	"regexp"
	"strconv"
)

var (
	// The reverse path may be empty ("MAIL FROM:<>" is the null sender).
	mailFromRe = regexp.MustCompile(`(?i:FROM):\s*<(?P<email>[^>]*)>(?:\s+(?i:SIZE)=(?P<size>\d+))?`)
	// A forward path must carry at least one character.
	rcptToRe = regexp.MustCompile(`(?i:TO):\s*<(?P<email>[^>]+)>`)
)

// MailFrom is the result of parsing MAIL arguments.
type MailFrom struct {
	Address string
	// Size is the declared SIZE parameter, -1 when absent.
	Size int64
	// SizeErr is set when SIZE was present but does not fit an int64.
	SizeErr error
}

// ParseMailFrom extracts the sender and optional SIZE from MAIL arguments.
// ok is false when the arguments do not match FROM:<...>.
func ParseMailFrom(args string) (mf MailFrom, ok bool) {
	m := mailFromRe.FindStringSubmatch(args)
	if m == nil {
		return MailFrom{}, false
	}

	mf = MailFrom{
		Address: m[mailFromRe.SubexpIndex("email")],
		Size:    -1,
	}
	if size := m[mailFromRe.SubexpIndex("size")]; size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			mf.SizeErr = err
		} else {
			mf.Size = n
		}
	}
	return mf, true
}

// ParseRcptTo extracts the recipient from RCPT arguments.
func ParseRcptTo(args string) (string, bool) {
	m := rcptToRe.FindStringSubmatch(args)
	if m == nil {
		return "", false
	}
	return m[rcptToRe.SubexpIndex("email")], true
}
