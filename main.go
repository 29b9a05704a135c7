// Command fakesmtpd runs a fake SMTP server that accepts and discards mail.
package main

import (
	"os"

	"github.com/thekvs/fake-smtpd/cmd"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cmd.RegisterFlags()

	// cobra has already printed the error.
	if err := cmd.Execute(Version); err != nil {
		os.Exit(1)
	}
}
