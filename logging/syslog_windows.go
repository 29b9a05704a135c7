//go:build windows
// +build windows

package logging

import "os"

// NewSyslogLogger falls back to stderr on Windows, where syslog isn't available.
func NewSyslogLogger(config *LogConfig) (Logger, error) {
	return NewWriterLogger(config, os.Stderr), nil
}
