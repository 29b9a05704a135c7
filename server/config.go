// Package server provides the SMTP listener, worker pool and per-connection
// handling for fakesmtpd.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/thekvs/fake-smtpd/logging"
	"github.com/thekvs/fake-smtpd/smtp"
)

const (
	// DefaultAddress is the listen address used when none is configured.
	DefaultAddress = "127.0.0.1:2500"
	// DefaultWorkers is the number of connections served concurrently.
	DefaultWorkers = 800
	// DefaultReadTimeout bounds every socket read.
	DefaultReadTimeout = 30 * time.Second
	// DefaultShutdownTimeout is how long shutdown waits for in-flight sessions.
	DefaultShutdownTimeout = 10 * time.Second

	// MaxCommandLength is the maximum allowed SMTP command length in bytes
	MaxCommandLength = 4096
	// ioBufferSize is the size of the per-connection read and write buffers
	ioBufferSize = 8 * 1024
)

// Config represents the server configuration.
type Config struct {
	Address         string        `mapstructure:"address"`
	Workers         int           `mapstructure:"workers"`
	RejectRatio     float64       `mapstructure:"reject_ratio"`
	Hostname        string        `mapstructure:"hostname"`
	MaxMessageSize  int           `mapstructure:"max_message_size"`
	MaxRecipients   int           `mapstructure:"max_recipients"` // 0 means unlimited
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsAddress  string        `mapstructure:"metrics_address"` // empty disables the metrics listener

	// Logging configuration
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	LogOutput      string `mapstructure:"log_output"`
	LogRemoteAddr  string `mapstructure:"log_remote_addr"`
	SyslogFacility string `mapstructure:"syslog_facility"`
}

// DefaultValues returns the defaults keyed by their configuration names, for
// seeding a config loader.
func DefaultValues() map[string]interface{} {
	logCfg := logging.DefaultConfig()
	return map[string]interface{}{
		"address":          DefaultAddress,
		"workers":          DefaultWorkers,
		"reject_ratio":     0.0,
		"hostname":         smtp.DefaultHostname,
		"max_message_size": smtp.DefaultMaxMessageSize,
		"max_recipients":   0,
		"read_timeout":     DefaultReadTimeout.String(),
		"shutdown_timeout": DefaultShutdownTimeout.String(),
		"metrics_address":  "",
		"log_level":        logCfg.Level.String(),
		"log_format":       logCfg.Format,
		"log_output":       logCfg.Output,
		"log_remote_addr":  "",
		"syslog_facility":  logCfg.SyslogFacility,
	}
}

// EnsureDefaults fills zero-valued fields with their defaults.
func (c *Config) EnsureDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Hostname == "" {
		c.Hostname = smtp.DefaultHostname
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = smtp.DefaultMaxMessageSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	logCfg := logging.DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = logCfg.Level.String()
	}
	if c.LogFormat == "" {
		c.LogFormat = logCfg.Format
	}
	if c.LogOutput == "" {
		c.LogOutput = logCfg.Output
	}
	if c.SyslogFacility == "" {
		c.SyslogFacility = logCfg.SyslogFacility
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if err := validateAddress(c.Address); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.Workers < 1 {
		return errors.New("number of workers can't be zero")
	}
	if c.RejectRatio < 0 || c.RejectRatio > 1 {
		return errors.New("reject ratio coefficient must be between 0 and 1")
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max message size must not be negative, got %d", c.MaxMessageSize)
	}
	if c.MaxRecipients < 0 {
		return fmt.Errorf("max recipients must not be negative, got %d", c.MaxRecipients)
	}
	if c.ReadTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MetricsAddress != "" {
		if err := validateAddress(c.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics address: %w", err)
		}
	}
	return nil
}

func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("bad port %q", port)
	}
	return nil
}

// LogConfig builds the logging configuration from the log_* settings.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:          logging.ParseLogLevel(c.LogLevel),
		Format:         c.LogFormat,
		Output:         c.LogOutput,
		RemoteAddr:     c.LogRemoteAddr,
		SyslogFacility: c.SyslogFacility,
	}
}

// ProtocolOptions returns the per-session protocol settings.
func (c *Config) ProtocolOptions() smtp.Options {
	return smtp.Options{
		Hostname:       c.Hostname,
		MaxMessageSize: c.MaxMessageSize,
		MaxRecipients:  c.MaxRecipients,
		RejectRatio:    c.RejectRatio,
	}
}
