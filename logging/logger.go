// Package logging provides structured logging for the fakesmtpd server
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DEBUG level for debug messages
	DEBUG LogLevel = iota
	// INFO level for information messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

const (
	// DebugLevel represents the debug log level
	DebugLevel = "DEBUG"
	// InfoLevel represents the info log level
	InfoLevel = "INFO"
	// WarnLevel represents the warn log level
	WarnLevel = "WARN"
	// ErrorLevel represents the error log level
	ErrorLevel = "ERROR"
)

// Output and format names accepted in LogConfig.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputSyslog = "syslog"
	OutputTCP    = "tcp"
	OutputUDP    = "udp"

	FormatJSON = "json"
	FormatText = "text"
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return DebugLevel
	case INFO:
		return InfoLevel
	case WARN:
		return WarnLevel
	case ERROR:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case DebugLevel:
		return DEBUG
	case InfoLevel:
		return INFO
	case WarnLevel, "WARNING":
		return WARN
	case ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// F is a convenience function for creating fields
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	With(fields ...Field) Logger
	SetLevel(level LogLevel)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level          LogLevel
	Format         string // "json" or "text"
	Output         string // "stdout", "stderr", "syslog", "tcp", "udp"
	RemoteAddr     string // for tcp/udp output
	SyslogFacility string // syslog facility
}

// DefaultConfig returns default logging configuration
func DefaultConfig() LogConfig {
	return LogConfig{
		Level:          INFO,
		Format:         FormatText,
		Output:         OutputStderr,
		SyslogFacility: "mail",
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewLogger creates a new logger based on configuration
func NewLogger(config *LogConfig) (Logger, error) {
	switch config.Output {
	case OutputSyslog:
		return NewSyslogLogger(config)
	case OutputTCP, OutputUDP:
		return NewRemoteLogger(config.Output, config)
	case OutputStdout:
		return NewWriterLogger(config, os.Stdout), nil
	case OutputStderr, "":
		return NewWriterLogger(config, os.Stderr), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", config.Output)
	}
}

// baseLogger provides common functionality
type baseLogger struct {
	config LogConfig
	fields map[string]interface{}
}

func (l *baseLogger) withFields(fields []Field) map[string]interface{} {
	newFields := maps.Clone(l.fields)
	if newFields == nil {
		newFields = make(map[string]interface{})
	}
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}
	return newFields
}

// formatEntry formats a log entry according to configuration. It returns nil
// when the level is filtered out.
func (l *baseLogger) formatEntry(level LogLevel, msg string, err error, fields []Field) []byte {
	if level < l.config.Level {
		return nil
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	entry.Fields = l.withFields(fields)
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	if l.config.Format == FormatJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf("{\"message\":%q}", entry.Message))
		}
		return append(data, '\n')
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message)
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%q", entry.Error)
	}
	// Sorted keys keep text lines stable and greppable.
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// writerLogger writes entries to an io.Writer, serialising concurrent writes.
type writerLogger struct {
	baseLogger
	mu     *sync.Mutex
	writer io.Writer
}

// NewWriterLogger creates a logger writing to w.
func NewWriterLogger(config *LogConfig, w io.Writer) Logger {
	return &writerLogger{
		baseLogger: baseLogger{config: *config, fields: make(map[string]interface{})},
		mu:         &sync.Mutex{},
		writer:     w,
	}
}

func (l *writerLogger) write(data []byte) {
	if data == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Best-effort: a failed log write must not break a session.
	_, _ = l.writer.Write(data)
}

func (l *writerLogger) Debug(msg string, fields ...Field) {
	l.write(l.formatEntry(DEBUG, msg, nil, fields))
}

func (l *writerLogger) Info(msg string, fields ...Field) {
	l.write(l.formatEntry(INFO, msg, nil, fields))
}

func (l *writerLogger) Warn(msg string, fields ...Field) {
	l.write(l.formatEntry(WARN, msg, nil, fields))
}

func (l *writerLogger) Error(msg string, err error, fields ...Field) {
	l.write(l.formatEntry(ERROR, msg, err, fields))
}

func (l *writerLogger) With(fields ...Field) Logger {
	return &writerLogger{
		baseLogger: baseLogger{config: l.config, fields: l.withFields(fields)},
		mu:         l.mu,
		writer:     l.writer,
	}
}

func (l *writerLogger) SetLevel(level LogLevel) {
	l.config.Level = level
}

// remoteLogger writes to remote TCP/UDP endpoint
type remoteLogger struct {
	baseLogger
	protocol string
	addr     string
}

// NewRemoteLogger creates a remote logger
func NewRemoteLogger(protocol string, config *LogConfig) (Logger, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("remote address required for %s logging", protocol)
	}

	return &remoteLogger{
		baseLogger: baseLogger{config: *config, fields: make(map[string]interface{})},
		protocol:   protocol,
		addr:       config.RemoteAddr,
	}, nil
}

func (l *remoteLogger) sendLog(data []byte) {
	if data == nil {
		return
	}

	conn, err := net.DialTimeout(l.protocol, l.addr, time.Second)
	if err != nil {
		// Fall back to stderr if the collector is unreachable
		_, _ = os.Stderr.Write(data)
		return
	}
	defer func() { _ = conn.Close() }()

	_, _ = conn.Write(data)
}

func (l *remoteLogger) Debug(msg string, fields ...Field) {
	l.sendLog(l.formatEntry(DEBUG, msg, nil, fields))
}

func (l *remoteLogger) Info(msg string, fields ...Field) {
	l.sendLog(l.formatEntry(INFO, msg, nil, fields))
}

func (l *remoteLogger) Warn(msg string, fields ...Field) {
	l.sendLog(l.formatEntry(WARN, msg, nil, fields))
}

func (l *remoteLogger) Error(msg string, err error, fields ...Field) {
	l.sendLog(l.formatEntry(ERROR, msg, err, fields))
}

func (l *remoteLogger) With(fields ...Field) Logger {
	return &remoteLogger{
		baseLogger: baseLogger{config: l.config, fields: l.withFields(fields)},
		protocol:   l.protocol,
		addr:       l.addr,
	}
}

func (l *remoteLogger) SetLevel(level LogLevel) {
	l.config.Level = level
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	cfg := DefaultConfig()
	return NewWriterLogger(&cfg, io.Discard)
}
