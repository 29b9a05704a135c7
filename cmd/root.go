// Package cmd contains the CLI wiring for the fakesmtpd application.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kconfmap "github.com/knadh/koanf/providers/confmap"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kposflag "github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thekvs/fake-smtpd/server"
	"github.com/thekvs/fake-smtpd/smtp"
)

const envPrefix = "FAKESMTPD_"

var rootCmd = &cobra.Command{
	Use:   "fakesmtpd",
	Short: "Fake SMTP server",
	Long: "fakesmtpd accepts SMTP mail, discards it and counts the outcome. " +
		"A configurable share of recipients is rejected to exercise client error handling.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(cmd.PersistentFlags())
		if err != nil {
			return err
		}

		srv, err := server.NewServer(cfg)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		return srv.Start()
	},
}

// LoadConfig merges built-in defaults, the config file, FAKESMTPD_*
// environment variables and command-line flags, in increasing priority.
func LoadConfig(flags *pflag.FlagSet) (*server.Config, error) {
	k := koanf.New(".")

	if err := k.Load(kconfmap.Provider(server.DefaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	cfgPath := ""
	if f := flags.Lookup("config"); f != nil {
		cfgPath = f.Value.String()
	}
	if cfgPath == "" {
		cfgPath = findConfigFile()
	}
	if cfgPath != "" {
		if err := k.Load(kfile.Provider(cfgPath), parserFor(cfgPath)); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", cfgPath, err)
		}
	}

	if err := k.Load(kenv.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	if err := k.Load(kposflag.ProviderWithValue(flags, ".", k, flagToKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg server.Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate before defaults so that an explicit zero is reported, not replaced.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.EnsureDefaults()

	return &cfg, nil
}

// FAKESMTPD_REJECT_RATIO -> reject_ratio
func envToKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, envPrefix))
}

// --reject-ratio -> reject_ratio
func flagToKey(key, value string) (string, interface{}) {
	if key == "config" {
		return "", nil
	}
	return strings.ReplaceAll(key, "-", "_"), value
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return kjson.Parser()
	}
	return kyaml.Parser()
}

// findConfigFile returns the first fakesmtpd.{yaml,yml,json} found in the
// search path, or "" if there is none.
func findConfigFile() string {
	for _, dir := range getConfigSearchPaths() {
		for _, ext := range []string{"yaml", "yml", "json"} {
			configPath := filepath.Join(dir, "fakesmtpd."+ext)
			if _, err := os.Stat(configPath); err == nil {
				return configPath
			}
		}
	}
	return ""
}

// getConfigSearchPaths returns the directories to search for config files, in order of precedence.
// The order is: current directory, $HOME/.fakesmtpd/, /etc/fakesmtpd/
func getConfigSearchPaths() []string {
	paths := []string{"."}

	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".fakesmtpd"))
	}

	paths = append(paths, "/etc/fakesmtpd")

	return paths
}

// RegisterFlags registers persistent flags for the root command.
func RegisterFlags() {
	registerFlags(rootCmd.PersistentFlags())
}

func registerFlags(pf *pflag.FlagSet) {
	pf.StringP("address", "a", server.DefaultAddress, "Address to listen on")
	pf.IntP("workers", "w", server.DefaultWorkers, "Number of connections served concurrently")
	pf.Float64P("reject-ratio", "r", 0, "Share of recipients to reject, between 0 and 1")
	pf.StringP("config", "c", "", "Configuration file path")

	pf.String("hostname", smtp.DefaultHostname, "Hostname announced in the greeting and EHLO reply")
	pf.Int("max-message-size", smtp.DefaultMaxMessageSize, "Maximum message size in bytes")
	pf.Int("max-recipients", 0, "Maximum recipients per message, 0 for no limit")
	pf.Duration("read-timeout", server.DefaultReadTimeout, "Timeout for every socket read")
	pf.Duration("shutdown-timeout", server.DefaultShutdownTimeout, "How long shutdown waits for active sessions")
	pf.String("metrics-address", "", "Address for the prometheus /metrics listener, empty to disable")

	pf.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("log-output", "stderr", "Log output: stdout, stderr, syslog, tcp or udp")
	pf.String("log-remote-addr", "", "Remote address for tcp and udp log output")
	pf.String("syslog-facility", "mail", "Syslog facility")
}

// Execute sets the version and runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}
