package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
)

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Endpoint    Endpoint          `mapstructure:"endpoint" yaml:"endpoint"`
	Collector   CollectorConfig   `mapstructure:"collector" yaml:"collector"`
	Receiver    ReceiverSettings  `mapstructure:"receiver" yaml:"receiver"`
	Metadata    MetadataConfig    `mapstructure:"metadata" yaml:"metadata"`
	Spool       SpoolConfig       `mapstructure:"spool" yaml:"spool"`
	Intake      IntakeConfig      `mapstructure:"intake" yaml:"intake"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// CollectorConfig configures the in-process collector.
type CollectorConfig struct {
	AdditionalFiles []string `mapstructure:"additional_files" yaml:"additional_files"`
	CreateAltStack  bool     `mapstructure:"create_alt_stack" yaml:"create_alt_stack"`
	UseAltStack     bool     `mapstructure:"use_alt_stack" yaml:"use_alt_stack"`
	ResolveFrames   string   `mapstructure:"resolve_frames" yaml:"resolve_frames"`
	// Signal names ("SIGSEGV") or numbers.
	Signals        []string `mapstructure:"signals" yaml:"signals"`
	UnixSocketPath string   `mapstructure:"unix_socket_path" yaml:"unix_socket_path,omitempty"`
}

// ReceiverSettings configures the receiver: its read timeout and, when it
// is spawned per process, how to start it.
type ReceiverSettings struct {
	TimeoutMs  uint32            `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	Path       string            `mapstructure:"path" yaml:"path,omitempty"`
	Args       []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env        map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	StdoutFile string            `mapstructure:"stdout_file" yaml:"stdout_file,omitempty"`
	StderrFile string            `mapstructure:"stderr_file" yaml:"stderr_file,omitempty"`
}

// MetadataConfig identifies the library reporting crashes.
type MetadataConfig struct {
	LibraryName    string   `mapstructure:"library_name" yaml:"library_name"`
	LibraryVersion string   `mapstructure:"library_version" yaml:"library_version"`
	Family         string   `mapstructure:"family" yaml:"family"`
	Tags           []string `mapstructure:"tags" yaml:"tags,omitempty"`
}

// SpoolConfig configures the directory holding reports that could not be
// delivered.
type SpoolConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// IntakeConfig configures the local intake server.
type IntakeConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	DBPath      string   `mapstructure:"db_path" yaml:"db_path"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

// DiagnosticsConfig configures receiver self-dumps.
type DiagnosticsConfig struct {
	DumpDir    string `mapstructure:"dump_dir" yaml:"dump_dir"`
	MaxDumps   int    `mapstructure:"max_dumps" yaml:"max_dumps"`
	IncludeEnv bool   `mapstructure:"include_env" yaml:"include_env"`
}

// Crashtracker builds the collector configuration. Signal names and the
// resolution mode are parsed here; the result still needs Prepare.
func (c *Config) Crashtracker() (CrashtrackerConfiguration, error) {
	var errs ValidationErrors

	mode, err := ParseStacktraceCollection(c.Collector.ResolveFrames)
	if err != nil {
		errs = append(errs, ValidationError{
			Field: "collector.resolve_frames", Value: c.Collector.ResolveFrames, Message: err.Error(),
			Code: core.CodeInvalidConfig,
		})
	}

	sigs := make([]int, 0, len(c.Collector.Signals))
	for _, s := range c.Collector.Signals {
		n, ok := parseSignal(s)
		if !ok {
			errs = append(errs, ValidationError{
				Field: "collector.signals", Value: s, Message: "unknown signal",
				Code: core.CodeInvalidConfig,
			})
			continue
		}
		sigs = append(sigs, n)
	}

	out := CrashtrackerConfiguration{
		AdditionalFiles: append([]string(nil), c.Collector.AdditionalFiles...),
		CreateAltStack:  c.Collector.CreateAltStack,
		UseAltStack:     c.Collector.UseAltStack,
		ResolveFrames:   mode,
		Signals:         sigs,
		TimeoutMs:       c.Receiver.TimeoutMs,
		UnixSocketPath:  c.Collector.UnixSocketPath,
	}
	if c.Endpoint.URL != "" {
		ep := c.Endpoint
		out.Endpoint = &ep
	}
	if len(errs) > 0 {
		return out, errs
	}
	return out, nil
}

// ReceiverConfig returns spawn parameters, or nil when no receiver binary
// is configured.
func (c *Config) ReceiverConfig() *ReceiverConfig {
	r := c.Receiver
	if r.Path == "" {
		return nil
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, EnvVar{Key: strings.ToUpper(k), Value: r.Env[k]})
	}
	return &ReceiverConfig{
		Args:                 append([]string(nil), r.Args...),
		Env:                  env,
		PathToReceiverBinary: r.Path,
		StdoutFilename:       r.StdoutFile,
		StderrFilename:       r.StderrFile,
	}
}

// CrashMetadata returns the metadata attached to every report.
func (c *Config) CrashMetadata() crashinfo.Metadata {
	return crashinfo.Metadata{
		LibraryName:    c.Metadata.LibraryName,
		LibraryVersion: c.Metadata.LibraryVersion,
		Family:         c.Metadata.Family,
		Tags:           append([]string(nil), c.Metadata.Tags...),
	}
}

func parseSignal(s string) (int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return n, signals.Valid(n)
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	return signals.Lookup(s)
}
