package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Code    string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(code, field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
		Code:    code,
	})
}

// ValidateCrashtracker checks a collector configuration together with the
// receiver spawn parameters it will be installed with.
func (v *Validator) ValidateCrashtracker(cfg *CrashtrackerConfiguration, rcfg *ReceiverConfig) error {
	if cfg.CreateAltStack && !cfg.UseAltStack {
		v.addError(core.CodeConflictingOptions, "create_alt_stack", true,
			"cannot create an alternate stack without using it")
	}
	if int64(cfg.TimeoutMs) > math.MaxInt32 {
		v.addError(core.CodeInvalidTimeout, "timeout_ms", cfg.TimeoutMs,
			"must fit a signed 32-bit value")
	}
	if !cfg.ResolveFrames.Valid() {
		v.addError(core.CodeInvalidConfig, "resolve_frames", int(cfg.ResolveFrames), "unknown mode")
	}
	v.validateSignals(cfg.Signals)
	if cfg.Endpoint != nil {
		v.validateEndpoint(cfg.Endpoint)
	}

	switch {
	case cfg.UnixSocketPath != "" && !rcfg.IsZero():
		v.addError(core.CodeConflictingOptions, "unix_socket_path", cfg.UnixSocketPath,
			"a socket receiver and a spawned receiver are mutually exclusive")
	case cfg.UnixSocketPath == "" && rcfg.IsZero():
		v.addError(core.CodeMissingReceiver, "receiver", nil,
			"either a unix socket path or a receiver binary is required")
	case !rcfg.IsZero():
		v.validateReceiver(rcfg)
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateSignals(sigs []int) {
	seen := make(map[int]bool, len(sigs))
	for _, s := range sigs {
		if !signals.Valid(s) {
			v.addError(core.CodeInvalidConfig, "signals", s, "unknown signal")
		}
		if seen[s] {
			v.addError(core.CodeInvalidConfig, "signals", s, "duplicate signal")
		}
		seen[s] = true
	}
}

func (v *Validator) validateEndpoint(ep *Endpoint) {
	if ep.URL == "" {
		v.addError(core.CodeInvalidEndpoint, "endpoint.url", ep.URL, "required")
		return
	}
	switch ep.Scheme() {
	case "http", "https":
	case "file":
		if ep.FilePath() == "" {
			v.addError(core.CodeInvalidEndpoint, "endpoint.url", ep.URL, "file endpoint needs a path")
		}
	default:
		v.addError(core.CodeInvalidEndpoint, "endpoint.url", ep.URL, "scheme must be http, https or file")
	}
	if int64(ep.TimeoutMs) > math.MaxInt32 {
		v.addError(core.CodeInvalidTimeout, "endpoint.timeout_ms", ep.TimeoutMs,
			"must fit a signed 32-bit value")
	}
}

func (v *Validator) validateReceiver(rcfg *ReceiverConfig) {
	path := rcfg.PathToReceiverBinary
	switch {
	case path == "":
		v.addError(core.CodeMissingReceiver, "receiver.path", path, "required")
	case !filepath.IsAbs(path):
		v.addError(core.CodeMissingReceiver, "receiver.path", path, "must be absolute")
	default:
		info, err := os.Stat(path)
		switch {
		case err != nil:
			v.addError(core.CodeMissingReceiver, "receiver.path", path, "does not exist")
		case info.IsDir():
			v.addError(core.CodeMissingReceiver, "receiver.path", path, "is a directory")
		}
	}
	if rcfg.StdoutFilename != "" && rcfg.StdoutFilename == rcfg.StderrFilename {
		v.addError(core.CodeConflictingOptions, "receiver.stderr_file", rcfg.StderrFilename,
			"stdout and stderr cannot share a file")
	}
	for _, kv := range rcfg.Env {
		if kv.Key == "" || strings.ContainsAny(kv.Key, "=\x00") {
			v.addError(core.CodeInvalidConfig, "receiver.env", kv.Key, "invalid variable name")
		}
	}
}

// Prepare defaults and validates cfg for installation. The returned error
// is a config-category *core.DomainError wrapping ValidationErrors.
func Prepare(cfg CrashtrackerConfiguration, rcfg *ReceiverConfig) (CrashtrackerConfiguration, error) {
	out := *cfg.Clone()
	if out.TimeoutMs == 0 {
		out.TimeoutMs = uint32(cfg.Timeout().Milliseconds())
	}
	if len(out.Signals) == 0 {
		out.Signals = signals.Default()
	}

	v := NewValidator()
	if err := v.ValidateCrashtracker(&out, rcfg); err != nil {
		errs := v.Errors()
		return out, core.ErrConfig(errs[0].Code, errs.Error()).WithCause(errs)
	}
	sort.Ints(out.Signals)
	return out, nil
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks the file-level configuration.
func (v *Validator) Validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		v.addError(core.CodeInvalidConfig, "log.level", cfg.Log.Level, "must be debug, info, warn or error")
	}
	if !validLogFormats[strings.ToLower(cfg.Log.Format)] {
		v.addError(core.CodeInvalidConfig, "log.format", cfg.Log.Format, "must be auto, text or json")
	}
	if _, err := cfg.Crashtracker(); err != nil {
		if errs, ok := err.(ValidationErrors); ok {
			v.errors = append(v.errors, errs...)
		}
	}
	if cfg.Endpoint.URL != "" {
		ep := cfg.Endpoint
		v.validateEndpoint(&ep)
	}
	if cfg.Diagnostics.MaxDumps < 0 {
		v.addError(core.CodeInvalidConfig, "diagnostics.max_dumps", cfg.Diagnostics.MaxDumps, "must be non-negative")
	}
	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// ValidateConfig is a convenience function to validate a configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
