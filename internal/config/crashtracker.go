package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// StacktraceCollection selects how stack traces are captured and resolved.
type StacktraceCollection int

const (
	// Disabled skips the stack trace section.
	Disabled StacktraceCollection = iota
	// WithoutSymbols captures raw frame addresses only.
	WithoutSymbols
	// EnabledWithInprocessSymbols resolves names inside the crashing process.
	EnabledWithInprocessSymbols
	// EnabledWithSymbolsInReceiver captures raw addresses and lets the
	// receiver normalize and symbolize them.
	EnabledWithSymbolsInReceiver
)

var collectionNames = [...]string{
	Disabled:                     "Disabled",
	WithoutSymbols:               "WithoutSymbols",
	EnabledWithInprocessSymbols:  "EnabledWithInprocessSymbols",
	EnabledWithSymbolsInReceiver: "EnabledWithSymbolsInReceiver",
}

func (s StacktraceCollection) String() string {
	if s < 0 || int(s) >= len(collectionNames) {
		return fmt.Sprintf("StacktraceCollection(%d)", int(s))
	}
	return collectionNames[s]
}

// Valid reports whether s is a known mode.
func (s StacktraceCollection) Valid() bool {
	return s >= 0 && int(s) < len(collectionNames)
}

// ParseStacktraceCollection accepts the canonical names case-insensitively,
// plus the snake_case spellings used in YAML and the "in_collector" alias.
func ParseStacktraceCollection(s string) (StacktraceCollection, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch norm {
	case "", "disabled":
		return Disabled, nil
	case "withoutsymbols":
		return WithoutSymbols, nil
	case "enabledwithinprocesssymbols", "enabledincollector", "inprocess":
		return EnabledWithInprocessSymbols, nil
	case "enabledwithsymbolsinreceiver", "receiver":
		return EnabledWithSymbolsInReceiver, nil
	}
	return Disabled, fmt.Errorf("unknown stacktrace collection %q", s)
}

// MarshalJSON encodes the mode by name.
func (s StacktraceCollection) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stacktrace collection %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a mode name.
func (s *StacktraceCollection) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseStacktraceCollection(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultEndpointTimeoutMs bounds one upload attempt.
const DefaultEndpointTimeoutMs = 3000

// Endpoint is where finished reports are delivered.
type Endpoint struct {
	URL       string `json:"url" mapstructure:"url" yaml:"url"`
	APIKey    string `json:"api_key,omitempty" mapstructure:"api_key" yaml:"api_key,omitempty"`
	TimeoutMs uint32 `json:"timeout_ms,omitempty" mapstructure:"timeout_ms" yaml:"timeout_ms,omitempty"`
}

// Timeout returns the upload timeout, defaulted when unset.
func (e Endpoint) Timeout() time.Duration {
	if e.TimeoutMs == 0 {
		return DefaultEndpointTimeoutMs * time.Millisecond
	}
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Scheme returns the lower-cased URL scheme, or "" when unparsable.
func (e Endpoint) Scheme() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// IsFile reports whether the endpoint is a local file:// destination.
func (e Endpoint) IsFile() bool {
	return e.Scheme() == "file"
}

// FilePath returns the local path of a file:// endpoint.
func (e Endpoint) FilePath() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	if u.Host != "" && u.Host != "localhost" {
		return u.Host + u.Path
	}
	return u.Path
}

// CrashtrackerConfiguration is the immutable collector configuration. It is
// streamed to the receiver in the CONFIG section.
type CrashtrackerConfiguration struct {
	AdditionalFiles []string             `json:"additional_files"`
	CreateAltStack  bool                 `json:"create_alt_stack"`
	UseAltStack     bool                 `json:"use_alt_stack"`
	Endpoint        *Endpoint            `json:"endpoint"`
	ResolveFrames   StacktraceCollection `json:"resolve_frames"`
	Signals         []int                `json:"signals"`
	TimeoutMs       uint32               `json:"timeout_ms"`
	UnixSocketPath  string               `json:"unix_socket_path,omitempty"`
}

// Timeout returns the collector and receiver deadline.
func (c *CrashtrackerConfiguration) Timeout() time.Duration {
	if c.TimeoutMs == 0 {
		return protocol.DefaultReceiverTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy.
func (c *CrashtrackerConfiguration) Clone() *CrashtrackerConfiguration {
	if c == nil {
		return nil
	}
	out := *c
	out.AdditionalFiles = append([]string(nil), c.AdditionalFiles...)
	out.Signals = append([]int(nil), c.Signals...)
	if c.Endpoint != nil {
		ep := *c.Endpoint
		out.Endpoint = &ep
	}
	return &out
}

// EnvVar is one environment entry passed to a spawned receiver.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ReceiverConfig describes how to spawn a receiver process per install.
type ReceiverConfig struct {
	Args                 []string `json:"args"`
	Env                  []EnvVar `json:"env"`
	PathToReceiverBinary string   `json:"path_to_receiver_binary"`
	StderrFilename       string   `json:"stderr_filename,omitempty"`
	StdoutFilename       string   `json:"stdout_filename,omitempty"`
}

// IsZero reports whether no spawn parameters were given.
func (r *ReceiverConfig) IsZero() bool {
	return r == nil || (len(r.Args) == 0 && len(r.Env) == 0 &&
		r.PathToReceiverBinary == "" && r.StderrFilename == "" && r.StdoutFilename == "")
}

// Environ renders Env as KEY=VALUE pairs.
func (r *ReceiverConfig) Environ() []string {
	out := make([]string, 0, len(r.Env))
	for _, kv := range r.Env {
		out = append(out, kv.Key+"="+kv.Value)
	}
	return out
}
