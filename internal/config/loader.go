package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// EnvPrefix prefixes every environment override. With the key replacer,
// receiver.timeout_ms is read from DD_CRASHTRACKER_RECEIVER_TIMEOUT_MS, the
// same variable the receiver consults directly.
const EnvPrefix = "DD_CRASHTRACKER"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (DD_CRASHTRACKER_*)
// 3. Project config (crashtracker.yaml in current directory)
// 4. User config (~/.config/crashtracker/crashtracker.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("crashtracker")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "crashtracker"))
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values. Every key the environment may
// override needs a default so AutomaticEnv can see it.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("endpoint.url", "")
	l.v.SetDefault("endpoint.api_key", "")
	l.v.SetDefault("endpoint.timeout_ms", DefaultEndpointTimeoutMs)

	l.v.SetDefault("collector.additional_files", []string{})
	l.v.SetDefault("collector.create_alt_stack", false)
	l.v.SetDefault("collector.use_alt_stack", false)
	l.v.SetDefault("collector.resolve_frames", EnabledWithSymbolsInReceiver.String())
	l.v.SetDefault("collector.signals", []string{})
	l.v.SetDefault("collector.unix_socket_path", "")

	l.v.SetDefault("receiver.timeout_ms", protocol.DefaultReceiverTimeout.Milliseconds())
	l.v.SetDefault("receiver.path", "")
	l.v.SetDefault("receiver.args", []string{})
	l.v.SetDefault("receiver.stdout_file", "")
	l.v.SetDefault("receiver.stderr_file", "")

	l.v.SetDefault("metadata.library_name", "crashtracker")
	l.v.SetDefault("metadata.library_version", "")
	l.v.SetDefault("metadata.family", "go")
	l.v.SetDefault("metadata.tags", []string{})

	l.v.SetDefault("spool.dir", filepath.Join(os.TempDir(), "crashtracker", "spool"))

	l.v.SetDefault("intake.addr", "127.0.0.1:8126")
	l.v.SetDefault("intake.db_path", "crashtracker.db")
	l.v.SetDefault("intake.cors_origins", []string{})

	l.v.SetDefault("diagnostics.dump_dir", filepath.Join(os.TempDir(), "crashtracker", "selfdumps"))
	l.v.SetDefault("diagnostics.max_dumps", 10)
	l.v.SetDefault("diagnostics.include_env", false)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}
