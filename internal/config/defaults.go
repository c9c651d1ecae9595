package config

// DefaultConfigYAML is written by `crashtracker config init`.
const DefaultConfigYAML = `# crashtracker configuration
#
# Every key can be overridden with an environment variable:
# DD_CRASHTRACKER_<SECTION>_<KEY>, e.g. DD_CRASHTRACKER_RECEIVER_TIMEOUT_MS.

log:
  level: info
  # auto, text or json
  format: auto

# Where finished reports go. file:// writes the JSON report locally.
endpoint:
  url: file:///tmp/crashtracker/report.json
  api_key: ""
  timeout_ms: 3000

collector:
  # Embedded verbatim in every report.
  additional_files:
    - /proc/self/maps
  use_alt_stack: true
  create_alt_stack: true
  # Disabled, WithoutSymbols, EnabledWithInprocessSymbols,
  # EnabledWithSymbolsInReceiver
  resolve_frames: EnabledWithSymbolsInReceiver
  # Empty means SIGBUS, SIGABRT, SIGSEGV and SIGILL.
  signals: []
  # Set to use an already running receiver (see "crashtracker listen").
  # Mutually exclusive with receiver.path.
  unix_socket_path: ""

receiver:
  timeout_ms: 4000
  # Absolute path of the receiver binary spawned at install time.
  path: ""
  args: ["receiver"]
  stdout_file: ""
  stderr_file: ""

metadata:
  library_name: crashtracker
  library_version: ""
  family: go
  tags: []

spool:
  dir: /tmp/crashtracker/spool

intake:
  addr: 127.0.0.1:8126
  db_path: crashtracker.db

diagnostics:
  dump_dir: /tmp/crashtracker/selfdumps
  max_dumps: 10
  include_env: false
`
