package crashinfo

// OSInfo describes the host the crash happened on.
type OSInfo struct {
	Architecture  string `json:"architecture"`
	Bitness       string `json:"bitness"`
	OSType        string `json:"os_type"`
	Version       string `json:"version"`
	KernelVersion string `json:"kernel_version,omitempty"`
}

// ProcessStats is a resource snapshot of the crashing process, taken by the
// receiver while the process is still blocked in its crash handler.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	VMSBytes   uint64  `json:"vms_bytes,omitempty"`
	NumThreads int32   `json:"num_threads,omitempty"`
	NumFDs     int32   `json:"num_fds,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	StartedAt  int64   `json:"started_at_ms,omitempty"`
	Executable string  `json:"executable,omitempty"`
	Cmdline    string  `json:"cmdline,omitempty"`
}
