package diagnostics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

// SnapshotProcess captures resource usage of pid. Each query is best-effort:
// a query that fails leaves its field zero. An error is returned only when
// the process cannot be opened at all.
func SnapshotProcess(ctx context.Context, pid int) (crashinfo.ProcessStats, error) {
	var stats crashinfo.ProcessStats

	// #nosec G115 -- pids fit in int32 on every supported platform
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return stats, fmt.Errorf("opening process %d: %w", pid, err)
	}

	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		stats.RSSBytes = mi.RSS
		stats.VMSBytes = mi.VMS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		stats.NumFDs = n
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		stats.StartedAt = ms
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		stats.Executable = exe
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		stats.Cmdline = cmdline
	}

	return stats, nil
}
