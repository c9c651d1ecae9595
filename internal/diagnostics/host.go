package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

// HostInfo describes the running host. Fields gopsutil cannot determine
// fall back to the Go runtime's view.
func HostInfo(ctx context.Context) (crashinfo.OSInfo, error) {
	info := crashinfo.OSInfo{
		Architecture: runtime.GOARCH,
		Bitness:      strconv.Itoa(strconv.IntSize) + "-bit",
		OSType:       runtime.GOOS,
		Version:      "unknown",
	}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("reading host info: %w", err)
	}

	if hi.KernelArch != "" {
		info.Architecture = hi.KernelArch
	}
	if hi.OS != "" {
		info.OSType = hi.OS
	}
	if v := platformVersion(hi.Platform, hi.PlatformVersion); v != "" {
		info.Version = v
	}
	info.KernelVersion = hi.KernelVersion
	return info, nil
}

func platformVersion(platform, version string) string {
	platform = strings.TrimSpace(platform)
	version = strings.TrimSpace(version)
	switch {
	case platform != "" && version != "":
		return platform + " " + version
	case version != "":
		return version
	default:
		return platform
	}
}
