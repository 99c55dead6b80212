// Package host describes the machine glimpse runs on. Observations are
// tagged with the hostname and the status API reports the rest.
package host

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Info struct {
	Hostname      string `json:"hostname"`
	OSType        string `json:"osType"`
	OSVersion     string `json:"osVersion,omitempty"`
	Kernel        string `json:"kernel,omitempty"`
	Architecture  string `json:"architecture"`
	MemoryTotalMB uint64 `json:"memoryTotalMb,omitempty"`
	UptimeSeconds uint64 `json:"uptimeSeconds,omitempty"`
}

// Describe collects what it can; fields it cannot read are left empty.
func Describe(ctx context.Context) Info {
	info := Info{
		OSType:       normalizeOSType(runtime.GOOS),
		Architecture: runtime.GOARCH,
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.OSType = normalizeOSType(hi.OS)
		info.OSVersion = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
		info.Kernel = hi.KernelVersion
		info.UptimeSeconds = hi.Uptime
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalMB = vm.Total / 1024 / 1024
	}
	return info
}

// String is a one-line summary, e.g. "laptop (macos 14.5, arm64)".
func (i Info) String() string {
	platform := i.OSType
	if i.OSVersion != "" {
		platform = i.OSVersion
	}
	return i.Hostname + " (" + platform + ", " + i.Architecture + ")"
}

func normalizeOSType(name string) string {
	if name == "darwin" {
		return "macos"
	}
	return name
}
