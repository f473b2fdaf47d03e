package carve

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ExecMode is the execution capability resolved once at session start.
type ExecMode int

const (
	ExecCPUOnly ExecMode = iota
	ExecGPUAvailable
)

func (m ExecMode) String() string {
	if m == ExecGPUAvailable {
		return "gpu_available"
	}
	return "cpu_only"
}

// Probe resolves the execution mode. OOPSIE_FORCE_CPU disables the
// accelerator path outright; OOPSIE_GPU_DEVICE points at an explicit device
// node; otherwise render nodes are discovered on Linux. Probing is cheap
// and never fails: an unreadable device simply means cpu_only.
func Probe() ExecMode {
	force := strings.ToLower(os.Getenv("OOPSIE_FORCE_CPU"))
	if force == "1" || force == "true" {
		return ExecCPUOnly
	}
	if dev := os.Getenv("OOPSIE_GPU_DEVICE"); dev != "" {
		if _, err := os.Stat(dev); err == nil {
			return ExecGPUAvailable
		}
		return ExecCPUOnly
	}
	if runtime.GOOS == "linux" {
		if nodes, err := filepath.Glob("/dev/dri/renderD*"); err == nil && len(nodes) > 0 {
			return ExecGPUAvailable
		}
	}
	return ExecCPUOnly
}
