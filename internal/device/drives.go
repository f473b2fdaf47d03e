package device

import (
	"context"

	"github.com/shirou/gopsutil/v3/disk"
)

// Drive describes a mounted partition eligible for scanning.
type Drive struct {
	Device     string `json:"device"`
	Mountpoint string `json:"mountpoint"`
	Fstype     string `json:"fstype"`
	Total      uint64 `json:"total"`
	Free       uint64 `json:"free"`
}

// ListDrives enumerates mounted partitions. Partitions whose usage cannot
// be read (permissions, pseudo filesystems) are listed without size info
// rather than skipped, matching what the drive-selection UI expects.
func ListDrives(ctx context.Context) ([]Drive, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	drives := make([]Drive, 0, len(parts))
	for _, p := range parts {
		d := Drive{Device: p.Device, Mountpoint: p.Mountpoint, Fstype: p.Fstype}
		if usage, err := disk.UsageWithContext(ctx, p.Mountpoint); err == nil {
			d.Total = usage.Total
			d.Free = usage.Free
		}
		drives = append(drives, d)
	}
	return drives, nil
}
