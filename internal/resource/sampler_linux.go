//go:build linux

package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// SystemSampler reads host usage from /proc and statfs(2).
type SystemSampler struct {
	fs       procfs.FS
	diskPath string

	mu       sync.Mutex
	prevBusy float64
	prevIdle float64
	primed   bool
}

// NewSystemSampler opens the default procfs mount. diskPath selects the
// filesystem whose usage is reported ("/" when empty).
func NewSystemSampler(diskPath string) (*SystemSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{fs: fs, diskPath: diskPath}, nil
}

// Sample implements Sampler. CPU usage is computed from the delta since the
// previous call; the first call reports usage since boot.
func (s *SystemSampler) Sample(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	cpu, err := s.cpuPercent()
	if err != nil {
		return Reading{}, err
	}
	mem, err := s.memoryPercent()
	if err != nil {
		return Reading{}, err
	}
	disk, err := diskPercent(s.diskPath)
	if err != nil {
		return Reading{}, err
	}

	return Reading{CPU: cpu, Memory: mem, Disk: disk}, nil
}

func (s *SystemSampler) cpuPercent() (float64, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	c := stat.CPUTotal
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	idle := c.Idle + c.Iowait

	s.mu.Lock()
	defer s.mu.Unlock()

	dBusy, dIdle := busy, idle
	if s.primed {
		dBusy, dIdle = busy-s.prevBusy, idle-s.prevIdle
	}
	s.prevBusy, s.prevIdle, s.primed = busy, idle, true

	total := dBusy + dIdle
	if total <= 0 {
		return 0, nil
	}
	return clampPercent(dBusy / total * 100), nil
}

func (s *SystemSampler) memoryPercent() (float64, error) {
	info, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if info.MemTotal == nil || *info.MemTotal == 0 {
		return 0, fmt.Errorf("read /proc/meminfo: MemTotal missing")
	}
	total := float64(*info.MemTotal)

	var available float64
	switch {
	case info.MemAvailable != nil:
		available = float64(*info.MemAvailable)
	case info.MemFree != nil:
		available = float64(*info.MemFree)
	}
	return clampPercent((total - available) / total * 100), nil
}

func diskPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	used := float64(st.Blocks - st.Bfree)
	avail := float64(st.Bavail)
	if used+avail == 0 {
		return 0, nil
	}
	return clampPercent(used / (used + avail) * 100), nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
