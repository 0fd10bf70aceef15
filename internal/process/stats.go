package process

import (
	"context"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats is a resource sample of a running process.
type Stats struct {
	MemoryRSS  uint64
	CPUPercent float64
}

// pidAlive reports whether pid exists and is not a zombie.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false
	}
	return true
}

// startUnix returns the process start time in Unix seconds, 0 if unknown.
func startUnix(ctx context.Context, pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// Sample collects memory and CPU usage for pid. Missing values stay zero.
func Sample(ctx context.Context, pid int) (Stats, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		st.MemoryRSS = mi.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}
