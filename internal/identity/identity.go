// Package identity maps the process behind a flow to its owning user and
// executable.
package identity

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/rsclarke/flowgate/internal/filter"
)

// ProcessResolver resolves audit tokens through the process table.
type ProcessResolver struct {
	Timeout time.Duration
}

// NewProcessResolver returns a resolver bounding each process-table query.
func NewProcessResolver() *ProcessResolver {
	return &ProcessResolver{Timeout: 50 * time.Millisecond}
}

// ResolveUser returns the token's uid when it carries one, otherwise the
// real uid of the token's process.
func (r *ProcessResolver) ResolveUser(tok filter.AuditToken) (uint32, error) {
	if tok.UID != nil {
		return *tok.UID, nil
	}
	if tok.PID <= 0 {
		return 0, fmt.Errorf("no pid in audit token")
	}

	ctx, cancel := r.context()
	defer cancel()

	p, err := process.NewProcessWithContext(ctx, tok.PID)
	if err != nil {
		return 0, fmt.Errorf("lookup pid %d: %w", tok.PID, err)
	}
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("uids of pid %d: %w", tok.PID, err)
	}
	if len(uids) == 0 || uids[0] < 0 {
		return 0, fmt.Errorf("pid %d has no uid", tok.PID)
	}
	return uint32(uids[0]), nil
}

// ExecutableID returns an identifier for the process's executable, used as
// the bundle id when the hook does not supply one. macOS app bundles yield
// their bundle directory name, everything else the executable base name.
func (r *ProcessResolver) ExecutableID(pid int32) (string, error) {
	ctx, cancel := r.context()
	defer cancel()

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("exe of pid %d: %w", pid, err)
	}
	return executableID(exe), nil
}

func executableID(exe string) string {
	if i := strings.Index(exe, ".app/"); i >= 0 {
		return filepath.Base(exe[:i])
	}
	return filepath.Base(exe)
}

func (r *ProcessResolver) context() (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), r.Timeout)
}

// SelfStats describes the running daemon.
type SelfStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// Self reports resource usage of pid, normally the daemon's own.
func Self(ctx context.Context, pid int32) (SelfStats, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return SelfStats{}, fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	stats := SelfStats{PID: pid}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	return stats, nil
}
