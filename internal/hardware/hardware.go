// Package hardware sizes concurrency limits from the host's CPU and
// memory so frame fan-out scales with the machine instead of a fixed
// constant.
package hardware

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Profile is a snapshot of the host resources relevant to sizing.
type Profile struct {
	LogicalCores   int
	TotalMemoryMB  uint64
	AvailableMemMB uint64
}

// Detect reads the host profile. Failures degrade to runtime.NumCPU and
// zero memory figures rather than erroring; sizing always has an answer.
func Detect(ctx context.Context, logger *slog.Logger) Profile {
	if logger == nil {
		logger = slog.Default()
	}

	p := Profile{LogicalCores: runtime.NumCPU()}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil && counts > 0 {
		p.LogicalCores = counts
	} else if err != nil {
		logger.Debug("cpu detection failed, using runtime.NumCPU", slog.String("error", err.Error()))
	}

	if info, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.TotalMemoryMB = info.Total / (1024 * 1024)
		p.AvailableMemMB = info.Available / (1024 * 1024)
	} else {
		logger.Debug("memory detection failed", slog.String("error", err.Error()))
	}
	return p
}

// FrameConcurrency returns the per-step parallel fan-out bound.
// Image decode and scoring are memory-hungry, so the bound is the
// smaller of core count and what available memory supports, within
// [2, 16]. An explicit configured value wins outright.
func (p Profile) FrameConcurrency(configured int) int {
	if configured > 0 {
		return configured
	}

	n := p.LogicalCores
	// Rough budget: 256 MB per in-flight frame operation.
	if p.AvailableMemMB > 0 {
		if byMem := int(p.AvailableMemMB / 256); byMem < n {
			n = byMem
		}
	}
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// ProviderConcurrency bounds simultaneous provider calls. External APIs
// rate-limit well before the CPU does, so this is capped lower.
func (p Profile) ProviderConcurrency(configured int) int {
	if configured > 0 {
		return configured
	}
	n := p.LogicalCores / 2
	if n < 2 {
		n = 2
	}
	if n > 8 {
		n = 8
	}
	return n
}
