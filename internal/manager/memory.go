package manager

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// startMemoryGovernor launches the background watchdog described in
// spec.md §5: when RSS exceeds MemHighWaterMB for MemSampleStreak
// consecutive samples, it pauses the lowest-priority running worker;
// it resumes paused workers once RSS falls below MemLowWaterMB. New code
// (the teacher has no memory governor), structured the way teacher
// structures its background-loop services — ticker + select + mutex-
// guarded state, as in RetentionPolicy.runCleanupLoop.
func (m *Manager) startMemoryGovernor() {
	ctx, cancel := context.WithCancel(m.treeCtx)
	m.governorCancel = cancel
	m.governorDone = make(chan struct{})

	go func() {
		defer close(m.governorDone)
		ticker := time.NewTicker(m.cfg.MemSampleInterval)
		defer ticker.Stop()

		overStreak := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rssMB := readRSSMB()
				switch {
				case rssMB >= m.cfg.MemHighWaterMB:
					overStreak++
					if overStreak >= m.cfg.MemSampleStreak {
						m.pauseLowestPriority(ctx)
						overStreak = 0
					}
				case rssMB <= m.cfg.MemLowWaterMB:
					overStreak = 0
					m.resumeOnePaused(ctx)
				default:
					overStreak = 0
				}
			}
		}
	}()
}

// pauseLowestPriority closes the current segment of the lowest-priority
// running (non-paused) worker.
func (m *Manager) pauseLowestPriority(ctx context.Context) {
	m.mu.Lock()
	var victim *entry
	for _, e := range m.workers {
		if e.paused {
			continue
		}
		if victim == nil || e.w.Priority() < victim.w.Priority() {
			victim = e
		}
	}
	m.mu.Unlock()

	if victim == nil {
		return
	}
	m.logger.Warn().Str("stream", victim.cfg.Name).Msg("memory high-water mark exceeded, pausing lowest-priority stream")
	if err := victim.w.Pause(ctx); err != nil {
		m.logger.Error().Err(err).Str("stream", victim.cfg.Name).Msg("failed to pause worker")
		return
	}
	m.mu.Lock()
	victim.paused = true
	m.mu.Unlock()
}

// resumeOnePaused restarts one paused worker (arbitrary choice among
// paused workers; spec.md does not define a resume-order preference).
func (m *Manager) resumeOnePaused(ctx context.Context) {
	m.mu.Lock()
	var resumee *entry
	for _, e := range m.workers {
		if e.paused {
			resumee = e
			break
		}
	}
	m.mu.Unlock()

	if resumee == nil {
		return
	}

	m.logger.Info().Str("stream", resumee.cfg.Name).Msg("memory below low-water mark, resuming stream")
	if err := m.RemoveStream(resumee.cfg.Name); err != nil {
		m.logger.Error().Err(err).Str("stream", resumee.cfg.Name).Msg("failed to remove paused worker before resume")
		return
	}
	if err := m.addWorker(resumee.cfg); err != nil {
		m.logger.Error().Err(err).Str("stream", resumee.cfg.Name).Msg("failed to resume worker")
	}
}

// readRSSMB reads the process's resident set size in megabytes from
// /proc/self/status on Linux, degrading to runtime.MemStats elsewhere
// (spec.md §5: "A watchdog reads process RSS").
func readRSSMB() uint64 {
	if f, err := os.Open("/proc/self/status"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "VmRSS:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				break
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				break
			}
			return kb / 1024
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys / (1024 * 1024)
}
