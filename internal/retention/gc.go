// Package retention implements the Retention & Quota GC (C5): a ticking
// service reconciling the catalog, the filesystem, and configured storage
// budgets (spec.md §4.5). Grounded on the teacher's RetentionPolicy
// (ticker+stopCh+mutex skeleton, internal/recording/retention.go) but
// reworked from per-camera default/events-day pruning plus a proportional
// storage drain into the spec's exact three-pass algorithm: retention,
// quota (per-stream then global), orphan reconciliation.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/config"
)

// Stats summarizes one GC pass.
type Stats struct {
	RecordingsDeleted int
	BytesFreed        int64
}

func (s *Stats) add(o Stats) {
	s.RecordingsDeleted += o.RecordingsDeleted
	s.BytesFreed += o.BytesFreed
}

// Config tunes the GC (spec.md §4.5/§6 defaults).
type Config struct {
	TickInterval   time.Duration // main retention+quota tick, default 300s
	OrphanInterval time.Duration // orphan pass tick, default 1h
	BatchSize      int           // max deletions per stream per tick, default 500

	RegularDays   int   // global retention default (0 = keep forever)
	DetectionDays int   // global detection-recording retention default
	MaxStorageMB  int64 // global quota across all streams, 0 = unlimited
}

// GC is the Retention & Quota GC service.
type GC struct {
	store  *catalog.Store
	root   string
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	limiter *rate.Limiter
}

// NewGC creates a GC. root is the recordings storage root
// (<root>/<stream_name>/...), used to compute per-stream on-disk usage.
func NewGC(store *catalog.Store, root string, cfg Config, logger zerolog.Logger) *GC {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 300 * time.Second
	}
	if cfg.OrphanInterval == 0 {
		cfg.OrphanInterval = time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}

	return &GC{
		store:   store,
		root:    root,
		cfg:     cfg,
		logger:  logger.With().Str("component", "retention").Logger(),
		limiter: rate.NewLimiter(rate.Limit(50), cfg.BatchSize),
	}
}

// Start launches the retention/quota tick and the (less frequent) orphan
// tick in the background. streamsFn is called at the start of every tick
// to get the current stream list, so config reloads are picked up without
// restarting the GC.
func (g *GC) Start(ctx context.Context, streamsFn func() []config.StreamConfig) {
	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.mainLoop(runCtx, streamsFn)
	go g.orphanLoop(runCtx)
}

// Stop cancels both background loops and waits for them to exit.
func (g *GC) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (g *GC) mainLoop(ctx context.Context, streamsFn func() []config.StreamConfig) {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streams := streamsFn()
			stats, err := g.RunOnce(ctx, streams)
			if err != nil {
				g.logger.Error().Err(err).Msg("retention/quota pass failed")
				continue
			}
			g.logger.Info().Int("deleted", stats.RecordingsDeleted).Int64("bytes_freed", stats.BytesFreed).Msg("retention/quota pass complete")
		}
	}
}

func (g *GC) orphanLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.OrphanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.runOrphanPass(ctx)
			if err != nil {
				g.logger.Error().Err(err).Msg("orphan reconciliation failed")
				continue
			}
			if n > 0 {
				g.logger.Info().Int("rows_removed", n).Msg("orphan reconciliation complete")
			}

			promoted, err := g.runPromotionPass(ctx)
			if err != nil {
				g.logger.Error().Err(err).Msg("incomplete-row promotion pass failed")
				continue
			}
			if promoted > 0 {
				g.logger.Info().Int("rows_promoted", promoted).Msg("promoted incomplete rows with a valid trailer")
			}
		}
	}
}

// RunOnce runs the retention pass and the per-stream quota pass
// concurrently (independent streams, independent failure domains per
// spec.md §4.5/§7, via golang.org/x/sync/errgroup), then the global quota
// pass, which must see the post-deletion state from the per-stream pass.
func (g *GC) RunOnce(ctx context.Context, streams []config.StreamConfig) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
	)

	grp, gctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		s := s
		grp.Go(func() error {
			st, err := g.runRetentionPass(gctx, s)
			if err != nil {
				g.logger.Error().Err(err).Str("stream", s.Name).Msg("retention pass failed")
			}
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return nil
		})
		grp.Go(func() error {
			st, err := g.runStreamQuotaPass(gctx, s)
			if err != nil {
				g.logger.Error().Err(err).Str("stream", s.Name).Msg("per-stream quota pass failed")
			}
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return total, err
	}

	if g.cfg.MaxStorageMB > 0 {
		st, err := g.runGlobalQuotaPass(ctx, streams)
		if err != nil {
			g.logger.Error().Err(err).Msg("global quota pass failed")
		}
		total.add(st)
	}

	return total, nil
}

// runRetentionPass deletes recordings past their retention window for one
// stream: non-detection before detection, oldest-first within each class
// (spec.md §4.5 "Retention pass", scenario S3), bounded to BatchSize items
// per tick via the shared rate limiter.
func (g *GC) runRetentionPass(ctx context.Context, s config.StreamConfig) (Stats, error) {
	regularDays := s.RetentionDays
	if regularDays == 0 {
		regularDays = g.cfg.RegularDays
	}
	detectionDays := s.DetectionRetentionDays
	if detectionDays == 0 {
		detectionDays = g.cfg.DetectionDays
	}
	if regularDays <= 0 && detectionDays <= 0 {
		return Stats{}, nil
	}

	candidates, err := g.store.RetentionCandidates(ctx, s.Name, regularDays, detectionDays, g.cfg.BatchSize)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, rec := range candidates {
		if err := g.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := g.deleteRecording(ctx, rec); err != nil {
			g.logger.Warn().Err(err).Int64("id", rec.ID).Msg("failed to delete retention candidate")
			continue
		}
		stats.RecordingsDeleted++
		stats.BytesFreed += rec.SizeBytes
	}
	return stats, nil
}

// runStreamQuotaPass drains a single stream's oldest unprotected complete
// recordings until its on-disk usage is at or under max_storage_mb
// (spec.md §4.5 "Quota pass", scenario S4).
func (g *GC) runStreamQuotaPass(ctx context.Context, s config.StreamConfig) (Stats, error) {
	if s.MaxStorageMB <= 0 {
		return Stats{}, nil
	}
	budget := s.MaxStorageMB * 1024 * 1024

	usage, err := streamUsageBytes(g.root, s.Name)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	deleted := 0
	failed := make(map[int64]bool)
	for usage > budget && deleted < g.cfg.BatchSize {
		candidates, err := g.store.QuotaCandidates(ctx, s.Name, g.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		rec, ok := firstUntried(candidates, failed)
		if !ok {
			break
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := g.deleteRecording(ctx, rec); err != nil {
			g.logger.Warn().Err(err).Int64("id", rec.ID).Msg("failed to delete quota candidate")
			failed[rec.ID] = true
			continue
		}

		stats.RecordingsDeleted++
		stats.BytesFreed += rec.SizeBytes
		usage -= rec.SizeBytes
		deleted++
	}
	return stats, nil
}

// firstUntried returns the first candidate (in cands' order) whose ID
// isn't in failed, so a pass can skip past a candidate it already failed
// to delete this tick instead of re-selecting it forever.
func firstUntried(cands []catalog.Recording, failed map[int64]bool) (catalog.Recording, bool) {
	for _, c := range cands {
		if !failed[c.ID] {
			return c, true
		}
	}
	return catalog.Recording{}, false
}

// runGlobalQuotaPass applies max_storage_size_mb across all streams,
// round-robin oldest-first (the Open Question resolution recorded in
// DESIGN.md: per-stream quota is enforced first, global applied as a
// second pass). It repeatedly picks the single globally-oldest
// unprotected complete recording across every stream and deletes it,
// which is the strict form of "round-robin of oldest-first" since every
// round re-evaluates which stream currently holds the oldest row.
func (g *GC) runGlobalQuotaPass(ctx context.Context, streams []config.StreamConfig) (Stats, error) {
	budget := g.cfg.MaxStorageMB * 1024 * 1024

	var usage int64
	for _, s := range streams {
		u, err := streamUsageBytes(g.root, s.Name)
		if err != nil {
			return Stats{}, err
		}
		usage += u
	}

	var stats Stats
	deleted := 0
	failed := make(map[int64]bool)
	for usage > budget && deleted < g.cfg.BatchSize {
		type candidate struct {
			stream string
			rec    catalog.Recording
		}
		var oldest *candidate
		for _, s := range streams {
			cands, err := g.store.QuotaCandidates(ctx, s.Name, g.cfg.BatchSize)
			if err != nil {
				continue
			}
			rec, ok := firstUntried(cands, failed)
			if !ok {
				continue
			}
			if oldest == nil || rec.StartTime.Before(oldest.rec.StartTime) {
				oldest = &candidate{stream: s.Name, rec: rec}
			}
		}
		if oldest == nil {
			break
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := g.deleteRecording(ctx, oldest.rec); err != nil {
			g.logger.Warn().Err(err).Int64("id", oldest.rec.ID).Msg("failed to delete global quota candidate")
			failed[oldest.rec.ID] = true
			continue
		}

		stats.RecordingsDeleted++
		stats.BytesFreed += oldest.rec.SizeBytes
		usage -= oldest.rec.SizeBytes
		deleted++
	}
	return stats, nil
}

// runOrphanPass deletes catalog rows whose backing file no longer exists
// (spec.md §4.5 "Orphan reconciliation"): files are already gone, so only
// the row is removed.
func (g *GC) runOrphanPass(ctx context.Context) (int, error) {
	candidates, err := g.store.OrphanCandidates(ctx, g.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range candidates {
		if err := g.limiter.Wait(ctx); err != nil {
			return removed, err
		}
		if err := g.store.DeleteRecording(ctx, rec.ID); err != nil {
			g.logger.Warn().Err(err).Int64("id", rec.ID).Msg("failed to remove orphan row")
			continue
		}
		removed++
	}
	return removed, nil
}

// incompletePromotionMinAge is how long a row must sit with
// is_complete=0 before the promotion pass will touch it — anything
// younger could still be an actively-recording session.
const incompletePromotionMinAge = 5 * time.Minute

// runPromotionPass resolves spec.md §9's crash-window Open Question: a
// process death between the muxer writing its trailer and UpdateRecording
// running leaves a fully-playable file behind a row stuck at
// is_complete=0. Rather than have the retention/quota passes ignore such
// files forever (they only ever select is_complete=1 rows), probe each
// stale incomplete row's file with ffprobe; a file with a readable
// duration has a valid moov trailer, so promote the row.
func (g *GC) runPromotionPass(ctx context.Context) (int, error) {
	candidates, err := g.store.IncompleteCandidates(ctx, incompletePromotionMinAge, g.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, rec := range candidates {
		if err := g.limiter.Wait(ctx); err != nil {
			return promoted, err
		}
		duration, err := probeTrailerDuration(ctx, rec.FilePath)
		if err != nil || duration <= 0 {
			continue // no valid trailer yet (or file missing) — leave for the orphan pass / next tick
		}
		info, err := os.Stat(rec.FilePath)
		if err != nil {
			continue
		}
		endTime := rec.StartTime.Add(time.Duration(duration * float64(time.Second)))
		if err := g.store.UpdateRecording(ctx, rec.ID, endTime, info.Size(), true); err != nil {
			g.logger.Warn().Err(err).Int64("id", rec.ID).Msg("failed to promote incomplete row")
			continue
		}
		promoted++
	}
	return promoted, nil
}

// probeTrailerDuration runs ffprobe against path and returns the
// container duration reported in its format header, which is only
// present once the moov/mfra trailer has actually been written.
func probeTrailerDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	var d float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &d); err != nil {
		return 0, err
	}
	return d, nil
}

func (g *GC) deleteRecording(ctx context.Context, rec catalog.Recording) error {
	if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return g.store.DeleteRecording(ctx, rec.ID)
}
