package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/database"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := database.Open(&database.Config{Path: dbPath}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.NewMigrator(db, zerolog.Nop()).Run(context.Background()))
	return catalog.New(db, zerolog.Nop())
}

// writeFakeRecording inserts a completed, non-protected recording and
// writes a matching file on disk under root/stream, sized sizeBytes.
func writeFakeRecording(t *testing.T, store *catalog.Store, root, stream string, start time.Time, sizeBytes int64, trigger catalog.TriggerType) catalog.Recording {
	t.Helper()
	path := filepath.Join(root, stream, start.Format("20060102-150405")+".mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, sizeBytes), 0644))

	rec := &catalog.Recording{
		StreamName:  stream,
		FilePath:    path,
		StartTime:   start,
		Codec:       "h264",
		TriggerType: trigger,
	}
	id, err := store.AddRecording(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, store.UpdateRecording(context.Background(), id, start.Add(time.Minute), sizeBytes, true))

	got, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *got
}

func TestRunOnceDeletesPastRetentionWindow(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	old := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-10*24*time.Hour), 1024, catalog.TriggerScheduled)
	recent := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-1*time.Hour), 1024, catalog.TriggerScheduled)

	gc := NewGC(store, root, Config{RegularDays: 7}, zerolog.Nop())
	streams := []config.StreamConfig{{Name: "front-door"}}

	stats, err := gc.RunOnce(context.Background(), streams)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordingsDeleted)

	_, err = os.Stat(old.FilePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent.FilePath)
	assert.NoError(t, err)

	gotOld, err := store.GetByID(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Nil(t, gotOld)
}

func TestRunOnceRespectsPerStreamDetectionOverride(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	detection := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-5*24*time.Hour), 1024, catalog.TriggerDetection)

	gc := NewGC(store, root, Config{RegularDays: 3, DetectionDays: 1}, zerolog.Nop())
	streams := []config.StreamConfig{{Name: "front-door", DetectionRetentionDays: 30}}

	stats, err := gc.RunOnce(context.Background(), streams)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RecordingsDeleted)

	_, err = os.Stat(detection.FilePath)
	assert.NoError(t, err)
}

func TestRunOnceEnforcesPerStreamQuota(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	oldest := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-3*time.Hour), 2*1024*1024, catalog.TriggerScheduled)
	newest := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-1*time.Hour), 2*1024*1024, catalog.TriggerScheduled)

	gc := NewGC(store, root, Config{}, zerolog.Nop())
	streams := []config.StreamConfig{{Name: "front-door", MaxStorageMB: 3}}

	stats, err := gc.RunOnce(context.Background(), streams)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordingsDeleted)

	_, err = os.Stat(oldest.FilePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newest.FilePath)
	assert.NoError(t, err)
}

func TestRunOnceQuotaPassSkipsUndeletableCandidateInsteadOfWedging(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	oldest := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-3*time.Hour), 2*1024*1024, catalog.TriggerScheduled)
	// Make the oldest candidate's path a non-empty directory so os.Remove
	// fails deterministically, simulating an undeletable file (locked,
	// permission-denied, etc.) regardless of the test's own privileges.
	require.NoError(t, os.Remove(oldest.FilePath))
	require.NoError(t, os.MkdirAll(oldest.FilePath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(oldest.FilePath, "busy"), []byte("x"), 0644))

	middle := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-2*time.Hour), 2*1024*1024, catalog.TriggerScheduled)
	newest := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-1*time.Hour), 2*1024*1024, catalog.TriggerScheduled)

	gc := NewGC(store, root, Config{}, zerolog.Nop())
	// oldest's on-disk footprint is now a near-empty directory (its 2MB
	// file was replaced above), so actual usage is ~middle+newest (~4MB):
	// over this 3MB budget until middle is deleted, comfortably under it
	// (~2MB) afterward, so the pass should stop after middle rather than
	// also claiming newest.
	streams := []config.StreamConfig{{Name: "front-door", MaxStorageMB: 3}}

	stats, err := gc.RunOnce(context.Background(), streams)
	require.NoError(t, err)
	// The pass must delete middle to bring usage under budget rather than
	// abort after failing on oldest.
	assert.Equal(t, 1, stats.RecordingsDeleted)

	rec, err := store.GetByID(context.Background(), oldest.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec, "the undeletable candidate's row must survive the failed delete")

	middleRow, err := store.GetByID(context.Background(), middle.ID)
	require.NoError(t, err)
	assert.Nil(t, middleRow, "middle should have been deleted to satisfy the quota")

	_, err = os.Stat(newest.FilePath)
	assert.NoError(t, err)
}

func TestRunOnceEnforcesGlobalQuotaAcrossStreams(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	oldestGlobal := writeFakeRecording(t, store, root, "cam-a", time.Now().Add(-4*time.Hour), 2*1024*1024, catalog.TriggerScheduled)
	writeFakeRecording(t, store, root, "cam-b", time.Now().Add(-2*time.Hour), 2*1024*1024, catalog.TriggerScheduled)

	gc := NewGC(store, root, Config{MaxStorageMB: 3}, zerolog.Nop())
	streams := []config.StreamConfig{{Name: "cam-a"}, {Name: "cam-b"}}

	stats, err := gc.RunOnce(context.Background(), streams)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordingsDeleted)

	_, err = os.Stat(oldestGlobal.FilePath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunOnceSkipsProtectedAndIncompleteRecordings(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	protected := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-30*24*time.Hour), 1024, catalog.TriggerScheduled)
	require.NoError(t, store.SetProtected(context.Background(), protected.ID, true))

	gc := NewGC(store, root, Config{RegularDays: 1}, zerolog.Nop())
	streams := []config.StreamConfig{{Name: "front-door"}}

	stats, err := gc.RunOnce(context.Background(), streams)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RecordingsDeleted)

	_, err = os.Stat(protected.FilePath)
	assert.NoError(t, err)
}

func TestRunOrphanPassRemovesRowsForMissingFiles(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	rec := writeFakeRecording(t, store, root, "front-door", time.Now().Add(-1*time.Hour), 1024, catalog.TriggerScheduled)
	require.NoError(t, os.Remove(rec.FilePath))

	gc := NewGC(store, root, Config{}, zerolog.Nop())
	n, err := gc.runOrphanPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStartAndStopRunsLoopsCleanly(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)

	gc := NewGC(store, root, Config{TickInterval: 10 * time.Millisecond, OrphanInterval: 10 * time.Millisecond}, zerolog.Nop())
	gc.Start(context.Background(), func() []config.StreamConfig { return nil })
	time.Sleep(30 * time.Millisecond)
	gc.Stop()
}
