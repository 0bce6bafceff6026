package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvrcore/nvrcore/internal/catalog"
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

func addRecording(t *testing.T, store *catalog.Store, stream, path string, start time.Time, codec string) catalog.Recording {
	t.Helper()
	rec := &catalog.Recording{StreamName: stream, FilePath: path, StartTime: start, Codec: codec, TriggerType: catalog.TriggerScheduled}
	id, err := store.AddRecording(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, store.UpdateRecording(context.Background(), id, start.Add(time.Minute), 1024, true))
	got, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *got
}

func TestExportReturnsErrNoRecordingsWhenRangeEmpty(t *testing.T) {
	store := newTestStore(t)
	e := New(store, zerolog.Nop(), nil)

	start := time.Now().Add(-time.Hour)
	end := time.Now()
	err := e.Export(context.Background(), "front-door", start, end, filepath.Join(t.TempDir(), "out.mp4"))
	assert.ErrorIs(t, err, ErrNoRecordings)
}

func TestExportRefusesCodecMismatchAboveThreshold(t *testing.T) {
	store := newTestStore(t)
	e := New(store, zerolog.Nop(), nil)
	e.ReencodeThreshold = 1

	base := time.Now().Add(-time.Hour)
	addRecording(t, store, "front-door", filepath.Join(t.TempDir(), "a.mp4"), base, "h264")
	addRecording(t, store, "front-door", filepath.Join(t.TempDir(), "b.mp4"), base.Add(time.Minute), "h265")

	err := e.Export(context.Background(), "front-door", base, base.Add(2*time.Minute), filepath.Join(t.TempDir(), "out.mp4"))
	assert.ErrorIs(t, err, ErrCodecMismatch)
}

func TestMixedCodecsDetection(t *testing.T) {
	same := []catalog.Recording{{Codec: "h264"}, {Codec: "h264"}}
	assert.False(t, mixedCodecs(same))

	mixed := []catalog.Recording{{Codec: "h264"}, {Codec: "h265"}}
	assert.True(t, mixedCodecs(mixed))
}

func TestFormatOffsetIsRelativeNotAbsolute(t *testing.T) {
	assert.Equal(t, "00:00:00.000", formatOffset(0))
	assert.Equal(t, "00:01:30.500", formatOffset(90*time.Second+500*time.Millisecond))
	assert.Equal(t, "01:00:00.000", formatOffset(time.Hour))
	// A bound before the segment/timeline start must clamp to zero, never
	// go negative or wrap.
	assert.Equal(t, "00:00:00.000", formatOffset(-time.Minute))
}

func TestTrimSegmentOffsetIsRelativeToSegmentStart(t *testing.T) {
	segStart := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	from := segStart.Add(90 * time.Second)
	to := segStart.Add(150 * time.Second)

	assert.Equal(t, "00:01:30.000", formatOffset(from.Sub(segStart)))
	assert.Equal(t, "00:02:30.000", formatOffset(to.Sub(segStart)))
}
