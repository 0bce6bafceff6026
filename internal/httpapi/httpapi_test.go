package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/database"
	"github.com/nvrcore/nvrcore/internal/export"
	"github.com/nvrcore/nvrcore/internal/manager"
	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/nvrcore/nvrcore/internal/retention"
	"github.com/nvrcore/nvrcore/internal/segment"
	"github.com/nvrcore/nvrcore/internal/worker"
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

func TestListAndGetRecording(t *testing.T) {
	store := newTestStore(t)
	id, err := store.AddRecording(context.Background(), &catalog.Recording{
		StreamName: "front-door", FilePath: "/data/front-door/a.mp4", StartTime: time.Now(), Codec: "h264", TriggerType: catalog.TriggerScheduled,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	RegisterCatalogRoutes(r, store)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/recordings", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	var listResp Response
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listResp))
	assert.True(t, listResp.Success)

	resp2 := httptest.NewRecorder()
	r.ServeHTTP(resp2, httptest.NewRequest(http.MethodGet, "/recordings/999999", nil))
	assert.Equal(t, http.StatusNotFound, resp2.Code)

	path := "/recordings/" + itoa(id)
	resp3 := httptest.NewRecorder()
	r.ServeHTTP(resp3, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusOK, resp3.Code)
}

func TestSetProtectedAndRetentionOverride(t *testing.T) {
	store := newTestStore(t)
	id, err := store.AddRecording(context.Background(), &catalog.Recording{
		StreamName: "front-door", FilePath: "/data/front-door/b.mp4", StartTime: time.Now(), Codec: "h264", TriggerType: catalog.TriggerScheduled,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	RegisterCatalogRoutes(r, store)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/recordings/"+itoa(id)+"/protect", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	rec, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.Protected)

	body, _ := json.Marshal(retentionOverrideRequest{Days: intPtr(7)})
	resp2 := httptest.NewRecorder()
	r.ServeHTTP(resp2, httptest.NewRequest(http.MethodPut, "/recordings/"+itoa(id)+"/retention", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, resp2.Code)

	rec, err = store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec.RetentionOverrideDays)
	assert.Equal(t, 7, *rec.RetentionOverrideDays)
}

func TestExportRouteReturnsNotFoundForEmptyRange(t *testing.T) {
	store := newTestStore(t)
	exporter := export.New(store, zerolog.Nop(), nil)

	r := chi.NewRouter()
	RegisterExportRoutes(r, t.TempDir(), exporter)

	body, _ := json.Marshal(exportRequest{
		Stream:    "front-door",
		StartTime: time.Now().Add(-time.Hour).Format(time.RFC3339),
		EndTime:   time.Now().Format(time.RFC3339),
	})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/export", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

type fakeSource struct{}

func (s *fakeSource) Connect(ctx context.Context) error { return nil }
func (s *fakeSource) ReadPacket(ctx context.Context) (media.Packet, error) {
	<-ctx.Done()
	return media.Packet{}, ctx.Err()
}
func (s *fakeSource) Descriptor() segment.Descriptor { return segment.Descriptor{} }
func (s *fakeSource) Close() error                   { return nil }

type fakeSink struct{}

func (s *fakeSink) WritePacket(ctx context.Context, pkt media.Packet, desc segment.Descriptor) error {
	return nil
}
func (s *fakeSink) Close(ctx context.Context) error { return nil }

func TestManagerRoutesAddListRemoveStream(t *testing.T) {
	mgrCfg := manager.DefaultConfig()
	mgrCfg.StaggerInterval = time.Millisecond
	mgrCfg.ShutdownTimeout = time.Second
	mgr := manager.New(mgrCfg,
		func(cfg config.StreamConfig) (worker.Source, error) { return &fakeSource{}, nil },
		func(cfg config.StreamConfig) (worker.Sink, error) { return &fakeSink{}, nil },
		nil, zerolog.Nop())
	require.NoError(t, mgr.Start(context.Background(), nil))
	defer mgr.StopAll(context.Background())

	r := chi.NewRouter()
	RegisterManagerRoutes(r, mgr)

	body, _ := json.Marshal(config.StreamConfig{Name: "front-door", Enabled: true, Record: true, Priority: 5})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/streams", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, resp.Code)

	resp2 := httptest.NewRecorder()
	r.ServeHTTP(resp2, httptest.NewRequest(http.MethodGet, "/streams", nil))
	assert.Equal(t, http.StatusOK, resp2.Code)

	resp3 := httptest.NewRecorder()
	r.ServeHTTP(resp3, httptest.NewRequest(http.MethodDelete, "/streams/front-door", nil))
	assert.Equal(t, http.StatusNoContent, resp3.Code)
}

func TestRetentionRouteRunsOnce(t *testing.T) {
	store := newTestStore(t)
	gc := retention.NewGC(store, t.TempDir(), retention.Config{BatchSize: 100}, zerolog.Nop())

	r := chi.NewRouter()
	RegisterRetentionRoutes(r, gc, func() []config.StreamConfig { return nil })

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/retention/run", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func intPtr(v int) *int { return &v }
