package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nvrcore/nvrcore/internal/catalog"
)

// RegisterCatalogRoutes mounts the Catalog Store's query surface
// (spec.md §6: list/query, protection toggles, retention override,
// recording-days) onto r. Grounded on the teacher's RecordingHandler
// (internal/api/recording.go), re-pointed at catalog.Store directly
// instead of a recording.Service facade.
func RegisterCatalogRoutes(r chi.Router, store *catalog.Store) {
	r.Get("/recordings", listRecordings(store))
	r.Get("/recordings/{id}", getRecording(store))
	r.Delete("/recordings/{id}", deleteRecording(store))
	r.Post("/recordings/{id}/protect", setProtected(store, true))
	r.Post("/recordings/{id}/unprotect", setProtected(store, false))
	r.Put("/recordings/{id}/retention", setRetentionOverride(store))
	r.Get("/recording-days", listRecordingDays(store))
}

func listRecordings(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		f := catalog.ListFilter{
			StreamName: q.Get("stream"),
			OrderBy:    q.Get("order_by"),
			OrderDesc:  q.Get("order_desc") == "true",
			Limit:      50,
		}

		if v := q.Get("start_time"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				f.StartTime = &t
			} else {
				BadRequest(w, "invalid start_time")
				return
			}
		}
		if v := q.Get("end_time"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				f.EndTime = &t
			} else {
				BadRequest(w, "invalid end_time")
				return
			}
		}
		if v := q.Get("has_detection"); v != "" {
			hd := v == "true"
			f.HasDetection = &hd
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				f.Limit = n
			}
		}
		if v := q.Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}

		recs, total, err := store.List(r.Context(), f)
		if err != nil {
			InternalError(w, err.Error())
			return
		}
		OKList(w, recs, total, f.Limit, f.Offset)
	}
}

func getRecording(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			BadRequest(w, "invalid id")
			return
		}
		rec, err := store.GetByID(r.Context(), id)
		if err != nil {
			InternalError(w, err.Error())
			return
		}
		if rec == nil {
			NotFound(w, "recording not found")
			return
		}
		OK(w, rec)
	}
}

func deleteRecording(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			BadRequest(w, "invalid id")
			return
		}
		if err := store.DeleteRecording(r.Context(), id); err != nil {
			InternalError(w, err.Error())
			return
		}
		NoContent(w)
	}
}

func setProtected(store *catalog.Store, protected bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			BadRequest(w, "invalid id")
			return
		}
		if err := store.SetProtected(r.Context(), id, protected); err != nil {
			InternalError(w, err.Error())
			return
		}
		OK(w, map[string]bool{"protected": protected})
	}
}

type retentionOverrideRequest struct {
	Days *int `json:"days"`
}

func setRetentionOverride(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r)
		if err != nil {
			BadRequest(w, "invalid id")
			return
		}
		var req retentionOverrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
		if err := store.SetRetentionOverride(r.Context(), id, req.Days); err != nil {
			InternalError(w, err.Error())
			return
		}
		OK(w, map[string]interface{}{"retention_override_days": req.Days})
	}
}

func listRecordingDays(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := store.DistinctDays(r.Context(), time.Local)
		if err != nil {
			InternalError(w, err.Error())
			return
		}
		OK(w, days)
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
