package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nvrcore/nvrcore/internal/export"
)

// RegisterExportRoutes mounts the Export Engine's request endpoint
// (spec.md §4.6/§6). Grounded on the teacher's RecordingHandler.
// ExportSegments, generalized to call export.Exporter directly.
func RegisterExportRoutes(r chi.Router, exportDir string, exporter *export.Exporter) {
	r.Post("/export", postExport(exportDir, exporter))
}

type exportRequest struct {
	Stream    string `json:"stream"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func postExport(exportDir string, exporter *export.Exporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req exportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
		if req.Stream == "" {
			BadRequest(w, "stream is required")
			return
		}

		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			BadRequest(w, "invalid start_time")
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			BadRequest(w, "invalid end_time")
			return
		}

		destPath := filepath.Join(exportDir, fmt.Sprintf("%s_%s.mp4", req.Stream, start.UTC().Format("20060102T150405Z")))

		if err := exporter.Export(r.Context(), req.Stream, start, end, destPath); err != nil {
			switch {
			case errors.Is(err, export.ErrNoRecordings):
				NotFound(w, "no recordings in range")
			case errors.Is(err, export.ErrCodecMismatch):
				Conflict(w, err.Error())
			default:
				InternalError(w, err.Error())
			}
			return
		}

		OK(w, map[string]string{"output_path": destPath})
	}
}
