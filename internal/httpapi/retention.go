package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/retention"
)

// RegisterRetentionRoutes mounts an on-demand retention/quota GC run
// (spec.md §6's retention control surface), grounded on the teacher's
// RecordingHandler.RunRetention. streamsFn is consulted at request time
// so a config hot-reload is picked up without re-registering routes.
func RegisterRetentionRoutes(r chi.Router, gc *retention.GC, streamsFn func() []config.StreamConfig) {
	r.Post("/retention/run", runRetention(gc, streamsFn))
}

func runRetention(gc *retention.GC, streamsFn func() []config.StreamConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := gc.RunOnce(r.Context(), streamsFn())
		if err != nil {
			InternalError(w, err.Error())
			return
		}
		OK(w, stats)
	}
}
