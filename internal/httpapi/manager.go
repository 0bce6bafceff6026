package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/manager"
)

var validStreamSchemes = map[string]bool{
	"rtsp": true, "rtsps": true, "rtmp": true, "http": true, "https": true,
}

// validateStreamURL mirrors the teacher's CameraValidator.validateStreamURL,
// accounting for go2rtc-style wrapper prefixes that aren't real URL schemes.
func validateStreamURL(raw string) error {
	u := raw
	for _, prefix := range []string{"ffmpeg:", "exec:", "echo:", "expr:"} {
		if strings.HasPrefix(strings.ToLower(raw), prefix) {
			u = raw[len(prefix):]
			break
		}
	}
	if u == "" || strings.HasPrefix(u, "#") {
		return nil
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return errInvalidStreamURL
	}
	if !validStreamSchemes[strings.ToLower(parsed.Scheme)] {
		return errInvalidStreamURL
	}
	if parsed.Host == "" {
		return errInvalidStreamURL
	}
	return nil
}

var errInvalidStreamURL = errors.New("url must be rtsp, rtsps, rtmp, http, or https (optionally wrapped in an ffmpeg:/exec:/echo:/expr: prefix)")

// RegisterManagerRoutes mounts the Recording Manager's stream-control
// surface (spec.md §4.4's "Contract"): add/remove a stream worker at
// runtime and list currently-supervised streams. Grounded on the
// teacher's RecordingHandler.StartCamera/StopCamera/GetAllRecorderStatus,
// generalized from start/stop-by-camera-id to add/remove-by-stream-config.
// The Manager pauses and resumes workers only from its memory governor, so
// no pause/resume route is offered.
func RegisterManagerRoutes(r chi.Router, mgr *manager.Manager) {
	r.Get("/streams", listStreams(mgr))
	r.Post("/streams", addStream(mgr))
	r.Delete("/streams/{name}", removeStream(mgr))
}

func listStreams(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OK(w, mgr.StreamNames())
	}
}

func addStream(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg config.StreamConfig
		if err := decodeJSON(r, &cfg); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
		if cfg.Name == "" {
			BadRequest(w, "name is required")
			return
		}
		if err := validateStreamURL(cfg.URL); err != nil {
			BadRequest(w, err.Error())
			return
		}
		if err := mgr.AddStream(cfg); err != nil {
			Conflict(w, err.Error())
			return
		}
		OK(w, map[string]string{"name": cfg.Name})
	}
}

func removeStream(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := mgr.RemoveStream(name); err != nil {
			InternalError(w, err.Error())
			return
		}
		NoContent(w)
	}
}
