package audio

import "sync"

// TranscoderHandle is the per-stream AAC transcoder context, created lazily
// when the stream's first segment with PCM audio opens. Each segment marks
// it open when it opens and closed when it closes (spec.md §4.2), while the
// handle itself stays in the Registry across segments within a stream so
// the codec context need not be reinitialized on every rotate (spec.md §9).
type TranscoderHandle struct {
	Stream string
	Params TranscodeParams

	mu       sync.Mutex
	open     bool
	lastErr  error
}

// Open marks the handle ready; subsequent field reads under an already-held
// handle are lock-free (spec.md §9's redesign of the fixed-array pattern).
func (h *TranscoderHandle) Open() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = true
}

// Close tears the handle down.
func (h *TranscoderHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
}

// IsOpen reports whether the handle is active.
func (h *TranscoderHandle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// Registry maps stream name to its TranscoderHandle, replacing the source's
// fixed-capacity MAX_STREAMS array (spec.md §5/§9) with a dynamically sized
// map guarded by a reader/writer lock for insert/remove only.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*TranscoderHandle
}

// NewRegistry creates an empty transcoder handle registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*TranscoderHandle)}
}

// GetOrCreate returns the existing handle for stream, or lazily creates one.
func (r *Registry) GetOrCreate(stream string, params TranscodeParams) *TranscoderHandle {
	r.mu.RLock()
	h, ok := r.handles[stream]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[stream]; ok {
		return h
	}
	h = &TranscoderHandle{Stream: stream, Params: params}
	r.handles[stream] = h
	return h
}

// Remove tears down and forgets the handle for stream, if any.
func (r *Registry) Remove(stream string) {
	r.mu.Lock()
	h, ok := r.handles[stream]
	if ok {
		delete(r.handles, stream)
	}
	r.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
