package asr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry manages ASR backends and supports fallback transcription.
// A Registry is itself a Backend that transcribes with fallback.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	primary  string
	fallback string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry. The first registered backend
// becomes the primary by default.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	if r.primary == "" {
		r.primary = name
	}
}

// SetPrimary sets the primary backend by name.
func (r *Registry) SetPrimary(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = name
}

// SetFallback sets the fallback backend by name.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Get returns a backend by name, or false if not found.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Primary returns the primary backend, or nil if none configured.
func (r *Registry) Primary() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.primary]
}

// Fallback returns the fallback backend, or nil if none configured.
func (r *Registry) Fallback() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" {
		return nil
	}
	return r.backends[r.fallback]
}

// Backends returns the sorted names of all registered backends.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the primary backend's name.
func (r *Registry) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// TranscribeFile implements Backend by calling TranscribeWithFallback.
func (r *Registry) TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	return r.TranscribeWithFallback(ctx, filePath, opts)
}

// HealthCheck reports the primary backend's health.
func (r *Registry) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	primary := r.Primary()
	if primary == nil {
		return nil, fmt.Errorf("asr: no primary backend configured")
	}
	return primary.HealthCheck(ctx)
}

// TranscribeWithFallback tries the primary backend first, falling back on
// error. ErrNoSpeech and context errors are returned as-is since another
// backend would not do better.
func (r *Registry) TranscribeWithFallback(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	primary := r.Primary()
	if primary == nil {
		return nil, fmt.Errorf("asr: no primary backend configured")
	}

	transcript, err := primary.TranscribeFile(ctx, filePath, opts)
	if err == nil {
		return transcript, nil
	}
	if errors.Is(err, ErrNoSpeech) || ctx.Err() != nil {
		return nil, err
	}

	fallback := r.Fallback()
	if fallback == nil {
		return nil, fmt.Errorf("asr: primary backend %q failed: %w", r.Name(), err)
	}

	transcript, fbErr := fallback.TranscribeFile(ctx, filePath, opts)
	if fbErr != nil {
		return nil, fmt.Errorf("asr: primary %q failed (%v), fallback %q also failed: %w", r.Name(), err, r.fallback, fbErr)
	}

	return transcript, nil
}
