package room

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"driftdb/internal/logging"
	"driftdb/internal/replicamirror"
	"driftdb/internal/roomstore"
)

// Registry hands out the one *Room live for a given room ID, creating
// it on first access, and forgets it once its inactivity alarm evicts
// it so the next access starts fresh.
type Registry struct {
	backend          roomstore.Backend
	inactivityWindow time.Duration
	logger           *logging.Logger
	mirrorDir        string

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs a Registry. mirrorDir, if non-empty, enables a
// replicamirror.Writer per room under that directory; an empty
// mirrorDir disables the replica mirror entirely.
func NewRegistry(backend roomstore.Backend, inactivityWindow time.Duration, logger *logging.Logger, mirrorDir string) *Registry {
	return &Registry{
		backend:          backend,
		inactivityWindow: inactivityWindow,
		logger:           logger,
		mirrorDir:        mirrorDir,
		rooms:            make(map[string]*Room),
	}
}

// Get returns the Room for id, constructing it if this is the first
// access.
func (reg *Registry) Get(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[id]; ok {
		return r
	}

	var mirror mirrorWriter
	if reg.mirrorDir != "" {
		writer, err := replicamirror.Open(reg.mirrorDir, id, nil)
		if err != nil {
			reg.logger.Warn("replica mirror unavailable for room", logging.String("room_id", id), logging.Error(err))
		} else {
			mirror = writer
		}
	}

	r := New(id, reg.backend, reg.inactivityWindow, reg.logger, mirror)
	r.SetOnAlarm(func() { reg.forget(id) })
	reg.rooms[id] = r
	return r
}

func (reg *Registry) forget(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

// Close persists and tears down every room still live in the registry,
// including closing their replica mirror writers, for use during an
// orderly process shutdown.
func (reg *Registry) Close(ctx context.Context) error {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for id, r := range reg.rooms {
		rooms = append(rooms, r)
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MirrorPath returns the on-disk path a room's replica mirror log would
// live at, for diagnostics and tests.
func (reg *Registry) MirrorPath(id string) string {
	if reg.mirrorDir == "" {
		return ""
	}
	return filepath.Join(reg.mirrorDir, id+".jsonl.sz")
}
