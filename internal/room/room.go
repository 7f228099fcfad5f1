// Package room implements the per-room lifecycle: cold-starting a
// Database from durable storage, bumping an inactivity alarm on every
// inbound message, marking the room dirty on mutation, and persisting
// the dirty snapshot and evicting the in-memory Database when the alarm
// fires.
package room

import (
	"context"
	"sync"
	"time"

	"driftdb/internal/database"
	"driftdb/internal/logging"
	"driftdb/internal/roomstore"
	"driftdb/internal/store"
	"driftdb/internal/wire"
)

// mirrorWriter is the subset of replicamirror.Writer a Room needs: append
// a mutation to the log, and release its file handle on teardown.
type mirrorWriter interface {
	Append(store.StoreInstruction)
	Close() error
}

// Room owns one Database plus the durable-storage and alarm plumbing
// that loads it on first use and tears it down after inactivity.
type Room struct {
	id      string
	backend roomstore.Backend
	window  time.Duration
	logger  *logging.Logger
	mirror  mirrorWriter

	mu           sync.Mutex
	db           *database.Database
	dirty        bool
	timer        *time.Timer
	onAlarm      func()
	mirrorClosed bool
}

// New constructs a Room bound to backend, with inactivityWindow
// controlling how long the room may sit idle before eviction. mirror,
// if non-nil, is installed as the Database's replica sink and closed
// when the room evicts or shuts down.
func New(id string, backend roomstore.Backend, inactivityWindow time.Duration, logger *logging.Logger, mirror mirrorWriter) *Room {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Room{
		id:      id,
		backend: backend,
		window:  inactivityWindow,
		logger:  logger.With(logging.String("room_id", id)),
		mirror:  mirror,
	}
}

// getDB returns the live Database, cold-starting it from durable
// storage if this is the first access since construction or the last
// eviction.
func (r *Room) getDB(ctx context.Context) (*database.Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		return r.db, nil
	}

	blob, ok, err := r.backend.Get(ctx, r.id)
	if err != nil {
		return nil, err
	}

	var s *store.Store
	if ok {
		snap, err := roomstore.LoadSnapshot(blob)
		if err != nil {
			return nil, err
		}
		s = store.FromSnapshot(snap)
		r.logger.Debug("cold start: loaded snapshot")
	} else {
		s = store.NewStore()
		r.logger.Debug("cold start: no prior snapshot, starting empty")
	}

	db := database.New(s)
	db.SetReplicaCallback(func(instr store.StoreInstruction) {
		r.markDirty()
		if r.mirror != nil {
			r.mirror.Append(instr)
		}
	})
	r.db = db
	r.armLocked()
	return db, nil
}

// SendMessage dispatches msg to the room's Database, cold-starting it
// first if necessary, then bumps the inactivity alarm.
func (r *Room) SendMessage(ctx context.Context, msg wire.MessageToDatabase) (*wire.MessageFromDatabase, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := db.SendMessage(msg)
	r.Bump()
	return resp, err
}

// Connect attaches a regular subscriber, or a debug subscriber when
// debug is true, cold-starting the Database if necessary.
func (r *Room) Connect(ctx context.Context, debug bool, cb database.Callback) (*database.Connection, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	if debug {
		return db.ConnectDebug(cb), nil
	}
	return db.Connect(cb), nil
}

// SetOnAlarm installs a callback invoked after the room evicts itself
// following an alarm firing, so a Registry can drop its reference.
func (r *Room) SetOnAlarm(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAlarm = fn
}

// Bump resets the inactivity alarm to fire window from now. It is safe
// to call concurrently and is a no-op once the room has been evicted
// mid-call (the timer it would reset no longer exists).
func (r *Room) Bump() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return
	}
	r.armLocked()
}

func (r *Room) armLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.window, r.onAlarmFire)
}

func (r *Room) onAlarmFire() {
	if err := r.evict(context.Background()); err != nil {
		r.logger.Error("alarm eviction failed", logging.Error(err))
	}
	if r.onAlarm != nil {
		r.onAlarm()
	}
}

// PersistIfDirty writes the room's current snapshot to durable storage
// if any mutation has occurred since the last persist, and clears the
// dirty flag.
func (r *Room) PersistIfDirty(ctx context.Context) error {
	r.mu.Lock()
	db := r.db
	dirty := r.dirty
	r.mu.Unlock()

	if db == nil || !dirty {
		return nil
	}
	if err := r.persist(ctx, db); err != nil {
		return err
	}
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}

func (r *Room) persist(ctx context.Context, db *database.Database) error {
	blob, err := roomstore.SaveSnapshot(db.Snapshot())
	if err != nil {
		return err
	}
	return r.backend.Put(ctx, r.id, blob)
}

// evict persists the current snapshot (if dirty) and releases the
// in-memory Database, so the next access cold-starts again. Called from
// the alarm handler; exported behavior is covered by the alarm firing,
// not by direct calls from transport code.
func (r *Room) evict(ctx context.Context) error {
	r.mu.Lock()
	db := r.db
	dirty := r.dirty
	r.mu.Unlock()

	if db == nil {
		return nil
	}
	if dirty {
		if err := r.persist(ctx, db); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.db = nil
	r.dirty = false
	r.timer = nil
	r.closeMirrorLocked()
	r.mu.Unlock()
	r.logger.Debug("room evicted after inactivity")
	return nil
}

// closeMirrorLocked releases the room's replica mirror file handle, if
// any. Callers must hold r.mu. Safe to call more than once: a room may
// be evicted and then explicitly closed during shutdown.
func (r *Room) closeMirrorLocked() {
	if r.mirror == nil || r.mirrorClosed {
		return
	}
	r.mirrorClosed = true
	if err := r.mirror.Close(); err != nil {
		r.logger.Warn("replica mirror close failed", logging.Error(err))
	}
}

func (r *Room) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// Close stops the alarm timer and persists any outstanding mutation,
// for use during an orderly process shutdown.
func (r *Room) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	db := r.db
	dirty := r.dirty
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.closeMirrorLocked()
		r.mu.Unlock()
	}()

	if db == nil || !dirty {
		return nil
	}
	return r.persist(ctx, db)
}
