// Package database implements the room-local database engine: the
// Store plus its three weak-subscriber lists (regular, debug, replica)
// and an optional replica-sink callback, and the dispatch logic that
// decides which subscribers observe which side effects of a Push.
package database

import (
	"fmt"
	"sync"
	"weak"

	"driftdb/internal/store"
	"driftdb/internal/wire"
)

// Database holds a Store plus its subscriber lists. All mutation of the
// store and the subscriber lists happens under mu; callbacks are
// invoked while mu is held, so they must be short, non-suspending, and
// must never call back into the same Database.
type Database struct {
	mu sync.Mutex

	store *store.Store

	connections        []weak.Pointer[Connection]
	debugConnections   []weak.Pointer[Connection]
	replicaConnections []weak.Pointer[Connection]

	replicaCallback func(store.StoreInstruction)
}

// New constructs a Database around s, or a fresh empty Store if s is nil.
func New(s *store.Store) *Database {
	if s == nil {
		s = store.NewStore()
	}
	return &Database{store: s}
}

// Snapshot returns a full snapshot of the underlying store, suitable
// for durable persistence by the owning Room.
func (db *Database) Snapshot() store.Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.store.ToSnapshot()
}

// SendMessage is the single entry point for both inbound Push/Get/Ping
// frames and the internal POST-/send path. It runs under the
// Database's exclusive lock and never suspends.
func (db *Database) SendMessage(msg wire.MessageToDatabase) (*wire.MessageFromDatabase, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch msg.Kind {
	case wire.InboundPush:
		return db.handlePush(msg), nil
	case wire.InboundGet:
		resp := wire.InitMessage(msg.Key, db.store.Get(msg.Key, msg.Seq))
		return &resp, nil
	case wire.InboundPing:
		resp := wire.PongMessage(msg.Nonce)
		return &resp, nil
	default:
		return nil, fmt.Errorf("database: unknown message kind %q", msg.Kind)
	}
}

// handlePush applies a Push to the store and fans it out to
// subscribers in the contractually fixed order: replicas, then debug,
// then the replica sink, then regular subscribers, then (maybe) a
// StreamSize response to the caller.
func (db *Database) handlePush(msg wire.MessageToDatabase) *wire.MessageFromDatabase {
	instruction := db.store.ConvertToInstruction(msg.Key, msg.Value, msg.Action)
	streamSize := db.store.Apply(instruction)
	mutates := instruction.Mutates()

	// 1. Replica subscribers observe the raw instruction first, so they
	// can rebuild identical state before anyone else is told.
	if len(db.replicaConnections) > 0 {
		replicaMsg := wire.ReplicaInstructionMessage(wire.StoreInstructionReplica(instruction.Clone()))
		db.dispatch(&db.replicaConnections, func(c *Connection) { c.deliver(replicaMsg) })
	}

	// 2. Debug subscribers: the full surviving stream on a mutation,
	// otherwise the same broadcast regular subscribers will see.
	if mutates {
		initMsg := wire.InitMessage(msg.Key, db.store.Get(msg.Key, 0))
		db.dispatch(&db.debugConnections, func(c *Connection) { c.deliver(initMsg) })
	} else if instruction.Broadcast != nil {
		pushMsg := wire.BroadcastMessage(msg.Key, instruction.Broadcast.Value, instruction.Broadcast.Seq)
		db.dispatch(&db.debugConnections, func(c *Connection) { c.deliver(pushMsg) })
	}

	// 3. Replica sink: mirrors every mutating instruction to external
	// durability, regardless of whether any replica connection exists.
	if mutates && db.replicaCallback != nil {
		db.replicaCallback(instruction.Clone())
	}

	// 4. Regular subscribers: Relay/Append/Replace broadcast; Compact
	// never does (its broadcast is always nil).
	deliverBroadcast := func(*Connection) {}
	if instruction.Broadcast != nil {
		pushMsg := wire.BroadcastMessage(msg.Key, instruction.Broadcast.Value, instruction.Broadcast.Seq)
		deliverBroadcast = func(c *Connection) { c.deliver(pushMsg) }
	}
	db.dispatch(&db.connections, deliverBroadcast)

	// 5. Stream-size response to whoever called SendMessage.
	if streamSize > 1 {
		resp := wire.StreamSizeMessage(msg.Key, streamSize)
		return &resp
	}
	return nil
}

// dispatch invokes fn for every live connection in *list, pruning dead
// weak pointers (collected or explicitly Closed) in place.
func (db *Database) dispatch(list *[]weak.Pointer[Connection], fn func(*Connection)) {
	alive := (*list)[:0]
	for _, wp := range *list {
		conn := wp.Value()
		if conn == nil || conn.closed.Load() {
			continue
		}
		fn(conn)
		alive = append(alive, wp)
	}
	*list = alive
}

// Connect registers a regular subscriber. Nothing is sent on registration.
func (db *Database) Connect(cb Callback) *Connection {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn := newConnection(db, cb)
	db.connections = append(db.connections, weak.Make(conn))
	return conn
}

// ConnectDebug registers a debug subscriber, delivering one Init per
// key currently present in the store.
func (db *Database) ConnectDebug(cb Callback) *Connection {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn := newConnection(db, cb)
	db.debugConnections = append(db.debugConnections, weak.Make(conn))
	for key, values := range db.store.Dump() {
		conn.deliver(wire.InitMessage(key, values))
	}
	return conn
}

// ConnectReplica registers a replica subscriber, delivering one
// ReplicaInstruction(InitInstruction) snapshot on registration.
//
// It reproduces a latent upstream bug rather than fixing it: the
// connection lands in debugConnections, not replicaConnections, so
// handlePush's replica fan-out (step 1 above) never reaches connections
// registered this way. A correct implementation would append to
// replicaConnections instead. Flagged, not silently fixed, per the
// bug-for-bug compatibility this reimplementation targets.
func (db *Database) ConnectReplica(cb Callback) *Connection {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn := newConnection(db, cb)
	db.debugConnections = append(db.debugConnections, weak.Make(conn))
	conn.deliver(wire.ReplicaInstructionMessage(wire.InitInstructionReplica(db.store.ToSnapshot())))
	return conn
}

// SetReplicaCallback installs or replaces the single replica sink,
// which fires only for mutating instructions.
func (db *Database) SetReplicaCallback(fn func(store.StoreInstruction)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.replicaCallback = fn
}
