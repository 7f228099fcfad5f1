package database

import (
	"sync/atomic"

	"driftdb/internal/wire"
)

// Callback receives outbound messages addressed to one subscriber.
type Callback func(wire.MessageFromDatabase)

// Connection is a subscriber handle bound to a Database. The Database
// holds only a weak.Pointer to it (see connections in database.go);
// once the caller that obtained the Connection from Connect/ConnectDebug/
// ConnectReplica drops its last strong reference, the garbage collector
// is free to reclaim it and the next dispatch observes a dead weak
// pointer and prunes it. Close offers an immediate, deterministic
// alternative to waiting on the collector.
type Connection struct {
	db       *Database
	callback Callback
	closed   atomic.Bool
}

func newConnection(db *Database, cb Callback) *Connection {
	return &Connection{db: db, callback: cb}
}

// SendMessage is a thin delegation to the bound Database; the
// Database's own lock provides the only synchronization a Connection
// needs. Any direct response (Init for Get, Pong for Ping, StreamSize
// for a Push past size 1) is delivered to this Connection's own
// callback in addition to being returned, so a transport read loop
// never has to special-case "write the response" versus "write a
// broadcast" — both flow through the same callback.
func (c *Connection) SendMessage(msg wire.MessageToDatabase) (*wire.MessageFromDatabase, error) {
	resp, err := c.db.SendMessage(msg)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		c.deliver(*resp)
	}
	return resp, nil
}

// Close unsubscribes immediately rather than waiting for this
// Connection to become unreachable.
func (c *Connection) Close() {
	c.closed.Store(true)
}

func (c *Connection) deliver(msg wire.MessageFromDatabase) {
	if c.closed.Load() {
		return
	}
	c.callback(msg)
}
