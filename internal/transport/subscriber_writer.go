package transport

import (
	"time"

	"github.com/gorilla/websocket"

	"driftdb/internal/logging"
	"driftdb/internal/wire"
)

// subscriber owns the outbound side of one WebSocket connection: a
// buffered queue drained by writePump, and the JSON/CBOR frame choice
// made once at upgrade time.
type subscriber struct {
	conn    *websocket.Conn
	useCBOR bool
	logger  *logging.Logger

	out    chan wire.MessageFromDatabase
	closed chan struct{}
}

func newSubscriber(conn *websocket.Conn, useCBOR bool, logger *logging.Logger) *subscriber {
	return &subscriber{
		conn:    conn,
		useCBOR: useCBOR,
		logger:  logger,
		out:     make(chan wire.MessageFromDatabase, 64),
		closed:  make(chan struct{}),
	}
}

// deliver is the database.Callback installed on this subscriber's Connection.
func (s *subscriber) deliver(msg wire.MessageFromDatabase) {
	s.send(msg)
}

func (s *subscriber) send(msg wire.MessageFromDatabase) {
	select {
	case s.out <- msg:
	case <-s.closed:
	}
}

func (s *subscriber) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func (s *subscriber) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.out:
			if err := s.writeOne(msg); err != nil {
				s.logger.Warn("websocket write failed", logging.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("ping failure", logging.Error(err))
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *subscriber) writeOne(msg wire.MessageFromDatabase) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if s.useCBOR {
		data, err := wire.MarshalCBOR(msg)
		if err != nil {
			return err
		}
		return s.conn.WriteMessage(websocket.BinaryMessage, data)
	}
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
