// Package transport adapts Room subscribers onto gorilla/websocket
// connections: it owns the upgrade, the debug/cbor query-parameter
// handshake, and the read/write pumps that keep a socket's Connection
// alive.
package transport

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"driftdb/internal/logging"
	"driftdb/internal/room"
	"driftdb/internal/wire"
)

const writeWait = 10 * time.Second

const pongWaitMultiplier = 2

var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// Registry is the subset of *room.Registry the transport layer needs.
type Registry interface {
	Get(id string) *room.Room
}

// Handler upgrades inbound /room/:id/connect requests to WebSocket
// subscribers and pumps wire frames between the socket and its Room.
type Handler struct {
	rooms           Registry
	logger          *logging.Logger
	pingInterval    time.Duration
	maxPayloadBytes int64
	upgrader        websocket.Upgrader
}

// NewHandler constructs a transport Handler. allowedOrigins follows
// the same "*" wildcard convention as the rest of the service's CORS
// policy; localhost is always permitted for development.
func NewHandler(rooms Registry, logger *logging.Logger, pingInterval time.Duration, maxPayloadBytes int64, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	h := &Handler{
		rooms:           rooms,
		logger:          logger,
		pingInterval:    pingInterval,
		maxPayloadBytes: maxPayloadBytes,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: buildOriginChecker(logger, allowedOrigins)}
	return h
}

// ServeHTTP upgrades the connection and dispatches it to the room
// named by the ":id" segment of /room/:id/..., honoring ?debug and ?cbor
// query parameters read once at upgrade time.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := roomIDFromPath(r.URL.Path)
	if id == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	query := r.URL.Query()
	debug := query.Get("debug") != ""
	useCBOR := query.Get("cbor") != ""

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", logging.Error(err), logging.String("room_id", id))
		return
	}

	rm := h.rooms.Get(id)
	log := h.logger.With(logging.String("room_id", id), logging.String("remote_addr", r.RemoteAddr))
	s := newSubscriber(conn, useCBOR, log)

	if h.maxPayloadBytes > 0 {
		conn.SetReadLimit(h.maxPayloadBytes)
	}
	waitDuration := pongWaitMultiplier * h.pingInterval
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		log.Error("failed to set initial read deadline", logging.Error(err))
		_ = conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	sub, err := rm.Connect(r.Context(), debug, s.deliver)
	if err != nil {
		log.Error("room connect failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	defer sub.Close()

	go s.writePump(h.pingInterval)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			log.Error("failed to extend read deadline", logging.Error(err))
			break
		}

		msg, decodeErr := decodeFrame(messageType, data)
		if decodeErr != nil {
			s.send(wire.ErrorMessage("could not decode message: " + decodeErr.Error()))
			continue
		}

		// Reset the inactivity alarm on every successfully decoded frame.
		rm.Bump()
		if _, err := sub.SendMessage(msg); err != nil {
			log.Error("send message failed", logging.Error(err))
			break
		}
	}

	s.close()
}

func decodeFrame(messageType int, data []byte) (wire.MessageToDatabase, error) {
	var msg wire.MessageToDatabase
	var err error
	if messageType == websocket.BinaryMessage {
		err = wire.UnmarshalCBOR(data, &msg)
	} else {
		err = msg.UnmarshalJSON(data)
	}
	return msg, err
}

func roomIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/room/")
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	wildcard := false
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		if strings.TrimSpace(origin) == "*" {
			wildcard = true
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]
		return ok
	}
}
