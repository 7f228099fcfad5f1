// Package httpapi implements DriftDB's HTTP surface: room creation and
// lookup, the JSON one-shot send endpoint, operational health/metrics
// endpoints, and an HMAC-gated admin compaction trigger.
package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"driftdb/internal/auth"
	"driftdb/internal/logging"
	"driftdb/internal/room"
	"driftdb/internal/wire"
)

const roomIDLength = 24

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// TokenVerifier validates an admin bearer token, returning the
// subject it was issued to.
type TokenVerifier interface {
	Verify(token string) (*auth.TokenClaims, error)
}

// Registry is the subset of *room.Registry the HTTP layer depends on.
type Registry interface {
	Get(id string) *room.Room
}

// ReadinessProvider exposes service state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Rooms         Registry
	Readiness     ReadinessProvider
	UseHTTPS      bool
	AdminVerifier TokenVerifier
	NewRoomLimit  RateLimiter
	AdminLimit    RateLimiter
	TimeSource    func() time.Time
	RoomIDSource  func() (string, error)
}

// HandlerSet bundles DriftDB's HTTP handlers.
type HandlerSet struct {
	logger        *logging.Logger
	rooms         Registry
	readiness     ReadinessProvider
	useHTTPS      bool
	adminVerifier TokenVerifier
	newRoomLimit  RateLimiter
	adminLimit    RateLimiter
	now           func() time.Time
	newRoomID     func() (string, error)
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	newRoomID := opts.RoomIDSource
	if newRoomID == nil {
		newRoomID = randomRoomID
	}
	return &HandlerSet{
		logger:        logger,
		rooms:         opts.Rooms,
		readiness:     opts.Readiness,
		useHTTPS:      opts.UseHTTPS,
		adminVerifier: opts.AdminVerifier,
		newRoomLimit:  opts.NewRoomLimit,
		adminLimit:    opts.AdminLimit,
		now:           now,
		newRoomID:     newRoomID,
	}
}

// Register attaches all handlers to the provided mux. connectHandler
// upgrades a room's WebSocket subscribers and is supplied by the
// transport package, since HandlerSet has no knowledge of
// gorilla/websocket.
func (h *HandlerSet) Register(mux *http.ServeMux, connectHandler http.HandlerFunc) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/", h.RootHandler())
	mux.HandleFunc("/new", h.NewRoomHandler())
	mux.HandleFunc("/room/", h.RoomHandler(connectHandler))
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/rooms/", h.AdminCompactHandler())
}

// RootHandler answers the bare service banner at GET /.
func (h *HandlerSet) RootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		applyCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fmt.Fprint(w, "DriftDB service.")
	}
}

type roomResult struct {
	Room      string `json:"room"`
	SocketURL string `json:"socket_url"`
	HTTPURL   string `json:"http_url"`
}

// NewRoomHandler generates a fresh room ID and responds with its URLs.
func (h *HandlerSet) NewRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.newRoomLimit != nil && !h.newRoomLimit.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		id, err := h.newRoomID()
		if err != nil {
			h.logger.Error("room id generation failed", logging.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.writeRoomResult(w, r, id)
	}
}

// RoomHandler dispatches GET /room/:id (room URLs), GET
// /room/:id/connect (delegated to the transport-supplied
// connectHandler), and POST /room/:id/send, matching on method and the
// last path segment.
func (h *HandlerSet) RoomHandler(connectHandler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/room/")
		id, sub, hasSub := strings.Cut(rest, "/")
		if id == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !hasSub {
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h.writeRoomResult(w, r, id)
			return
		}
		switch sub {
		case "connect":
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if connectHandler == nil {
				http.Error(w, "websocket transport unavailable", http.StatusServiceUnavailable)
				return
			}
			connectHandler(w, r)
		case "send":
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h.sendOne(w, r, id)
		default:
			http.Error(w, "room command not found", http.StatusNotFound)
		}
	}
}

func (h *HandlerSet) sendOne(w http.ResponseWriter, r *http.Request, id string) {
	var msg wire.MessageToDatabase
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("could not decode message: %v", err), http.StatusBadRequest)
		return
	}
	rm := h.rooms.Get(id)
	resp, err := rm.SendMessage(r.Context(), msg)
	if err != nil {
		h.logger.Error("send failed", logging.String("room_id", id), logging.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HandlerSet) writeRoomResult(w http.ResponseWriter, r *http.Request, id string) {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		http.Error(w, "no Host header provided", http.StatusBadRequest)
		return
	}
	wsScheme, httpScheme := "ws", "http"
	if h.useHTTPS {
		wsScheme, httpScheme = "wss", "https"
	}
	writeJSON(w, http.StatusOK, roomResult{
		Room:      id,
		SocketURL: fmt.Sprintf("%s://%s/room/%s/connect", wsScheme, host, id),
		HTTPURL:   fmt.Sprintf("%s://%s/room/%s/send", httpScheme, host, id),
	})
}

func randomRoomID() (string, error) {
	buf := make([]byte, roomIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, roomIDLength)
	for i, b := range buf {
		out[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(out), nil
}

func applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports service readiness and uptime.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP driftdb_uptime_seconds Service uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE driftdb_uptime_seconds gauge\n")
		fmt.Fprintf(w, "driftdb_uptime_seconds %.0f\n", uptime)
	}
}

// AdminCompactHandler authorises and triggers a forced snapshot
// (compaction of the durable store to its current in-memory state) for
// one room, gated by an HMAC bearer token and a rate limiter.
func (h *HandlerSet) AdminCompactHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
		Room   string `json:"room"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "admin_compact"), logging.String("remote_addr", r.RemoteAddr))
		rest := strings.TrimPrefix(r.URL.Path, "/admin/rooms/")
		id, sub, hasSub := strings.Cut(rest, "/")
		if id == "" || !hasSub || sub != "compact" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminVerifier == nil {
			reqLogger.Warn("admin compact denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if _, err := h.adminVerifier.Verify(bearerToken(r)); err != nil {
			reqLogger.Warn("admin compact denied: unauthorized request", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.adminLimit != nil && !h.adminLimit.Allow() {
			reqLogger.Warn("admin compact denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		rm := h.rooms.Get(id)
		if err := rm.PersistIfDirty(r.Context()); err != nil {
			reqLogger.Error("admin compact failed", logging.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("admin compact triggered", logging.String("room_id", id))
		writeJSON(w, http.StatusOK, response{Status: "ok", Room: id})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
