package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"camrelay/internal/log"
)

// Lookup resolves the result channel of a session.
type Lookup interface {
	ResultChannel(sessionID string) (*Channel, bool)
}

// Handler upgrades result socket requests and binds them to the session's
// channel. Expected path: /ws/sessions/{id}/results
type Handler struct {
	lookup   Lookup
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a websocket handler. A nil checkOrigin allows all origins.
func NewHandler(lookup Lookup, checkOrigin func(*http.Request) bool, logger zerolog.Logger) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		lookup: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		path := strings.TrimPrefix(r.URL.Path, "/ws/sessions/")
		sessionID = strings.TrimSuffix(strings.TrimSuffix(path, "/"), "/results")
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	ch, ok := h.lookup.ResultChannel(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session "+sessionID+" not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("websocket upgrade failed")
		return
	}

	peer, err := ch.Attach(conn)
	if err != nil {
		return
	}
	h.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldRemoteAddr, r.RemoteAddr).
		Msg("result client connected")

	h.readPump(ch, peer)
}

// readPump consumes client frames until the connection ends. It only exists
// to process pongs and notice disconnects.
func (h *Handler) readPump(ch *Channel, peer *Peer) {
	defer ch.Detach(peer)

	pongWait := ch.cfg.PongWait
	conn := peer.conn
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure, CloseReplaced, CloseSessionEnded) {
				h.logger.Debug().Err(err).Str(log.FieldSessionID, ch.sessionID).Msg("result socket read error")
			}
			return
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
