package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Flight plans with full routes
	// and ATC lists are large.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The plugin is a native client and sends no Origin.
		return true
	},
}

// Handler accepts plugin WebSocket connections and pumps frames between the
// socket and the relay service.
type Handler struct {
	service *Service
}

// NewHandler creates a plugin connection handler for service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// HandleConnection upgrades the request and starts the read and write pumps.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	pc := NewPluginConn(conn)
	h.service.PluginOpened(pc)
	log.Info().
		Str("conn", pc.ID()).
		Str("remote", r.RemoteAddr).
		Str("path", r.URL.Path).
		Msg("plugin connection accepted")

	go h.writePump(pc)
	go h.readPump(pc)
	return nil
}

// readPump processes frames in arrival order until the socket fails.
func (h *Handler) readPump(pc *PluginConn) {
	defer func() {
		h.service.PluginClosed(pc)
		pc.Close()
		pc.conn.Close()
	}()

	pc.conn.SetReadLimit(maxMessageSize)
	pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn", pc.ID()).Str("code", pc.Code()).Msg("plugin socket error")
			}
			return
		}
		// Any traffic proves liveness, including the plugin's own pings.
		pc.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.service.HandleFrame(pc, message)
	}
}

// writePump drains the plugin's send queue onto the socket.
func (h *Handler) writePump(pc *PluginConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		pc.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-pc.SendChan():
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				pc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := pc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				pc.Close()
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				pc.Close()
				return
			}
		}
	}
}
