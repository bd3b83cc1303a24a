package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	subscriberBuffer = 256
)

// Subscriber hands out a stream of order status changes
type Subscriber interface {
	Subscribe(buffer int) (<-chan contracts.StatusChange, func())
}

// EventsHandler streams order status changes over websocket
type EventsHandler struct {
	bus      Subscriber
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(bus Subscriber, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// operator console is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Stream upgrades the connection and forwards every status change as JSON.
// ?symbol= narrows the stream to one instrument.
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	symbol := r.URL.Query().Get("symbol")
	changes, cancel := h.bus.Subscribe(subscriberBuffer)

	log := h.logger.WithField("remote", r.RemoteAddr)
	log.Info("Event stream client connected")

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, changes, symbol, done)

	cancel()
	conn.Close()
	log.Info("Event stream client disconnected")
}

// readPump discards client frames and notices when the peer goes away
func (h *EventsHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, changes <-chan contracts.StatusChange, symbol string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case change, ok := <-changes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if symbol != "" && change.Order.Symbol != symbol {
				continue
			}
			if err := conn.WriteJSON(change); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
