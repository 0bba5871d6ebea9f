package registryapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

// streamHub broadcasts newly created RFPs to websocket subscribers, so a
// provider can react to matching work the moment it is published instead of
// waiting for its next poll tick. Polling /rfp/open keeps working; the stream
// is an addition, not a replacement.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	logger  *slog.Logger
}

type streamClient struct {
	conn      *websocket.Conn
	send      chan []byte
	taskTypes map[string]struct{} // empty = all task types
}

// maxStreamClients bounds concurrent websocket subscribers.
const maxStreamClients = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

func newStreamHub(logger *slog.Logger) *streamHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamHub{
		clients: make(map[*streamClient]struct{}),
		logger:  logger,
	}
}

// rfpEvent is the wire format pushed to stream subscribers.
type rfpEvent struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	RFP       *marketplace.RFP `json:"rfp"`
}

// publish fans a new RFP out to every subscriber whose task-type filter
// matches. A subscriber whose send buffer is full misses the event rather
// than blocking the publisher; it stays subscribed.
func (h *streamHub) publish(rfp *marketplace.RFP) {
	payload, err := json.Marshal(rfpEvent{Type: "rfp_created", Timestamp: time.Now(), RFP: rfp})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if len(c.taskTypes) > 0 {
			if _, ok := c.taskTypes[rfp.TaskType]; !ok {
				continue
			}
		}
		select {
		case c.send <- payload:
		default:
			// Buffer full: this event is skipped for this subscriber.
		}
	}
}

func (h *streamHub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxStreamClients {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *streamHub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// serveWS upgrades the request and pumps RFP events until the client
// disconnects. Query param task_types (csv) filters the feed.
func (h *streamHub) serveWS(w http.ResponseWriter, r *http.Request, taskTypes []string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream: websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		conn:      conn,
		send:      make(chan []byte, 64),
		taskTypes: make(map[string]struct{}, len(taskTypes)),
	}
	for _, t := range taskTypes {
		client.taskTypes[t] = struct{}{}
	}

	if !h.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go client.writePump(h)
	go client.readPump(h)
}

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
)

func (c *streamClient) writePump(h *streamHub) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is detecting disconnects and
// answering pings.
func (c *streamClient) readPump(h *streamHub) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
