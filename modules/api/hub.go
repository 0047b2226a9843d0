package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
	"quel-tryon-client/modules/jobcache"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Feed - change stream the hub relays, see jobcache.Store
type Feed interface {
	Subscribe(fn func(jobcache.Event)) func()
	List(kind model.JobKind) []*model.GenerationJob
}

// Message - one websocket frame in either direction
type Message struct {
	Type    string                 `json:"type"`
	JobID   string                 `json:"job_id,omitempty"`
	Kind    model.JobKind          `json:"kind,omitempty"`
	Job     *model.GenerationJob   `json:"job,omitempty"`
	Jobs    []*model.GenerationJob `json:"jobs,omitempty"`
	Clients int                    `json:"clients,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// HubMetrics - connection counters for /metrics
type HubMetrics struct {
	Clients          int       `json:"clients"`
	TotalConnections int       `json:"total_connections"`
	Broadcasts       int       `json:"broadcasts"`
	StartTime        time.Time `json:"start_time"`
}

// Hub - pushes every cache change to connected websocket clients
type Hub struct {
	feed        Feed
	unsubscribe func()
	upgrader    websocket.Upgrader
	log         zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	metrics HubMetrics
}

// NewHub starts relaying feed events right away; Run stops it.
func NewHub(feed Feed, log zerolog.Logger) *Hub {
	h := &Hub{
		feed: feed,
		upgrader: websocket.Upgrader{
			// the UI is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logger.Component(log, "hub"),
		clients: make(map[*client]struct{}),
		metrics: HubMetrics{StartTime: time.Now()},
	}
	h.unsubscribe = feed.Subscribe(h.broadcast)
	return h
}

// Run blocks until ctx is done, then detaches from the feed and disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.unsubscribe()

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.metrics.Clients = 0
	h.mu.Unlock()
	h.log.Info().Msg("[Hub] stopped")
}

func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metrics
}

func (h *Hub) broadcast(ev jobcache.Event) {
	msg := Message{Type: "job_" + string(ev.Type), JobID: ev.JobID, Job: ev.Job}
	if ev.Job != nil {
		msg.Kind = ev.Job.Kind
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("[Hub] failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics.Broadcasts++
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// slow reader, drop it
			h.dropLocked(c)
		}
	}
}

func (h *Hub) register(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.metrics.TotalConnections++
	h.metrics.Clients = len(h.clients)
	return len(h.clients)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	close(c.send)
	delete(h.clients, c)
	h.metrics.Clients = len(h.clients)
}

func (h *Hub) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWS upgrades the request and streams cache events to the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("[Hub] websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	count := h.register(c)
	h.log.Info().Int("clients", count).Msg("[Hub] client connected")
	h.sendTo(c, Message{Type: "connected", Clients: count})

	go h.writePump(c)
	go h.readPump(c)
}

// readPump answers snapshot requests and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Msg("[Hub] websocket read error")
			}
			return
		}

		switch msg.Type {
		case "snapshot":
			kind, err := model.ParseKind(string(msg.Kind))
			if err != nil {
				h.sendTo(c, Message{Type: "error", Error: err.Error()})
				continue
			}
			h.sendTo(c, Message{Type: "snapshot", Kind: kind, Jobs: h.feed.List(kind)})
		case "ping":
			h.sendTo(c, Message{Type: "pong"})
		default:
			h.log.Debug().Str("type", msg.Type).Msg("[Hub] ignored client message")
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.Warn().Err(err).Msg("[Hub] websocket write error")
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
