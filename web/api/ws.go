package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventStoreUpdated announces that a run's program database changed
const EventStoreUpdated = "store_updated"

const (
	writeTimeout = 10 * time.Second
	clientBuffer = 64
)

// Event is one message pushed to websocket subscribers
type Event struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Data  any    `json:"data"`
}

type client struct {
	runID string // empty subscribes to every run
	send  chan Event
}

// Hub fans events out to websocket clients
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan Event, clientBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is canceled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.runID != "" && c.runID != ev.RunID {
					continue
				}
				select {
				case c.send <- ev:
				default:
					// slow client
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event; it is dropped once the hub stopped
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(runID string) (*client, bool) {
	c := &client{runID: runID, send: make(chan Event, clientBuffer)}
	select {
	case h.register <- c:
		return c, true
	case <-h.done:
		return nil, false
	}
}

func (h *Hub) unsubscribe(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// newUpgrader accepts the same origins as the CORS middleware. Requests
// without an Origin header come from non-browser clients and pass.
func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowed, origin)
		},
	}
}

// eventsHandler streams events of every run
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, "", nil)
}

// runEventsHandler streams events of one run, starting with its current status
func (s *Server) runEventsHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	view, err := s.runs.Status(r.Context(), runID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.serveEvents(w, r, runID, &Event{Type: "run_status", RunID: runID, Data: view})
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, runID string, first *Event) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c, ok := s.hub.subscribe(runID)
	if !ok {
		return
	}
	defer s.hub.unsubscribe(c)

	// Reader detects the peer closing the connection
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if first != nil {
		if err := writeEvent(conn, *first); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}
