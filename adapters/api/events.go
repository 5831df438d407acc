package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"fedreg/internal"

	"github.com/gin-gonic/gin"
)

// PhaseEvent reports one finished round to anyone watching the run.
type PhaseEvent struct {
	RunID     string    `json:"run_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Role      string    `json:"role"`
	Phase     string    `json:"phase,omitempty"`
	Success   bool      `json:"success"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	runID string
	ch    chan PhaseEvent
}

// EventHub fans phase events out to Server-Sent Events clients by run id.
type EventHub struct {
	clients    map[string]map[chan PhaseEvent]bool
	clientsMu  sync.RWMutex
	register   chan subscriber
	unregister chan subscriber
	broadcast  chan PhaseEvent
	done       chan struct{}
	closeOnce  sync.Once
	keepAlive  time.Duration
	logger     *internal.Logger
}

// NewEventHub starts a hub; call Close to stop it.
func NewEventHub(logger *internal.Logger) *EventHub {
	if logger == nil {
		logger = internal.Discard()
	}
	h := &EventHub{
		clients:    make(map[string]map[chan PhaseEvent]bool),
		register:   make(chan subscriber, 10),
		unregister: make(chan subscriber, 10),
		broadcast:  make(chan PhaseEvent, 100),
		done:       make(chan struct{}),
		keepAlive:  30 * time.Second,
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *EventHub) run() {
	for {
		select {
		case s := <-h.register:
			h.clientsMu.Lock()
			if h.clients[s.runID] == nil {
				h.clients[s.runID] = make(map[chan PhaseEvent]bool)
			}
			h.clients[s.runID][s.ch] = true
			h.logger.Debug("[events] client registered for run %s (total clients: %d)", s.runID, len(h.clients[s.runID]))
			h.clientsMu.Unlock()

		case s := <-h.unregister:
			h.clientsMu.Lock()
			if clients, ok := h.clients[s.runID]; ok && clients[s.ch] {
				delete(clients, s.ch)
				close(s.ch)
				if len(clients) == 0 {
					delete(h.clients, s.runID)
				}
			}
			h.clientsMu.Unlock()

		case ev := <-h.broadcast:
			h.clientsMu.RLock()
			for ch := range h.clients[ev.RunID] {
				select {
				case ch <- ev:
				default:
					h.logger.Warn("[events] client channel full for run %s, skipping event", ev.RunID)
				}
			}
			h.clientsMu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Subscribe registers a listener for runID. The returned func unsubscribes.
func (h *EventHub) Subscribe(runID string) (<-chan PhaseEvent, func()) {
	ch := make(chan PhaseEvent, 10)
	h.register <- subscriber{runID: runID, ch: ch}
	return ch, func() {
		select {
		case h.unregister <- subscriber{runID: runID, ch: ch}:
		case <-h.done:
		}
	}
}

// Broadcast queues an event; events without a run id are dropped.
func (h *EventHub) Broadcast(ev PhaseEvent) {
	if ev.RunID == "" {
		return
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("[events] broadcast channel full, dropping %s event for run %s", ev.Phase, ev.RunID)
	}
}

// ClientCount returns the number of listeners for runID
func (h *EventHub) ClientCount(runID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[runID])
}

// Close stops the hub.
func (h *EventHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// HandleSSE streams a run's phase events as Server-Sent Events.
func (h *EventHub) HandleSSE(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id parameter required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	events, unsubscribe := h.Subscribe(runID)
	defer unsubscribe()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("[events] failed to marshal event: %v", err)
				return true
			}
			c.SSEvent("phase", string(data))
			return true
		case <-time.After(h.keepAlive):
			c.SSEvent("ping", `{"status":"alive"}`)
			return true
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		}
	})
}
