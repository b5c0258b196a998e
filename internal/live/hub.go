// Package live fans frames out to connected sessions grouped in rooms:
// one per user, per conversation and per tracked request.
package live

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Frame is one message on a live channel.
type Frame struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

const (
	FrameNotification   = "notification"
	FrameMessage        = "message"
	FrameTyping         = "typing"
	FrameRead           = "read"
	FrameLocationUpdate = "location_update"
	FrameTrackingInfo   = "tracking_info"
	FrameStatusUpdate   = "status_update"
	FrameError          = "error"
)

func UserRoom(userID string) string { return "user:" + userID }
func ConversationRoom(convID string) string { return "conversation:" + convID }
func RequestRoom(requestID string) string { return "request:" + requestID }

// Publisher is the write side of the hub used by engine components.
type Publisher interface {
	Publish(room string, f Frame) int
}

type Hub struct {
	buffer int
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name string

	mu          sync.Mutex
	subscribers map[string]chan Frame
	nextID      uint64
	dropped     uint64
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{buffer: buffer, logger: logger.With("component", "live"), rooms: map[string]*room{}}
}

// Subscribe joins name. The returned channel is closed when the room is
// closed; unsubscribe is safe to call more than once.
func (h *Hub) Subscribe(name string) (<-chan Frame, func()) {
	h.mu.Lock()
	rm, ok := h.rooms[name]
	if !ok {
		rm = &room{name: name, subscribers: map[string]chan Frame{}}
		h.rooms[name] = rm
	}
	ch := make(chan Frame, h.buffer)
	rm.mu.Lock()
	rm.nextID++
	subID := fmt.Sprintf("%s-%d", name, rm.nextID)
	rm.subscribers[subID] = ch
	rm.mu.Unlock()
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		rm.mu.Lock()
		if c, ok := rm.subscribers[subID]; ok {
			delete(rm.subscribers, subID)
			close(c)
		}
		empty := len(rm.subscribers) == 0
		rm.mu.Unlock()
		if empty && h.rooms[name] == rm {
			delete(h.rooms, name)
		}
	}
	return ch, unsubscribe
}

// Publish delivers f to every subscriber of name without blocking. Slow
// subscribers miss the frame. It returns the number of deliveries.
func (h *Hub) Publish(name string, f Frame) int {
	h.mu.Lock()
	rm, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	sent := 0
	for _, ch := range rm.subscribers {
		select {
		case ch <- f:
			sent++
		default:
			rm.dropped++
		}
	}
	return sent
}

// CloseRoom ends every subscription of name.
func (h *Hub) CloseRoom(name string) {
	h.mu.Lock()
	rm, ok := h.rooms[name]
	delete(h.rooms, name)
	h.mu.Unlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	for id, ch := range rm.subscribers {
		delete(rm.subscribers, id)
		close(ch)
	}
	rm.mu.Unlock()
	h.logger.Debug("room closed", "room", name)
}

// Members reports the subscriber count of name.
func (h *Hub) Members(name string) int {
	h.mu.Lock()
	rm, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.subscribers)
}

// Dropped reports how many frames slow subscribers of name missed.
func (h *Hub) Dropped(name string) uint64 {
	h.mu.Lock()
	rm, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.dropped
}
