package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vovakirdan/voicechat/internal/proto"
)

// Handler receives the payload of an application envelope.
type Handler func(data json.RawMessage) error

// HandlerID identifies a registered handler for OffMessage.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Handlers maps event types to registered application callbacks.
type Handlers struct {
	mu     sync.RWMutex
	byType map[proto.EventType]map[HandlerID]Handler
	nextID HandlerID
}

// NewHandlers creates an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{byType: make(map[proto.EventType]map[HandlerID]Handler)}
}

// Add registers fn for t and returns its id.
func (h *Handlers) Add(t proto.EventType, fn Handler) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	set, ok := h.byType[t]
	if !ok {
		set = make(map[HandlerID]Handler)
		h.byType[t] = set
	}
	set[id] = fn
	return id
}

// Remove unregisters the given ids for t. With no ids, every handler of t is removed.
func (h *Handlers) Remove(t proto.EventType, ids ...HandlerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(ids) == 0 {
		delete(h.byType, t)
		return
	}
	set := h.byType[t]
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(h.byType, t)
	}
}

// Count returns the number of handlers registered for t.
func (h *Handlers) Count(t proto.EventType) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byType[t])
}

// snapshot returns the handlers of t in registration order.
func (h *Handlers) snapshot(t proto.EventType) []handlerEntry {
	h.mu.RLock()
	set := h.byType[t]
	out := make([]handlerEntry, 0, len(set))
	for id, fn := range set {
		out = append(out, handlerEntry{id: id, fn: fn})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// invoke runs one handler, turning a panic into an error.
func invoke(fn Handler, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(data)
}
