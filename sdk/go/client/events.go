package client

import (
	"time"

	"github.com/zeusync/scenesync/internal/core/observability/log"
)

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeReconnecting EventType = "reconnecting"
	EventTypeError        EventType = "error"
	// EventTypeSnapshot fires when a replica is replaced by a snapshot.
	EventTypeSnapshot EventType = "snapshot"
	// EventTypeChanged fires when edits were applied to a replica.
	EventTypeChanged      EventType = "changed"
	EventTypeDependencies EventType = "dependencies"
)

// Event represents a client event
type Event struct {
	Type      EventType
	AssetID   string
	Revision  uint64
	Added     []string
	Removed   []string
	Timestamp time.Time
	Error     error
}

// OnEvent registers an event handler for a specific event type. Handlers run
// on their own goroutine.
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()

	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
	c.logger.Debug("Event handler registered", log.String("type", string(eventType)))
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			if err := h(event); err != nil {
				c.logger.Error("Event handler error", log.Error(err))
			}
		}(handler)
	}
}
