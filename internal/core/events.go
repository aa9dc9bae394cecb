package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventProtectionStateChanged EventType = iota
	EventProtectionFailed
	EventRuleSaved
	EventRuleDeleted
	EventPackageChanged
	EventConfigReloaded
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// ProtectionStatePayload is the payload for EventProtectionStateChanged.
type ProtectionStatePayload struct {
	Session  string
	OldState string
	NewState string
	Blocked  int
}

// ProtectionFailedPayload is the payload for EventProtectionFailed.
type ProtectionFailedPayload struct {
	Session string
	Error   error
}

// RulePayload is the payload for rule-related events.
type RulePayload struct {
	Rule Rule
}

// PackageKind distinguishes install from uninstall notifications.
type PackageKind int

const (
	PackageAdded PackageKind = iota
	PackageRemoved
)

func (k PackageKind) String() string {
	if k == PackageRemoved {
		return "removed"
	}
	return "added"
}

// PackagePayload is the payload for EventPackageChanged.
type PackagePayload struct {
	Kind      PackageKind
	Identity  string
	Replacing bool
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
// A nil bus is a no-op.
func (eb *EventBus) Publish(e Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
