package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventSecurity           EventType = "securityEvent"
	EventSessionEstablished EventType = "sessionEstablished"
	EventSessionRevoked     EventType = "sessionRevoked"
	EventTrustLowered       EventType = "trustLowered"

	EventAgentRegistered     EventType = "agentRegistered"
	EventAgentUnregistered   EventType = "agentUnregistered"
	EventAgentStatusChanged  EventType = "agentStatusChanged"
	EventDiscoveryInvalidate EventType = "discovery.invalidated"

	EventConnectionOpened EventType = "connectionOpened"
	EventConnectionClosed EventType = "connectionClosed"

	EventBridgeTranslation EventType = "bridgeTranslation"

	EventLog EventType = "log"
)

// AllEventTypes lists every type SubscribeAll attaches to.
var AllEventTypes = []EventType{
	EventSecurity,
	EventSessionEstablished,
	EventSessionRevoked,
	EventTrustLowered,
	EventAgentRegistered,
	EventAgentUnregistered,
	EventAgentStatusChanged,
	EventDiscoveryInvalidate,
	EventConnectionOpened,
	EventConnectionClosed,
	EventBridgeTranslation,
	EventLog,
}

type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

type EventHandler func(event Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]subscription
	nextID    uint64
	logger    *logrus.Logger
	eventChan chan Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	stopped   atomic.Bool
}

func NewEventBus(logger *logrus.Logger) *EventBus {
	if logger == nil {
		logger = logrus.New()
	}
	eb := &EventBus{
		handlers:  make(map[EventType][]subscription),
		logger:    logger,
		eventChan: make(chan Event, 256),
		stopChan:  make(chan struct{}),
	}

	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType and returns a function removing it.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	eb.logger.Debugf("Handler subscribed to event type: %s", eventType)

	return func() { eb.unsubscribe(id) }
}

func (eb *EventBus) SubscribeAll(handler EventHandler) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, eventType := range AllEventTypes {
		unsubs = append(unsubs, eb.Subscribe(eventType, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for t, subs := range eb.handlers {
		for i, s := range subs {
			if s.id == id {
				eb.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (eb *EventBus) Publish(event Event) {
	if eb.stopped.Load() {
		return
	}
	select {
	case eb.eventChan <- event:
		eb.logger.Debugf("Event published: %s", event.Type)
	case <-eb.stopChan:
	default:
		eb.logger.Warnf("Event channel full, dropping event: %s", event.Type)
	}
}

func (eb *EventBus) PublishAsync(eventType EventType, payload map[string]interface{}) {
	go func() {
		eb.Publish(Event{
			Type:    eventType,
			Payload: payload,
		})
	}()
}

func (eb *EventBus) processEvents() {
	for {
		select {
		case event := <-eb.eventChan:
			eb.handleEvent(event)
		case <-eb.stopChan:
			eb.logger.Debug("EventBus stopped")
			return
		}
	}
}

func (eb *EventBus) handleEvent(event Event) {
	eb.mu.RLock()
	subs := append([]subscription(nil), eb.handlers[event.Type]...)
	eb.mu.RUnlock()

	for _, s := range subs {
		// Run each handler in a goroutine to prevent blocking
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Errorf("Panic in event handler for %s: %v", event.Type, r)
				}
			}()
			h(event)
		}(s.handler)
	}
}

// Stop terminates delivery. Publishing after Stop is a no-op.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.stopped.Store(true)
		close(eb.stopChan)
	})
}

// PublishSecurityEvent publishes a signed audit event
func (eb *EventBus) PublishSecurityEvent(eventType, severity, agentID string, details map[string]interface{}) {
	eb.Publish(Event{
		Type: EventSecurity,
		Payload: map[string]interface{}{
			"eventType": eventType,
			"severity":  severity,
			"agentId":   agentID,
			"details":   details,
		},
	})
}

// PublishDiscoveryInvalidated announces that an agent card is gone
func (eb *EventBus) PublishDiscoveryInvalidated(agentID, reason string) {
	eb.Publish(Event{
		Type: EventDiscoveryInvalidate,
		Payload: map[string]interface{}{
			"agentId": agentID,
			"reason":  reason,
		},
	})
}

func (eb *EventBus) PublishSessionRevoked(sessionID, agentID, peerID, reason string) {
	eb.Publish(Event{
		Type: EventSessionRevoked,
		Payload: map[string]interface{}{
			"sessionId": sessionID,
			"agentId":   agentID,
			"peerId":    peerID,
			"reason":    reason,
		},
	})
}

func (eb *EventBus) PublishConnection(eventType EventType, connID, agentID, protocol string) {
	eb.Publish(Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"connectionId": connID,
			"agentId":      agentID,
			"protocol":     protocol,
		},
	})
}
