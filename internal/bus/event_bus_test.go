package bus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestSubscribeAndPublish(t *testing.T) {
	eb := NewEventBus(quietLogger())
	defer eb.Stop()

	got := make(chan Event, 1)
	eb.Subscribe(EventDiscoveryInvalidate, func(e Event) { got <- e })

	eb.PublishDiscoveryInvalidated("coder-1", "ttl_expired")

	select {
	case e := <-got:
		assert.Equal(t, EventDiscoveryInvalidate, e.Type)
		assert.Equal(t, "coder-1", e.Payload["agentId"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	eb := NewEventBus(quietLogger())
	defer eb.Stop()

	hits := make(chan struct{}, 4)
	unsub := eb.Subscribe(EventLog, func(Event) { hits <- struct{}{} })
	unsub()

	marker := make(chan struct{}, 1)
	eb.Subscribe(EventLog, func(Event) { marker <- struct{}{} })
	eb.Publish(Event{Type: EventLog})

	select {
	case <-marker:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, hits, 0)
}

func TestPanickingHandlerDoesNotStopBus(t *testing.T) {
	eb := NewEventBus(quietLogger())
	defer eb.Stop()

	eb.Subscribe(EventSecurity, func(Event) { panic("boom") })
	ok := make(chan struct{}, 2)
	eb.Subscribe(EventSecurity, func(Event) { ok <- struct{}{} })

	eb.PublishSecurityEvent("replay_detected", "high", "a", nil)
	eb.PublishSecurityEvent("replay_detected", "high", "a", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-ok:
		case <-time.After(2 * time.Second):
			t.Fatal("handler starved after panic")
		}
	}
}

func TestPublishAfterStop(t *testing.T) {
	eb := NewEventBus(quietLogger())
	eb.Stop()
	eb.Stop()
	require.NotPanics(t, func() { eb.Publish(Event{Type: EventLog}) })
}
