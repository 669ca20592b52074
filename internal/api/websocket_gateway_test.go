package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/bus"
)

func startGateway(t *testing.T) (*EventStreamGateway, *bus.EventBus, string) {
	t.Helper()
	eventBus := bus.NewEventBus(quietLogger())
	gateway := NewEventStreamGateway(eventBus, nil, quietLogger())

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws/events", gateway.handleWebSocket)
	server := httptest.NewServer(engine)
	t.Cleanup(func() {
		server.Close()
		gateway.Close()
		eventBus.Stop()
	})
	return gateway, eventBus, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events"
}

func dial(t *testing.T, gateway *EventStreamGateway, url string) *websocket.Conn {
	t.Helper()
	before := gateway.Clients()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool { return gateway.Clients() == before+1 }, 2*time.Second, 10*time.Millisecond)
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestEventStreamBroadcastsBusEvents(t *testing.T) {
	gateway, eventBus, url := startGateway(t)
	ws := dial(t, gateway, url)

	eventBus.PublishSecurityEvent("ReplayDetected", "high", "agent-1", map[string]interface{}{"nonce": "abc"})

	msg := readMessage(t, ws)
	assert.Equal(t, bus.EventSecurity, msg.Type)
	assert.Equal(t, "agent-1", msg.Payload["agentId"])
	assert.NotZero(t, msg.Timestamp)
}

func TestEventStreamQueryFilter(t *testing.T) {
	gateway, eventBus, url := startGateway(t)
	ws := dial(t, gateway, url+"?event=agentRegistered")

	eventBus.Publish(bus.Event{Type: bus.EventConnectionOpened, Payload: map[string]interface{}{"connectionId": "c1"}})
	eventBus.Publish(bus.Event{Type: bus.EventAgentRegistered, Payload: map[string]interface{}{"agentId": "a1"}})

	msg := readMessage(t, ws)
	assert.Equal(t, bus.EventAgentRegistered, msg.Type)
	assert.Equal(t, "a1", msg.Payload["agentId"])
}

func TestEventStreamSubscribeMessage(t *testing.T) {
	gateway, eventBus, url := startGateway(t)
	ws := dial(t, gateway, url)

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":    "SUBSCRIBE",
		"payload": map[string]interface{}{"events": []string{"log"}},
	}))
	// messages are handled in order, so the pong confirms the filter is set
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "PING"}))
	assert.Equal(t, bus.EventType("pong"), readMessage(t, ws).Type)

	eventBus.Publish(bus.Event{Type: bus.EventAgentRegistered, Payload: map[string]interface{}{"agentId": "a1"}})
	eventBus.Publish(bus.Event{Type: bus.EventLog, Payload: map[string]interface{}{"message": "hello"}})

	msg := readMessage(t, ws)
	assert.Equal(t, bus.EventLog, msg.Type)
	assert.Equal(t, "hello", msg.Payload["message"])
}

func TestEventStreamCloseDisconnectsClients(t *testing.T) {
	gateway, _, url := startGateway(t)
	ws := dial(t, gateway, url)

	gateway.Close()
	require.Eventually(t, func() bool { return gateway.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://console.example"})

	req := httptest.NewRequest("GET", "/ws/events", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://console.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
