package logger

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStreamHook_EventBusIntegration(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(&strings.Builder{})

	eventBus := bus.NewEventBus(logrus.New())
	defer eventBus.Stop()

	receivedEvents := make([]bus.Event, 0)
	var mutex sync.Mutex
	eventBus.Subscribe(bus.EventLog, func(event bus.Event) {
		mutex.Lock()
		receivedEvents = append(receivedEvents, event)
		mutex.Unlock()
	})

	logger.AddHook(NewEventStreamHook(eventBus, "fabric-test", logrus.DebugLevel))

	count := func() int {
		mutex.Lock()
		defer mutex.Unlock()
		return len(receivedEvents)
	}

	t.Run("Untagged entries are not forwarded", func(t *testing.T) {
		logger.Info("process started")
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 0, count())
	})

	t.Run("Session tagged entry is forwarded", func(t *testing.T) {
		logger.WithFields(logrus.Fields{
			FieldSessionID: "sess-1",
			FieldAgentID:   "coder-1",
			"attempt":      2,
		}).Warn("sequence rejected")

		require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 10*time.Millisecond)

		mutex.Lock()
		defer mutex.Unlock()
		payload := receivedEvents[0].Payload
		assert.Equal(t, "warning", payload["level"])
		assert.Equal(t, "sess-1", payload["sessionId"])
		assert.Equal(t, "coder-1", payload["agentId"])
		assert.Equal(t, "fabric-test", payload["source"])
		assert.Equal(t, "sequence rejected [attempt=2]", payload["message"])
	})
}

func TestEventStreamHookLevels(t *testing.T) {
	hook := NewEventStreamHook(nil, "x", logrus.WarnLevel)
	assert.ElementsMatch(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, hook.Levels())
	assert.NoError(t, hook.Fire(logrus.NewEntry(logrus.New())))
}

func TestContextualLogger(t *testing.T) {
	baseLogger := logrus.New()
	baseLogger.SetLevel(logrus.DebugLevel)

	output := &strings.Builder{}
	baseLogger.SetOutput(output)
	baseLogger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})

	t.Run("Context is added to log entries", func(t *testing.T) {
		output.Reset()
		NewContextualLogger(baseLogger, "agent-7", "sess-9").Info("handshake complete")

		logOutput := output.String()
		assert.Contains(t, logOutput, "agentId=agent-7")
		assert.Contains(t, logOutput, "sessionId=sess-9")
		assert.Contains(t, logOutput, "handshake complete")
	})

	t.Run("WithSession keeps agent", func(t *testing.T) {
		output.Reset()
		NewContextualLogger(baseLogger, "agent-1", "").WithSession("sess-2").Warnf("retry %d", 3)

		logOutput := output.String()
		assert.Contains(t, logOutput, "agentId=agent-1")
		assert.Contains(t, logOutput, "sessionId=sess-2")
		assert.Contains(t, logOutput, "retry 3")
	})
}

func TestNewLogger(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	_, isJSON := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	l = New(Config{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	assert.Error(t, Config{Level: "loud"}.Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}
