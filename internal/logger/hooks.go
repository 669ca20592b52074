package logger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/sirupsen/logrus"
)

// Field names shared by every fabric component.
const (
	FieldAgentID   = "agentId"
	FieldPeerID    = "peerId"
	FieldSessionID = "sessionId"
	FieldConnID    = "connId"
)

// EventStreamHook forwards log entries tagged with an agent, session or
// connection onto the EventBus, where the WebSocket event stream picks them up.
type EventStreamHook struct {
	eventBus *bus.EventBus
	source   string
	minLevel logrus.Level
}

// NewEventStreamHook creates a hook. Entries less severe than minLevel are dropped.
func NewEventStreamHook(eventBus *bus.EventBus, source string, minLevel logrus.Level) *EventStreamHook {
	return &EventStreamHook{
		eventBus: eventBus,
		source:   source,
		minLevel: minLevel,
	}
}

// Levels returns the log levels this hook is interested in
func (h *EventStreamHook) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.minLevel {
			levels = append(levels, l)
		}
	}
	return levels
}

// Fire is called when a log event occurs
func (h *EventStreamHook) Fire(entry *logrus.Entry) error {
	if h.eventBus == nil {
		return nil
	}

	agentID, _ := entry.Data[FieldAgentID].(string)
	sessionID, _ := entry.Data[FieldSessionID].(string)
	connID, _ := entry.Data[FieldConnID].(string)

	// Untagged entries are process noise, not fabric activity.
	if agentID == "" && sessionID == "" && connID == "" {
		return nil
	}

	message := entry.Message
	var fieldParts []string
	for key, value := range entry.Data {
		switch key {
		case FieldAgentID, FieldSessionID, FieldConnID:
			continue
		}
		fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", key, value))
	}
	if len(fieldParts) > 0 {
		sort.Strings(fieldParts)
		message = fmt.Sprintf("%s [%s]", message, strings.Join(fieldParts, ", "))
	}

	h.eventBus.PublishAsync(bus.EventLog, map[string]interface{}{
		"level":     entry.Level.String(),
		"message":   message,
		"source":    h.source,
		"agentId":   agentID,
		"sessionId": sessionID,
		"connId":    connID,
		"timestamp": entry.Time.Format(time.RFC3339),
	})

	return nil
}

// ContextualLogger wraps a logger with agent and session context
type ContextualLogger struct {
	*logrus.Logger
	agentID   string
	sessionID string
}

// NewContextualLogger creates a new contextual logger
func NewContextualLogger(logger *logrus.Logger, agentID, sessionID string) *ContextualLogger {
	return &ContextualLogger{
		Logger:    OrDefault(logger),
		agentID:   agentID,
		sessionID: sessionID,
	}
}

// WithAgent adds agent context to log entries
func (l *ContextualLogger) WithAgent(agentID string) *ContextualLogger {
	return &ContextualLogger{Logger: l.Logger, agentID: agentID, sessionID: l.sessionID}
}

// WithSession adds session context to log entries
func (l *ContextualLogger) WithSession(sessionID string) *ContextualLogger {
	return &ContextualLogger{Logger: l.Logger, agentID: l.agentID, sessionID: sessionID}
}

// Entry returns a logrus entry carrying the context fields.
func (l *ContextualLogger) Entry() *logrus.Entry {
	fields := logrus.Fields{}
	if l.agentID != "" {
		fields[FieldAgentID] = l.agentID
	}
	if l.sessionID != "" {
		fields[FieldSessionID] = l.sessionID
	}
	return l.Logger.WithFields(fields)
}

func (l *ContextualLogger) Info(args ...interface{}) { l.Entry().Info(args...) }

func (l *ContextualLogger) Infof(format string, args ...interface{}) { l.Entry().Infof(format, args...) }

func (l *ContextualLogger) Debug(args ...interface{}) { l.Entry().Debug(args...) }

func (l *ContextualLogger) Debugf(format string, args ...interface{}) { l.Entry().Debugf(format, args...) }

func (l *ContextualLogger) Warn(args ...interface{}) { l.Entry().Warn(args...) }

func (l *ContextualLogger) Warnf(format string, args ...interface{}) { l.Entry().Warnf(format, args...) }

func (l *ContextualLogger) Error(args ...interface{}) { l.Entry().Error(args...) }

func (l *ContextualLogger) Errorf(format string, args ...interface{}) { l.Entry().Errorf(format, args...) }
