package skiff

import (
	"log/slog"
	"time"
)

type LogEvent interface {
	EventName() string
	Message() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

type baseEvent struct {
	addr      string
	EventTime time.Time
}

func newBaseEvent(addr string) baseEvent {
	return baseEvent{
		addr:      addr,
		EventTime: time.Now(),
	}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("component", "skiff.connection"),
		slog.Time("event_time", e.EventTime),
	}
	if e.addr != "" {
		attrs = append(attrs, slog.String("addr", e.addr))
	}
	return attrs
}

// ConnectionFailedEvent is reported when the network dial or the
// greeting exchange fails.
type ConnectionFailedEvent struct {
	baseEvent
	Error error
}

func (e ConnectionFailedEvent) EventName() string    { return "connection_failed" }
func (e ConnectionFailedEvent) Message() string      { return "Connection failed" }
func (e ConnectionFailedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ConnectionFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

// DisconnectedEvent is reported when an established connection breaks
// on a network read or write.
type DisconnectedEvent struct {
	baseEvent
	Error error
}

func (e DisconnectedEvent) EventName() string    { return "disconnected" }
func (e DisconnectedEvent) Message() string      { return "Connection broken" }
func (e DisconnectedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e DisconnectedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

// UnexpectedResponseIdEvent is reported when a reply's sync does not
// match the request it answers.
type UnexpectedResponseIdEvent struct {
	baseEvent
	RequestId  uint32
	ResponseId uint32
}

func (e UnexpectedResponseIdEvent) EventName() string    { return "unexpected_response_id" }
func (e UnexpectedResponseIdEvent) Message() string      { return "Unexpected response id" }
func (e UnexpectedResponseIdEvent) LogLevel() slog.Level { return slog.LevelError }
func (e UnexpectedResponseIdEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.Uint64("request_id", uint64(e.RequestId)),
		slog.Uint64("response_id", uint64(e.ResponseId)))
	return attrs
}
