// Package notify delivers fire-and-forget signals ("accounts-updated",
// "oauth-callback-received") to whatever UI layer is listening.
package notify

import (
	"time"

	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/zap"
)

// Event is a named signal with an optional payload
type Event struct {
	Name    string
	Payload string
	At      time.Time
}

// Sink receives events. Notify must not block the caller.
type Sink interface {
	Notify(event Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(event Event)

func (f SinkFunc) Notify(event Event) {
	f(event)
}

// New stamps an event with the current time
func New(name, payload string) Event {
	return Event{Name: name, Payload: payload, At: time.Now()}
}

// LogSink records event names. Payloads may carry secrets and are not logged.
type LogSink struct{}

func (LogSink) Notify(event Event) {
	logger.Info("Notification", zap.String("event", event.Name))
}

// ChannelSink buffers events for a consumer and drops them when the buffer is full
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Notify(event Event) {
	select {
	case s.events <- event:
	default:
		logger.Warn("Dropping notification, consumer is not keeping up", zap.String("event", event.Name))
	}
}

// Events returns the receive side of the buffer
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Multi fans an event out to every sink. A panicking sink is logged and skipped.
type Multi []Sink

func (m Multi) Notify(event Event) {
	for _, sink := range m {
		deliver(sink, event)
	}
}

func deliver(sink Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Notification sink panicked", zap.String("event", event.Name), zap.Any("panic", r))
		}
	}()
	sink.Notify(event)
}
