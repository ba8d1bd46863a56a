// ABOUTME: Fanout notifier delivering persisted-message events to local subscribers and external sinks
// ABOUTME: Every delivery is best-effort; failures are logged, counted and joined into one error

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/wabridge/internal/conversation"
)

// LocalSink names in-process delivery (WebSocket, SSE and gRPC subscribers).
const LocalSink = "local"

// DefaultSinkTimeout bounds a single external sink publish.
const DefaultSinkTimeout = 5 * time.Second

// Sink is an external destination for new-message events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event *conversation.NewMessageEvent) error
	Close() error
}

// PublishObserver records per-sink publish results.
type PublishObserver interface {
	RealtimePublish(sink string, err error)
}

// Envelope is the wire shape pushed to realtime clients.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Fanout implements bridge.Notifier over an EventBroadcaster plus any
// number of external sinks.
type Fanout struct {
	broadcaster *conversation.EventBroadcaster
	sinks       []Sink
	observer    PublishObserver
	timeout     time.Duration
	logger      *slog.Logger
}

// NewFanout creates a Fanout. broadcaster may be nil when only external
// sinks are wanted.
func NewFanout(broadcaster *conversation.EventBroadcaster, logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		broadcaster: broadcaster,
		sinks:       sinks,
		timeout:     DefaultSinkTimeout,
		logger:      logger.With("component", "fanout"),
	}
}

// SetObserver installs a publish observer. Call before the first Publish.
func (f *Fanout) SetObserver(o PublishObserver) {
	f.observer = o
}

// Sinks returns the names of the configured external sinks.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish delivers event to local subscribers and then to each sink in turn.
// A failing sink does not stop later ones.
func (f *Fanout) Publish(ctx context.Context, topic string, event *conversation.NewMessageEvent) error {
	var errs []error

	if f.broadcaster != nil {
		err := f.broadcaster.Publish(ctx, topic, event)
		f.record(LocalSink, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", LocalSink, err))
		}
	}

	for _, s := range f.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Publish(sinkCtx, event)
		cancel()

		f.record(s.Name(), err)
		if err != nil {
			f.logger.Warn("sink publish failed",
				"sink", s.Name(),
				"message_id", event.MessageID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (f *Fanout) record(sink string, err error) {
	if f.observer != nil {
		f.observer.RealtimePublish(sink, err)
	}
}

// Close closes every sink. The broadcaster is owned by the caller.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
