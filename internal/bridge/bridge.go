// ABOUTME: Bridge wires the directory, resolver, ledger and notifier into the two pipelines
// ABOUTME: Holds the business identity and the collaborators shared by Ingest and Dispatch

package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/wabridge/internal/conversation"
	"github.com/2389/wabridge/internal/identity"
	"github.com/2389/wabridge/internal/store"
)

// Notifier publishes realtime events. Delivery is best-effort; a returned
// error is logged and never fails the pipeline.
type Notifier interface {
	Publish(ctx context.Context, topic string, event *conversation.NewMessageEvent) error
}

// Sender delivers an outbound text message through the provider and returns
// the provider's message ID when it has one.
type Sender interface {
	Send(ctx context.Context, recipient, content string) (string, error)
}

// Observer receives pipeline outcomes for metrics. All methods must be safe
// for concurrent use.
type Observer interface {
	IngestOutcome(state State, duplicate bool)
	DispatchOutcome(result string)
	StepDuration(step string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) IngestOutcome(State, bool) {}
func (noopObserver) DispatchOutcome(string) {}
func (noopObserver) StepDuration(string, time.Duration) {}

// Options configures a Bridge.
type Options struct {
	// BusinessNumber is the business/agent identity used for dispatch.
	BusinessNumber string
	// BusinessName is stored as the business user's display name.
	BusinessName string

	Logger   *slog.Logger
	Observer Observer
}

// Bridge runs the ingestion and dispatch pipelines.
type Bridge struct {
	directory *conversation.Directory
	resolver  *conversation.Resolver
	ledger    *conversation.Ledger
	notifier  Notifier
	sender    Sender
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	businessKey  string
	businessName string
}

// New creates a Bridge over s. sender may be nil when only ingestion is used.
func New(s store.Store, sender Sender, notifier Notifier, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	return &Bridge{
		directory:    conversation.NewDirectory(s, logger),
		resolver:     conversation.NewResolver(s, logger),
		ledger:       conversation.NewLedger(s, logger),
		notifier:     notifier,
		sender:       sender,
		observer:     observer,
		logger:       logger.With("component", "bridge"),
		now:          time.Now,
		businessKey:  identity.Normalize(opts.BusinessNumber),
		businessName: opts.BusinessName,
	}
}

// BusinessKey returns the normalized business identity.
func (b *Bridge) BusinessKey() string {
	return b.businessKey
}

// Ledger exposes the message ledger for read APIs.
func (b *Bridge) Ledger() *conversation.Ledger {
	return b.ledger
}

// Directory exposes the user directory for read APIs.
func (b *Bridge) Directory() *conversation.Directory {
	return b.directory
}

// publish notifies subscribers and reports whether the notifier accepted it.
func (b *Bridge) publish(ctx context.Context, event *conversation.NewMessageEvent) bool {
	if b.notifier == nil {
		return false
	}
	if err := b.notifier.Publish(ctx, conversation.TopicNewMessage, event); err != nil {
		b.logger.Warn("realtime publish failed", "message_id", event.MessageID, "error", err)
		return false
	}
	return true
}

// timed runs fn and reports its duration under step.
func (b *Bridge) timed(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	b.observer.StepDuration(step, time.Since(start))
	return err
}
