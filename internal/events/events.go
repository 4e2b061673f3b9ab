// Package events publishes crawler lifecycle transitions so other systems can
// follow what operators do to running crawls.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/registry"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "crawlsched-lifecycle"

// Publisher sends a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) (string, error) { return "", nil }

// Event is one lifecycle transition.
type Event struct {
	ID      string         `json:"id"`
	Crawler string         `json:"crawler"`
	From    registry.State `json:"from"`
	To      registry.State `json:"to"`
	Command string         `json:"command"`
	Reseed  bool           `json:"reseed,omitempty"`
	At      time.Time      `json:"at"`
}

// Emitter turns registry transitions into published events.
type Emitter struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

// NewEmitter builds an Emitter. A nil publisher discards events.
func NewEmitter(pub Publisher, topic string, logger *zap.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{pub: pub, topic: topic, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Transition publishes tr when it changed state or requested a reseed.
// Publish failures are logged and never block the caller's command.
func (e *Emitter) Transition(ctx context.Context, command string, tr registry.Transition) {
	if !tr.Changed && !tr.Reseed {
		return
	}
	ev := Event{
		ID:      uuid.NewString(),
		Crawler: tr.Name,
		From:    tr.From,
		To:      tr.To,
		Command: command,
		Reseed:  tr.Reseed,
		At:      e.now(),
	}
	if _, err := e.pub.Publish(ctx, e.topic, ev); err != nil {
		e.logger.Warn("publish lifecycle event failed",
			zap.String("crawler", tr.Name), zap.String("command", command), zap.Error(err))
	}
}
