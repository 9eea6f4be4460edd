package natsbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
)

// Envelope is the JSON payload published for every event.
type Envelope struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Subject returns the subject an event type is published on, e.g.
// "swarm.events.task.assigned".
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// Bridge publishes bus events to NATS.
type Bridge struct {
	client *Client
	prefix string
	logger *slog.Logger
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(client *Client, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{client: client, prefix: prefix, logger: logging.OrDiscard(logger)}
}

// Run publishes every event from ch until ctx is cancelled or ch is closed.
// Publish failures are logged and do not stop the bridge.
func (b *Bridge) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return b.client.Flush()
		case ev, ok := <-ch:
			if !ok {
				return b.client.Flush()
			}
			if err := b.Publish(ev); err != nil {
				b.logger.Warn("publish event", "type", ev.EventType(), "error", err)
			}
		}
	}
}

// Publish sends one event.
func (b *Bridge) Publish(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.PublishJSON(Subject(b.prefix, ev.EventType()), Envelope{
		Type:    ev.EventType(),
		TaskID:  ev.TaskID(),
		AgentID: ev.AgentID(),
		Data:    data,
	})
}
