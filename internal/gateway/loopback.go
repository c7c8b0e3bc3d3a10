package gateway

import (
	"context"

	"github.com/stagebid/stagebid/internal/events"
)

// LoopbackPublisher feeds outbox events straight into the connection
// manager, bypassing the message bus. Used for single-node runs and
// tests where NATS adds nothing.
type LoopbackPublisher struct {
	cm *ConnectionManager
}

func NewLoopbackPublisher(cm *ConnectionManager) *LoopbackPublisher {
	return &LoopbackPublisher{cm: cm}
}

func (p *LoopbackPublisher) Publish(ctx context.Context, event events.Event) error {
	p.cm.Dispatch(event)
	return nil
}
