// Package notify publishes job lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// Notifier delivers terminal job events. Delivery is best effort; callers log
// failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, event models.JobEvent) error
	Close()
}

// NATSNotifier publishes events as JSON on <prefix>.<status>.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with indefinite reconnects.
func Connect(url, prefix string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("batchsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSNotifier{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event with the given status is published on.
func (n *NATSNotifier) Subject(status string) string {
	return n.prefix + "." + status
}

func (n *NATSNotifier) Notify(_ context.Context, event models.JobEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}
	if err := n.nc.Publish(n.Subject(event.Status), b); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}

// Noop discards events. It is used when no NATS URL is configured.
type Noop struct{}

func (Noop) Notify(context.Context, models.JobEvent) error { return nil }
func (Noop) Close()                                        {}

var (
	_ Notifier = (*NATSNotifier)(nil)
	_ Notifier = Noop{}
)
