package mock

import (
	"context"
	"sync"

	"ledger-engine/pkg/notify"
)

// Notifier records published events for assertions.
type Notifier struct {
	PublishFunc func(ctx context.Context, event notify.Event) error

	mu     sync.Mutex
	events []notify.Event
	closed bool
}

func (n *Notifier) Publish(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()

	if n.PublishFunc != nil {
		return n.PublishFunc(ctx, event)
	}
	return nil
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (n *Notifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// Closed reports whether Close was called.
func (n *Notifier) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

var _ notify.Notifier = (*Notifier)(nil)
