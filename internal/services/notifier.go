package services

import (
	"context"
	"sync"

	"coach-chat-service/internal/models"
)

// Notifier receives conversation events after commit. The core never
// waits on delivery.
type Notifier interface {
	Notify(ctx context.Context, event models.ChatEvent)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.ChatEvent) {}

// MultiNotifier fans an event out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event models.ChatEvent) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

// publish queues events for delivery after commit. Delivery happens on a
// single worker so subscribers observe events in commit order.
func (s *Service) publish(ctx context.Context, events ...models.ChatEvent) {
	if len(events) == 0 {
		return
	}
	s.events.enqueue(context.WithoutCancel(ctx), events)
}

type pendingEvent struct {
	ctx   context.Context
	event models.ChatEvent
}

// dispatcher is an unbounded FIFO drained by one goroutine. Enqueue never
// blocks the caller.
type dispatcher struct {
	notifier Notifier
	mu       sync.Mutex
	queue    []pendingEvent
	closed   bool
	wake     chan struct{}
	stopped  chan struct{}
}

func newDispatcher(n Notifier) *dispatcher {
	d := &dispatcher{
		notifier: n,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(ctx context.Context, events []models.ChatEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	for _, event := range events {
		d.queue = append(d.queue, pendingEvent{ctx: ctx, event: event})
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, p := range batch {
			d.notifier.Notify(p.ctx, p.event)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// close delivers what is queued and stops the worker.
func (d *dispatcher) close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	<-d.stopped
}

func statusEvent(conv models.Conversation) models.ChatEvent {
	return models.ChatEvent{Type: models.EventStatus, ConversationID: conv.ID, Conversation: &conv}
}
