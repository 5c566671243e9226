package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"mediaflow/internal/logging"
)

type memoryMessage struct {
	id         string
	body       []byte
	deliveries int
}

type memoryQueue struct {
	ready      []*memoryMessage
	unacked    map[string]*memoryMessage
	deadLetter []*memoryMessage
	notify     chan struct{}
}

// MemoryBroker is an in-process broker. Messages survive consumer restarts
// but not the process.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
	done   chan struct{}
	failFn func(queue string) error
}

// NewMemory returns an empty in-process broker.
func NewMemory() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memoryQueue),
		done:   make(chan struct{}),
	}
}

// FailPublish makes Publish return the error produced by fn for matching
// queues. A nil fn restores normal behaviour. Used to simulate outages.
func (b *MemoryBroker) FailPublish(fn func(queue string) error) {
	b.mu.Lock()
	b.failFn = fn
	b.mu.Unlock()
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{unacked: make(map[string]*memoryMessage), notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// wake must be called with b.mu held.
func (q *memoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (b *MemoryBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish enqueues a copy of msg.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return unavailable("publish", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return unavailable("publish", ErrClosed)
	}
	if b.failFn != nil {
		if err := b.failFn(queue); err != nil {
			return unavailable("publish", err)
		}
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	q := b.queue(queue)
	q.ready = append(q.ready, &memoryMessage{id: id, body: body})
	q.wake()
	return nil
}

// Consume delivers messages until ctx is done.
func (b *MemoryBroker) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	logger := logging.NewNop()
	return runConsumer(ctx, logger, opts.prefetch(), 0, func(ctx context.Context) (*Delivery, error) {
		return b.receive(ctx, queue)
	}, handler)
}

func (b *MemoryBroker) receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(queue)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			msg.deliveries++
			token := uuid.NewString()
			q.unacked[token] = msg
			b.mu.Unlock()
			return newDelivery(queue, msg.id, msg.body, msg.deliveries,
				func() error { return b.settle(queue, token, settleAck) },
				func(requeue bool) error {
					if requeue {
						return b.settle(queue, token, settleRequeue)
					}
					return b.settle(queue, token, settleDeadLetter)
				},
			), nil
		}
		notify := q.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-notify:
		}
	}
}

type settleMode int

const (
	settleAck settleMode = iota
	settleRequeue
	settleDeadLetter
)

func (b *MemoryBroker) settle(queue, token string, mode settleMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	msg, ok := q.unacked[token]
	if !ok {
		return nil
	}
	delete(q.unacked, token)
	switch mode {
	case settleRequeue:
		q.ready = append(q.ready, msg)
		q.wake()
	case settleDeadLetter:
		q.deadLetter = append(q.deadLetter, msg)
	}
	return nil
}

// Depth returns the number of ready and unacked messages on queue.
func (b *MemoryBroker) Depth(queue string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return len(q.ready), len(q.unacked)
}

// DeadLetters returns the bodies dead-lettered on queue.
func (b *MemoryBroker) DeadLetters(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	out := make([][]byte, 0, len(q.deadLetter))
	for _, msg := range q.deadLetter {
		out = append(out, msg.body)
	}
	return out
}

// Drain removes and returns every ready message on queue without delivering
// it. Tests use it to step a pipeline by hand.
func (b *MemoryBroker) Drain(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	out := make([][]byte, 0, len(q.ready))
	for _, msg := range q.ready {
		out = append(out, msg.body)
	}
	q.ready = nil
	return out
}

// Ping reports whether the broker is open.
func (b *MemoryBroker) Ping(context.Context) error {
	if b.isClosed() {
		return unavailable("ping", ErrClosed)
	}
	return nil
}

// Close stops consumers. Unsettled deliveries are dropped with the process.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
