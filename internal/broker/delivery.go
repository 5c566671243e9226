package broker

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// Delivery is one message handed to a consumer.
type Delivery struct {
	Queue     string
	MessageID string
	Body      []byte
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt int

	mu      sync.Mutex
	settled bool
	ack     func() error
	nack    func(requeue bool) error
	extend  func(ctx context.Context) error
}

func newDelivery(queue, id string, body []byte, attempt int, ack func() error, nack func(bool) error) *Delivery {
	return &Delivery{
		Queue:     queue,
		MessageID: id,
		Body:      body,
		Attempt:   attempt,
		ack:       ack,
		nack:      nack,
	}
}

// Ack removes the message from the queue.
func (d *Delivery) Ack() error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.ack()
}

// Nack rejects the message. With requeue it becomes visible again; without,
// it is moved to the dead-letter store.
func (d *Delivery) Nack(requeue bool) error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.nack(requeue)
}

// Settled reports whether Ack or Nack has been called.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}
