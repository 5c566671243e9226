package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mediaflow/internal/logging"
)

// receiveFunc blocks until a delivery is available or ctx is done.
type receiveFunc func(ctx context.Context) (*Delivery, error)

// runConsumer feeds deliveries from receive to handler with at most prefetch
// handlers in flight. Deliveries that carry a lease are extended every
// lease/3 while their handler runs. It returns nil when ctx is cancelled
// after draining in-flight handlers.
func runConsumer(ctx context.Context, logger *slog.Logger, prefetch int, lease time.Duration, receive receiveFunc, handler Handler) error {
	slots := make(chan struct{}, prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		delivery, err := receive(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			if delivery.extend != nil && lease > 0 {
				stop := keepLease(ctx, logger, delivery, lease/3)
				defer stop()
			}
			dispatch(ctx, logger, delivery, handler)
		}()
	}
}

func dispatch(ctx context.Context, logger *slog.Logger, d *Delivery, handler Handler) {
	err := handler(ctx, d)
	if d.Settled() {
		return
	}
	if err != nil {
		logger.Debug("handler failed; requeueing delivery",
			logging.String(logging.FieldQueue, d.Queue),
			logging.String("message_id", d.MessageID),
			logging.Error(err),
		)
		if nackErr := d.Nack(true); nackErr != nil {
			logger.Warn("nack failed",
				logging.String(logging.FieldQueue, d.Queue),
				logging.Error(nackErr),
				logging.String(logging.FieldEventType, "broker_nack_failed"),
			)
		}
		return
	}
	if ackErr := d.Ack(); ackErr != nil {
		logger.Warn("ack failed",
			logging.String(logging.FieldQueue, d.Queue),
			logging.Error(ackErr),
			logging.String(logging.FieldEventType, "broker_ack_failed"),
		)
	}
}

// keepLease extends d's lease every interval until the returned stop func runs.
func keepLease(ctx context.Context, logger *slog.Logger, d *Delivery, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if d.Settled() {
					return
				}
				if err := d.extend(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("lease extension failed",
						logging.String(logging.FieldQueue, d.Queue),
						logging.Error(err),
					)
				}
			}
		}
	}()
	return func() { close(done) }
}
