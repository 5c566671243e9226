package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"mediaflow/internal/logging"
)

const deadLetterSuffix = ".dead"

// AMQPBroker talks to RabbitMQ. Queues are durable, messages persistent,
// publishes wait for publisher confirms, and consumers use manual acks with
// Qos set to the requested prefetch.
type AMQPBroker struct {
	uri    string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]bool
	closed   bool
}

// DialAMQP connects to the RabbitMQ server at uri.
func DialAMQP(ctx context.Context, uri string, opts Options) (*AMQPBroker, error) {
	opts = opts.withDefaults()
	b := &AMQPBroker{
		uri:      uri,
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "broker"),
		declared: make(map[string]bool),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) connectLocked(ctx context.Context) error {
	if b.closed {
		return unavailable("connect", ErrClosed)
	}
	if b.conn != nil && !b.conn.IsClosed() && b.pub != nil && !b.pub.IsClosed() {
		return nil
	}
	backoff := retry.WithMaxRetries(4, retry.WithCappedDuration(2*time.Second, retry.NewExponential(100*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := amqp.DialConfig(b.uri, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(b.opts.PublishTimeout),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return retry.RetryableError(err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("enable publisher confirms: %w", err)
		}
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.conn = conn
		b.pub = ch
		b.declared = make(map[string]bool)
		return nil
	})
	if err != nil {
		return unavailable("connect", err)
	}
	b.logger.Info("connected to amqp broker", logging.String(logging.FieldEventType, "broker_connected"))
	return nil
}

func declareQueue(ch *amqp.Channel, queue string) error {
	dead := queue + deadLetterSuffix
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dead, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dead,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker's confirm.
func (b *AMQPBroker) Publish(ctx context.Context, queue string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(ctx); err != nil {
		return err
	}
	if !b.declared[queue] {
		if err := declareQueue(b.pub, queue); err != nil {
			return unavailable("declare", err)
		}
		b.declared[queue] = true
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	confirm, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  contentType,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return unavailable("publish", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return unavailable("confirm", err)
	}
	if !acked {
		return unavailable("confirm", errors.New("broker nacked publish"))
	}
	return nil
}

// Consume opens a dedicated channel for queue and delivers until ctx is done.
// A dropped connection is re-established with backoff.
func (b *AMQPBroker) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	logger := b.logger.With(logging.String(logging.FieldQueue, queue))
	for {
		err := b.consumeOnce(ctx, logger, queue, opts, handler)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		logger.Warn("amqp consumer interrupted; reconnecting",
			logging.Error(err),
			logging.String(logging.FieldEventType, "broker_consumer_interrupted"),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (b *AMQPBroker) consumeOnce(ctx context.Context, logger *slog.Logger, queue string, opts ConsumeOptions, handler Handler) error {
	b.mu.Lock()
	if err := b.connectLocked(ctx); err != nil {
		b.mu.Unlock()
		return err
	}
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return unavailable("channel", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareQueue(ch, queue); err != nil {
		return unavailable("declare", err)
	}
	if err := ch.Qos(opts.prefetch(), 0, false); err != nil {
		return unavailable("qos", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return unavailable("consume", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost error
	receive := func(ctx context.Context) (*Delivery, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case amqpErr := <-closed:
			lost = unavailable("consume", fmt.Errorf("channel closed: %v", amqpErr))
			return nil, lost
		case d, ok := <-deliveries:
			if !ok {
				lost = unavailable("consume", errors.New("delivery channel closed"))
				return nil, lost
			}
			return newDelivery(queue, d.MessageId, d.Body, deliveryAttempt(d),
				func() error { return d.Ack(false) },
				func(requeue bool) error { return d.Nack(false, requeue) },
			), nil
		}
	}
	if err := runConsumer(consumeCtx, logger, opts.prefetch(), 0, receive, handler); err != nil {
		return err
	}
	return lost
}

// deliveryAttempt derives the redelivery count. Quorum queues report
// x-delivery-count; classic queues only expose the redelivered flag.
func deliveryAttempt(d amqp.Delivery) int {
	if raw, ok := d.Headers["x-delivery-count"]; ok {
		switch v := raw.(type) {
		case int64:
			return int(v) + 1
		case int32:
			return int(v) + 1
		case int:
			return v + 1
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n + 1
			}
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// Ping verifies the connection, reconnecting if needed.
func (b *AMQPBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

// Close closes the connection. Consumers return once their channel closes.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
