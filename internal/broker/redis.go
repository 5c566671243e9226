package broker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediaflow/internal/logging"
)

// RedisBroker implements the reliable-list pattern on Redis. A claimed
// message id moves atomically from the queue list into an inflight list and
// gets a lease deadline in a sorted set; ids whose lease expired are pushed
// back onto the queue by the next receiver.
type RedisBroker struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// DialRedis connects to the Redis server at uri (redis:// or rediss://).
func DialRedis(ctx context.Context, uri string, opts Options) (*RedisBroker, error) {
	opts = opts.withDefaults()
	redisOpts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, unavailable("parse uri", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("connect", err)
	}
	return &RedisBroker{
		client: client,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "broker"),
		now:    time.Now,
	}, nil
}

func queueKey(queue string) string    { return "mediaflow:queue:" + queue }
func inflightKey(queue string) string { return "mediaflow:inflight:" + queue }
func leaseKey(queue string) string    { return "mediaflow:lease:" + queue }
func deadKey(queue string) string     { return "mediaflow:dead:" + queue }
func messageKey(id string) string     { return "mediaflow:msg:" + id }

// Publish stores the body and appends the id to the queue in one MULTI block.
func (b *RedisBroker) Publish(ctx context.Context, queue string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(id), "body", msg.Body, "deliveries", 0)
		pipe.RPush(ctx, queueKey(queue), id)
		return nil
	})
	if err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Consume delivers messages from queue until ctx is done.
func (b *RedisBroker) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	logger := b.logger.With(logging.String(logging.FieldQueue, queue))
	return runConsumer(ctx, logger, opts.prefetch(), b.opts.Lease, func(ctx context.Context) (*Delivery, error) {
		return b.receive(ctx, logger, queue)
	}, handler)
}

func (b *RedisBroker) receive(ctx context.Context, logger *slog.Logger, queue string) (*Delivery, error) {
	for {
		if err := b.requeueExpired(ctx, queue); err != nil && ctx.Err() == nil {
			logger.Warn("requeue expired leases failed", logging.Error(err))
		}
		id, err := b.client.BLMove(ctx, queueKey(queue), inflightKey(queue), "LEFT", "RIGHT", b.opts.PollInterval).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			logger.Warn("claim failed", logging.Error(err), logging.String(logging.FieldEventType, "broker_claim_failed"))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.opts.PollInterval):
			}
			continue
		}
		return b.deliver(ctx, queue, id)
	}
}

func (b *RedisBroker) deliver(ctx context.Context, queue, id string) (*Delivery, error) {
	deadline := float64(b.now().Add(b.opts.Lease).UnixMilli())
	var (
		deliveries *redis.IntCmd
		body       *redis.StringCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, leaseKey(queue), redis.Z{Score: deadline, Member: id})
		deliveries = pipe.HIncrBy(ctx, messageKey(id), "deliveries", 1)
		body = pipe.HGet(ctx, messageKey(id), "body")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("claim", err)
	}
	data, _ := body.Bytes()
	d := newDelivery(queue, id, data, int(deliveries.Val()),
		func() error { return b.ack(queue, id) },
		func(requeue bool) error { return b.nack(queue, id, requeue) },
	)
	d.extend = func(ctx context.Context) error {
		return b.client.ZAddXX(ctx, leaseKey(queue), redis.Z{
			Score:  float64(b.now().Add(b.opts.Lease).UnixMilli()),
			Member: id,
		}).Err()
	}
	return d, nil
}

// requeueExpired gives every inflight id a lease deadline and returns the
// expired ones to the head of the queue.
func (b *RedisBroker) requeueExpired(ctx context.Context, queue string) error {
	inflight, err := b.client.LRange(ctx, inflightKey(queue), 0, -1).Result()
	if err != nil || len(inflight) == 0 {
		return err
	}
	grace := float64(b.now().Add(b.opts.Lease).UnixMilli())
	members := make([]redis.Z, 0, len(inflight))
	for _, id := range inflight {
		members = append(members, redis.Z{Score: grace, Member: id})
	}
	if err := b.client.ZAddNX(ctx, leaseKey(queue), members...).Err(); err != nil {
		return err
	}
	expired, err := b.client.ZRangeByScore(ctx, leaseKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(b.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range expired {
		removed, err := b.client.ZRem(ctx, leaseKey(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, inflightKey(queue), 1, id)
			pipe.LPush(ctx, queueKey(queue), id)
			return nil
		})
		if err != nil {
			return err
		}
		b.logger.Info("lease expired; message requeued",
			logging.String(logging.FieldQueue, queue),
			logging.String("message_id", id),
			logging.String(logging.FieldEventType, "broker_lease_expired"),
		)
	}
	return nil
}

func (b *RedisBroker) ack(queue, id string) error {
	ctx := context.Background()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, inflightKey(queue), 1, id)
		pipe.ZRem(ctx, leaseKey(queue), id)
		pipe.Del(ctx, messageKey(id))
		return nil
	})
	if err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (b *RedisBroker) nack(queue, id string, requeue bool) error {
	ctx := context.Background()
	target := deadKey(queue)
	if requeue {
		target = queueKey(queue)
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, inflightKey(queue), 1, id)
		pipe.ZRem(ctx, leaseKey(queue), id)
		pipe.RPush(ctx, target, id)
		return nil
	})
	if err != nil {
		return unavailable("nack", err)
	}
	return nil
}

// Ping checks the server connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
