// Package broker abstracts the durable at-least-once message transport that
// connects the Task Engine with stage workers.
//
// Backends are selected by URI scheme: sqlite:// keeps queues in a local
// SQLite file with lease-based visibility timeouts, amqp:// and amqps:// talk
// to RabbitMQ with publisher confirms, redis:// and rediss:// use the Redis
// reliable-list pattern, and memory:// is an in-process broker
// for tests and single-process runs. Every backend delivers each message at
// least once; consumers must settle deliveries with Ack or Nack.
package broker
