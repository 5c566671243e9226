package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mediaflow/internal/logging"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS broker_messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    queue       TEXT NOT NULL,
    message_id  TEXT NOT NULL,
    body        BLOB NOT NULL,
    deliveries  INTEGER NOT NULL DEFAULT 0,
    visible_at  INTEGER NOT NULL,
    lease_token TEXT,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_broker_messages_ready ON broker_messages(queue, visible_at, id);
CREATE TABLE IF NOT EXISTS broker_dead_letters (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    queue       TEXT NOT NULL,
    message_id  TEXT NOT NULL,
    body        BLOB NOT NULL,
    deliveries  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);
`

// SQLiteBroker keeps queues in a SQLite database. A claimed message stays
// invisible to other consumers until its lease expires; consumers extend the
// lease while their handler runs.
type SQLiteBroker struct {
	db     *sql.DB
	path   string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens or creates the queue database at path.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteBroker, error) {
	opts = opts.withDefaults()
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite broker path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create broker directory: %w", err)
	}
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, unavailable("open", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, unavailable("init schema", err)
	}
	return &SQLiteBroker{
		db:     db,
		path:   path,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "broker"),
		now:    time.Now,
	}, nil
}

// Publish inserts the message. The insert commits before Publish returns, so
// the message is durable once acknowledged.
func (b *SQLiteBroker) Publish(ctx context.Context, queue string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := b.now().UnixMilli()
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO broker_messages (queue, message_id, body, visible_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		queue, id, msg.Body, now, now,
	); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Consume polls queue and delivers messages until ctx is done.
func (b *SQLiteBroker) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	logger := b.logger.With(logging.String(logging.FieldQueue, queue))
	return runConsumer(ctx, logger, opts.prefetch(), b.opts.Lease, func(ctx context.Context) (*Delivery, error) {
		return b.receive(ctx, queue)
	}, handler)
}

func (b *SQLiteBroker) receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		d, err := b.claim(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("claim failed",
				logging.String(logging.FieldQueue, queue),
				logging.Error(err),
				logging.String(logging.FieldEventType, "broker_claim_failed"),
			)
		} else if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.opts.PollInterval):
		}
	}
}

func (b *SQLiteBroker) claim(ctx context.Context, queue string) (*Delivery, error) {
	now := b.now()
	token := uuid.NewString()
	row := b.db.QueryRowContext(ctx,
		`UPDATE broker_messages
		 SET lease_token = ?, visible_at = ?, deliveries = deliveries + 1
		 WHERE id = (
		     SELECT id FROM broker_messages
		     WHERE queue = ? AND visible_at <= ?
		     ORDER BY visible_at, id LIMIT 1
		 )
		 RETURNING id, message_id, body, deliveries`,
		token, now.Add(b.opts.Lease).UnixMilli(), queue, now.UnixMilli(),
	)
	var (
		rowID      int64
		messageID  string
		body       []byte
		deliveries int
	)
	if err := row.Scan(&rowID, &messageID, &body, &deliveries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d := newDelivery(queue, messageID, body, deliveries,
		func() error { return b.ack(rowID, token) },
		func(requeue bool) error { return b.nack(rowID, token, requeue) },
	)
	d.extend = func(ctx context.Context) error {
		_, err := b.db.ExecContext(ctx,
			`UPDATE broker_messages SET visible_at = ? WHERE id = ? AND lease_token = ?`,
			b.now().Add(b.opts.Lease).UnixMilli(), rowID, token,
		)
		return err
	}
	return d, nil
}

func (b *SQLiteBroker) ack(rowID int64, token string) error {
	res, err := b.db.Exec(`DELETE FROM broker_messages WHERE id = ? AND lease_token = ?`, rowID, token)
	if err != nil {
		return unavailable("ack", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b.logger.Debug("ack after lease expiry", logging.Int64("row_id", rowID))
	}
	return nil
}

func (b *SQLiteBroker) nack(rowID int64, token string, requeue bool) error {
	if requeue {
		if _, err := b.db.Exec(
			`UPDATE broker_messages SET visible_at = ?, lease_token = NULL WHERE id = ? AND lease_token = ?`,
			b.now().UnixMilli(), rowID, token,
		); err != nil {
			return unavailable("nack", err)
		}
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return unavailable("dead letter", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(
		`INSERT INTO broker_dead_letters (queue, message_id, body, deliveries, created_at)
		 SELECT queue, message_id, body, deliveries, ? FROM broker_messages WHERE id = ? AND lease_token = ?`,
		b.now().UnixMilli(), rowID, token,
	); err != nil {
		return unavailable("dead letter", err)
	}
	if _, err := tx.Exec(`DELETE FROM broker_messages WHERE id = ? AND lease_token = ?`, rowID, token); err != nil {
		return unavailable("dead letter", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("dead letter", err)
	}
	return nil
}

// Depth returns the number of messages on queue, visible or leased.
func (b *SQLiteBroker) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM broker_messages WHERE queue = ?`, queue).Scan(&n)
	return n, err
}

// DeadLetterCount returns the number of dead-lettered messages for queue.
func (b *SQLiteBroker) DeadLetterCount(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM broker_dead_letters WHERE queue = ?`, queue).Scan(&n)
	return n, err
}

// Ping checks the database connection.
func (b *SQLiteBroker) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBroker) Close() error {
	return b.db.Close()
}
