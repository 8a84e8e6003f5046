package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DB is the slice of pgxpool.Pool the relay needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay drains the transactional outbox and hands messages to the Notifier.
// Rows are claimed with SKIP LOCKED so several relays can run side by side
// without double delivery. A row that keeps failing goes dead after
// maxAttempts and stays queryable for operators.
type Relay struct {
	pool     DB
	notifier Notifier
	log      *zap.Logger

	batchSize   int
	interval    time.Duration
	maxAttempts int
}

func NewRelay(pool DB, notifier Notifier, log *zap.Logger) *Relay {
	return &Relay{
		pool:        pool,
		notifier:    notifier,
		log:         log,
		batchSize:   25,
		interval:    250 * time.Millisecond,
		maxAttempts: 5,
	}
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := r.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("outbox drain failed", zap.Error(err))
			continue
		}
		if n > 0 {
			r.log.Debug("outbox drained", zap.Int("messages", n))
		}
	}
}

type outboxRow struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// DrainOnce claims one batch of pending rows, publishes them and marks the
// results. Returns the number of rows published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload, attempts
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        FOR UPDATE SKIP LOCKED
        LIMIT $1
    `, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim batch: %w", err)
	}
	batch := make([]outboxRow, 0, r.batchSize)
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &row.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan batch: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate batch: %w", err)
	}

	published := 0
	for _, row := range batch {
		if err := r.notifier.Publish(ctx, row.Topic, row.Payload); err != nil {
			status := "pending"
			if row.Attempts+1 >= r.maxAttempts {
				status = "dead"
				r.log.Error("outbox message dead",
					zap.String("id", row.ID),
					zap.String("topic", row.Topic),
					zap.Int("attempts", row.Attempts+1))
			}
			if _, uErr := tx.Exec(ctx, `
                UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), status = $1
                WHERE id = $2
            `, status, row.ID); uErr != nil {
				return published, fmt.Errorf("notify: mark failed: %w", uErr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
            UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now()
            WHERE id = $1
        `, row.ID); err != nil {
			return published, fmt.Errorf("notify: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("notify: commit drain: %w", err)
	}
	return published, nil
}
