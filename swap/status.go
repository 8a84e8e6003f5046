package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no swap row exists for the identifier.
	ErrNotFound = errors.New("swap: not found")
	// ErrConcurrentModification is returned to the loser of a row-lock race;
	// the caller should re-read fresh state and retry.
	ErrConcurrentModification = errors.New("swap: concurrent modification")
	// ErrInvalidTransition is returned when the requested status is not
	// reachable from the current one.
	ErrInvalidTransition = errors.New("swap: invalid status transition")
	// ErrInvariantViolation flags a conservation or monotonicity failure.
	// It is fatal for the affected swap and must surface for reconciliation.
	ErrInvariantViolation = errors.New("swap: invariant violation")
)

// transitions is the swap status DAG; it mirrors swap_validate_transition in
// the schema.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusRejected},
	StatusAccepted:         {StatusAwaitingDelivery},
	StatusAwaitingDelivery: {StatusQRScanned},
	StatusQRScanned:        {StatusDelivered},
	StatusDelivered:        {StatusCompleted, StatusDisputed},
	StatusDisputed:         {StatusCompleted, StatusRefunded},
}

// ValidTransition reports whether next is reachable from curr in one step.
func ValidTransition(curr, next Status) bool {
	for _, s := range transitions[curr] {
		if s == next {
			return true
		}
	}
	return false
}

// lockRow loads the swap's current status under FOR UPDATE NOWAIT so that
// concurrent commands against the same swap serialize; the loser maps the
// lock failure to ErrConcurrentModification instead of blocking.
func lockRow(ctx context.Context, tx pgx.Tx, swapID string) (Status, error) {
	var current Status
	err := tx.QueryRow(ctx, `SELECT status::text FROM swaps WHERE id = $1 FOR UPDATE NOWAIT`, swapID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return "", ErrConcurrentModification
		}
		return "", fmt.Errorf("swap: lock row: %w", err)
	}
	return current, nil
}

// Transition applies a validated status change plus its audit trail inside
// the caller's transaction: the status update, per-state timestamp, an
// appended swap event and an outbox message. The caller must hold the row
// lock (GetForUpdate).
func Transition(ctx context.Context, tx pgx.Tx, swapID string, curr, next Status, actorID string, topic string, payload map[string]any) error {
	if !ValidTransition(curr, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, curr, next)
	}

	stampCol := ""
	switch next {
	case StatusAccepted:
		stampCol = ", accepted_at = now()"
	case StatusDelivered:
		stampCol = ", delivered_at = now()"
	case StatusCompleted:
		stampCol = ", completed_at = now()"
	case StatusRefunded:
		stampCol = ", refunded_at = now()"
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
        UPDATE swaps
        SET status = $1::swap_status,
            status_updated_at = now(),
            status_updated_by = $2::uuid,
            updated_at = now()%s
        WHERE id = $3 AND status = $4::swap_status
    `, stampCol), next, actorUUID(actorID), swapID, curr)
	if err != nil {
		return fmt.Errorf("swap: update status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		// the row was locked, so a mismatch means the in-memory status was stale
		return fmt.Errorf("%w: status changed under lock for %s", ErrInvariantViolation, swapID)
	}

	body := map[string]any{
		"previous_status": string(curr),
		"next_status":     string(next),
	}
	for k, v := range payload {
		body[k] = v
	}
	if err := AppendEvent(ctx, tx, swapID, EventStatusChanged, actorID, nil, nil, "", body); err != nil {
		return err
	}

	if topic != "" {
		outPayload := map[string]any{
			"swap_id":  swapID,
			"previous": string(curr),
			"next":     string(next),
		}
		for k, v := range payload {
			outPayload[k] = v
		}
		if err := EnqueueOutbox(ctx, tx, topic, outPayload); err != nil {
			return err
		}
	}

	return nil
}

// AppendEvent writes one swap_events row with the next sequence number. The
// caller must hold the swap row lock so the MAX(seq)+1 read is race-free.
func AppendEvent(ctx context.Context, tx pgx.Tx, swapID, eventType, actorID string, proposedPrice, previousPrice *int64, message string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("swap: marshal event payload: %w", err)
	}

	var msg any
	if message != "" {
		msg = message
	}

	const q = `
        INSERT INTO swap_events (swap_id, seq, type, actor_id, proposed_price, previous_price, message, payload)
        SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::uuid, $4, $5, $6, $7::jsonb
        FROM swap_events WHERE swap_id = $1
    `
	if _, err := tx.Exec(ctx, q, swapID, eventType, actorUUID(actorID), proposedPrice, previousPrice, msg, body); err != nil {
		return fmt.Errorf("swap: append event: %w", err)
	}
	return nil
}

// actorUUID nulls out actor ids that are not user uuids. System-driven
// transitions (the sweeper) carry a symbolic actor that has no users row.
func actorUUID(actorID string) any {
	if actorID == "" {
		return nil
	}
	if _, err := uuid.Parse(actorID); err != nil {
		return nil
	}
	return actorID
}

// EnqueueOutbox records a notification for the relay worker in the same
// transaction as the state change it announces.
func EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("swap: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("swap: enqueue outbox: %w", err)
	}
	return nil
}
