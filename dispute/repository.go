package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrNotParty  = errors.New("dispute: actor is not a party to this dispute")
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

const disputeColumns = `
	id, swap_id, reporter_id, respondent_id, type::text, description,
	status::text, evidence_deadline, reporter_choice, respondent_choice,
	settlement_type, refund_ratio_bps, resolution, penalty_amount,
	penalized_user_id, opened_at, resolved_at, updated_at
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.SwapID, &rec.ReporterID, &rec.RespondentID, &rec.Type,
		&rec.Description, &rec.Status, &rec.EvidenceDeadline,
		&rec.ReporterChoice, &rec.RespondentChoice, &rec.SettlementType,
		&rec.RefundRatioBps, &rec.Resolution, &rec.PenaltyAmount,
		&rec.PenalizedUserID, &rec.OpenedAt, &rec.ResolvedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetBySwap(ctx context.Context, swapID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE swap_id = $1`, swapID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by swap: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the dispute row for the duration of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

type CreateParams struct {
	SwapID           string
	ReporterID       string
	RespondentID     string
	Type             Type
	Description      string
	EvidenceDeadline time.Time
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `
        INSERT INTO disputes (swap_id, reporter_id, respondent_id, type, description, evidence_deadline)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+disputeColumns,
		p.SwapID, p.ReporterID, p.RespondentID, p.Type, p.Description, p.EvidenceDeadline))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

func (r *Repository) AddEvidence(ctx context.Context, tx pgx.Tx, disputeID, submittedBy string, side Side, items []EvidenceItem) error {
	for _, item := range items {
		if _, err := tx.Exec(ctx, `
            INSERT INTO dispute_evidence (dispute_id, submitted_by, side, photo_ref, note)
            VALUES ($1, $2, $3, $4, $5)
        `, disputeID, submittedBy, side, item.PhotoRef, item.Note); err != nil {
			return fmt.Errorf("dispute: add evidence: %w", err)
		}
	}
	return nil
}

func (r *Repository) Evidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, dispute_id, submitted_by, side, photo_ref, note, created_at
        FROM dispute_evidence
        WHERE dispute_id = $1
        ORDER BY created_at ASC
    `, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &ev.Side, &ev.PhotoRef, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, curr, next Status) error {
	tag, err := tx.Exec(ctx, `
        UPDATE disputes SET status = $1, updated_at = now()
        WHERE id = $2 AND status = $3
    `, next, id, curr)
	if err != nil {
		return fmt.Errorf("dispute: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrBadStatus, curr, next)
	}
	return nil
}

// RecordChoice stores one party's settlement pick.
func (r *Repository) RecordChoice(ctx context.Context, tx pgx.Tx, id string, side Side, choice SettlementChoice) error {
	column := "reporter_choice"
	if side == SideRespondent {
		column = "respondent_choice"
	}
	if _, err := tx.Exec(ctx, `
        UPDATE disputes SET `+column+` = $1, updated_at = now() WHERE id = $2
    `, choice, id); err != nil {
		return fmt.Errorf("dispute: record choice: %w", err)
	}
	return nil
}

type ResolveParams struct {
	Status          Status
	SettlementType  *SettlementChoice
	RefundRatioBps  int
	Resolution      *string
	PenaltyAmount   int
	PenalizedUserID *string
}

// Resolve closes the dispute record; the guard keeps an already-closed
// dispute from being resolved twice.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, id string, p ResolveParams) error {
	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET status = $1, settlement_type = $2, refund_ratio_bps = $3,
            resolution = $4, penalty_amount = $5, penalized_user_id = $6,
            resolved_at = now(), updated_at = now()
        WHERE id = $7 AND status NOT IN ('resolved', 'rejected')
    `, p.Status, p.SettlementType, p.RefundRatioBps, p.Resolution, p.PenaltyAmount, p.PenalizedUserID, id)
	if err != nil {
		return fmt.Errorf("dispute: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispute %s already closed", ErrBadStatus, id)
	}
	return nil
}

// ApplyPenalty docks trust points from the at-fault party, floored at zero.
func (r *Repository) ApplyPenalty(ctx context.Context, tx pgx.Tx, userID string, points int) error {
	if _, err := tx.Exec(ctx, `
        UPDATE users SET trust_score = GREATEST(0, trust_score - $1), updated_at = now()
        WHERE id = $2
    `, points, userID); err != nil {
		return fmt.Errorf("dispute: apply penalty: %w", err)
	}
	return nil
}

// Overdue lists non-terminal disputes whose evidence deadline lapsed without
// an agreed settlement. These escalate to under_review.
func (r *Repository) Overdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id FROM disputes
        WHERE status IN ('open', 'evidence_pending', 'settlement_pending')
          AND evidence_deadline < $1
        ORDER BY evidence_deadline ASC
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: overdue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan overdue: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate overdue: %w", err)
	}
	return ids, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+disputeColumns+`
        FROM disputes
        WHERE reporter_id = $1 OR respondent_id = $1
        ORDER BY opened_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
