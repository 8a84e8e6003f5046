package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"valorswap/swap"
)

var (
	// ErrWindowClosed is returned when a dispute is opened after the window
	// lapsed, including the case where the sweeper already settled the swap.
	ErrWindowClosed = errors.New("dispute: dispute window closed")
	// ErrAlreadyOpen is returned on a second open attempt for the same swap.
	ErrAlreadyOpen      = errors.New("dispute: dispute already open for this swap")
	ErrEvidenceRequired = errors.New("dispute: at least one evidence item required")
	ErrDeadlinePassed   = errors.New("dispute: evidence deadline passed")
	ErrChoicesLocked    = errors.New("dispute: settlement choices are locked")
	ErrInvalidChoice    = errors.New("dispute: unknown settlement choice")
	ErrInvalidType      = errors.New("dispute: unknown dispute type")
	ErrPenaltyRange     = errors.New("dispute: penalty outside [0, 50]")
)

// evidenceWindow is how long both sides have to submit evidence and agree on
// a settlement before the dispute escalates to review.
const evidenceWindow = 48 * time.Hour

// SwapStore is the slice of the swap repository the resolver needs.
type SwapStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (swap.Swap, error)
}

// Settler runs terminal settlement on the swap after the dispute closes.
// Implemented by swap.Service; settlement is idempotent and retried there.
type Settler interface {
	Complete(ctx context.Context, swapID, actorID string) error
	Refund(ctx context.Context, swapID, actorID string) error
}

// Store is the dispute persistence surface the service drives. Implemented
// by *Repository.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetBySwap(ctx context.Context, swapID string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	AddEvidence(ctx context.Context, tx pgx.Tx, disputeID, submittedBy string, side Side, items []EvidenceItem) error
	Evidence(ctx context.Context, disputeID string) ([]Evidence, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
	RecordChoice(ctx context.Context, tx pgx.Tx, id string, side Side, choice SettlementChoice) error
	Resolve(ctx context.Context, tx pgx.Tx, id string, p ResolveParams) error
	ApplyPenalty(ctx context.Context, tx pgx.Tx, userID string, points int) error
	Overdue(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Record, error)
}

// Service drives the dispute resolver: evidence collection, the settlement
// menu and adjudication. The swap stays disputed until the settler lands the
// terminal transition.
type Service struct {
	pool    swap.TxBeginner
	repo    Store
	swaps   SwapStore
	settler Settler
}

func NewService(pool swap.TxBeginner, repo Store, swaps SwapStore, settler Settler) *Service {
	return &Service{pool: pool, repo: repo, swaps: swaps, settler: settler}
}

type OpenParams struct {
	SwapID      string
	ReporterID  string
	Type        Type
	Description string
	Evidence    []EvidenceItem
}

// Open files a dispute inside the delivery window. The swap row lock decides
// races against the auto-complete sweeper: whoever locks first wins, and the
// loser observes the already-changed status.
func (s *Service) Open(ctx context.Context, p OpenParams) (Record, error) {
	if !ValidType(p.Type) {
		return Record{}, ErrInvalidType
	}
	if len(p.Evidence) == 0 {
		return Record{}, ErrEvidenceRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.swaps.GetForUpdate(ctx, tx, p.SwapID)
	if err != nil {
		return Record{}, err
	}

	var respondent string
	switch p.ReporterID {
	case sw.RequesterID:
		respondent = sw.OwnerID
	case sw.OwnerID:
		respondent = sw.RequesterID
	default:
		return Record{}, ErrNotParty
	}

	switch sw.Status {
	case swap.StatusDelivered:
		// inside the window or not, decided below
	case swap.StatusDisputed:
		return Record{}, ErrAlreadyOpen
	case swap.StatusCompleted:
		return Record{}, ErrWindowClosed
	default:
		return Record{}, fmt.Errorf("%w: cannot dispute from %s", swap.ErrInvalidTransition, sw.Status)
	}
	if sw.DisputeWindowEndsAt == nil || !time.Now().Before(*sw.DisputeWindowEndsAt) {
		return Record{}, ErrWindowClosed
	}

	rec, err := s.repo.Create(ctx, tx, CreateParams{
		SwapID:           sw.ID,
		ReporterID:       p.ReporterID,
		RespondentID:     respondent,
		Type:             p.Type,
		Description:      p.Description,
		EvidenceDeadline: time.Now().Add(evidenceWindow),
	})
	if err != nil {
		return Record{}, err
	}
	if err := s.repo.AddEvidence(ctx, tx, rec.ID, p.ReporterID, SideInitial, p.Evidence); err != nil {
		return Record{}, err
	}

	if err := swap.AppendEvent(ctx, tx, sw.ID, swap.EventDisputeOpened, p.ReporterID, nil, nil, p.Description, map[string]any{
		"dispute_id": rec.ID,
		"type":       string(p.Type),
	}); err != nil {
		return Record{}, err
	}
	if err := swap.Transition(ctx, tx, sw.ID, swap.StatusDelivered, swap.StatusDisputed, p.ReporterID, swap.TopicSwapDisputed, map[string]any{
		"dispute_id": rec.ID,
		"type":       string(p.Type),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// SubmitEvidence attaches photos from either party before the deadline.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, actorID string, items []EvidenceItem) (Record, error) {
	if len(items) == 0 {
		return Record{}, ErrEvidenceRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	side, err := sideOf(rec, actorID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() || rec.Status == StatusUnderReview {
		return Record{}, fmt.Errorf("%w: dispute is %s", ErrBadStatus, rec.Status)
	}
	if !time.Now().Before(rec.EvidenceDeadline) {
		return Record{}, ErrDeadlinePassed
	}

	if err := s.repo.AddEvidence(ctx, tx, rec.ID, actorID, side, items); err != nil {
		return Record{}, err
	}
	if rec.Status == StatusOpen {
		if err := s.repo.SetStatus(ctx, tx, rec.ID, StatusOpen, StatusEvidencePending); err != nil {
			return Record{}, err
		}
		rec.Status = StatusEvidencePending
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return rec, nil
}

// ChooseSettlement records one party's pick from the menu. When both picks
// are in and match, the dispute resolves immediately with no penalty and the
// swap settles; when they diverge it escalates to under_review.
func (s *Service) ChooseSettlement(ctx context.Context, disputeID, actorID string, choice SettlementChoice) (Record, error) {
	if !ValidChoice(choice) {
		return Record{}, ErrInvalidChoice
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	side, err := sideOf(rec, actorID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() || rec.Status == StatusUnderReview {
		return Record{}, ErrChoicesLocked
	}
	if !time.Now().Before(rec.EvidenceDeadline) {
		return Record{}, ErrDeadlinePassed
	}

	if err := s.repo.RecordChoice(ctx, tx, rec.ID, side, choice); err != nil {
		return Record{}, err
	}
	if side == SideReporter {
		rec.ReporterChoice = &choice
	} else {
		rec.RespondentChoice = &choice
	}

	switch ResolveChoices(rec.ReporterChoice, rec.RespondentChoice) {
	case OutcomeWaiting:
		if rec.Status != StatusSettlementPending {
			if err := s.repo.SetStatus(ctx, tx, rec.ID, rec.Status, StatusSettlementPending); err != nil {
				return Record{}, err
			}
			rec.Status = StatusSettlementPending
		}
		if err := tx.Commit(ctx); err != nil {
			return Record{}, fmt.Errorf("dispute: commit choice: %w", err)
		}
		return rec, nil

	case OutcomeDiverged:
		if err := s.repo.SetStatus(ctx, tx, rec.ID, rec.Status, StatusUnderReview); err != nil {
			return Record{}, err
		}
		rec.Status = StatusUnderReview
		if err := tx.Commit(ctx); err != nil {
			return Record{}, fmt.Errorf("dispute: commit escalation: %w", err)
		}
		return rec, nil
	}

	// matched: resolve with no penalty and settle the swap
	bps := RefundBps(choice)
	if err := s.repo.Resolve(ctx, tx, rec.ID, ResolveParams{
		Status:         StatusResolved,
		SettlementType: &choice,
		RefundRatioBps: bps,
	}); err != nil {
		return Record{}, err
	}
	if err := s.stageSettlement(ctx, tx, rec.SwapID, bps); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolution: %w", err)
	}

	if err := s.settle(ctx, rec.SwapID, actorID, bps); err != nil {
		return Record{}, err
	}
	return s.repo.Get(ctx, rec.ID)
}

type AdjudicateParams struct {
	DisputeID       string
	AdminID         string
	Resolution      string
	RefundBps       int
	Penalty         int
	PenalizedUserID *string
	// Uphold marks the reporter's claim as founded. A rejected claim settles
	// the swap at the full agreed price.
	Uphold bool
}

// Adjudicate closes an under_review dispute with a resolution text, a refund
// ratio and an optional trust penalty for the at-fault party.
func (s *Service) Adjudicate(ctx context.Context, p AdjudicateParams) (Record, error) {
	if p.Penalty < 0 || p.Penalty > 50 {
		return Record{}, ErrPenaltyRange
	}
	if p.RefundBps < 0 || p.RefundBps > 10000 {
		return Record{}, fmt.Errorf("dispute: refund ratio %d outside [0, 10000]", p.RefundBps)
	}
	if p.Penalty > 0 && p.PenalizedUserID == nil {
		return Record{}, fmt.Errorf("dispute: penalty without a penalized party")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusUnderReview {
		return Record{}, fmt.Errorf("%w: adjudicating from %s", ErrBadStatus, rec.Status)
	}
	if p.PenalizedUserID != nil && *p.PenalizedUserID != rec.ReporterID && *p.PenalizedUserID != rec.RespondentID {
		return Record{}, ErrNotParty
	}

	status := StatusResolved
	bps := p.RefundBps
	if !p.Uphold {
		status = StatusRejected
		bps = 0
	}

	if err := s.repo.Resolve(ctx, tx, rec.ID, ResolveParams{
		Status:          status,
		RefundRatioBps:  bps,
		Resolution:      &p.Resolution,
		PenaltyAmount:   p.Penalty,
		PenalizedUserID: p.PenalizedUserID,
	}); err != nil {
		return Record{}, err
	}
	if p.Penalty > 0 {
		if err := s.repo.ApplyPenalty(ctx, tx, *p.PenalizedUserID, p.Penalty); err != nil {
			return Record{}, err
		}
	}
	if err := s.stageSettlement(ctx, tx, rec.SwapID, bps); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit adjudication: %w", err)
	}

	if err := s.settle(ctx, rec.SwapID, p.AdminID, bps); err != nil {
		return Record{}, err
	}
	return s.repo.Get(ctx, rec.ID)
}

// EscalateOverdue moves disputes whose deadline lapsed without an agreed
// settlement to under_review. Driven by the sweeper.
func (s *Service) EscalateOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.Overdue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, id := range ids {
		if err := s.escalateOne(ctx, id); err != nil {
			return escalated, err
		}
		escalated++
	}
	return escalated, nil
}

func (s *Service) escalateOne(ctx context.Context, disputeID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() || rec.Status == StatusUnderReview {
		return nil
	}
	if err := s.repo.SetStatus(ctx, tx, rec.ID, rec.Status, StatusUnderReview); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit escalation: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetBySwap(ctx context.Context, swapID string) (Record, error) {
	return s.repo.GetBySwap(ctx, swapID)
}

func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	return s.repo.ListForUser(ctx, userID, limit)
}

func (s *Service) EvidenceFor(ctx context.Context, disputeID, actorID string) ([]Evidence, error) {
	rec, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if _, err := sideOf(rec, actorID); err != nil {
		return nil, err
	}
	return s.repo.Evidence(ctx, disputeID)
}

// stageSettlement freezes the partial-settlement price on the swap so the
// settler charges the adjudicated amount instead of the agreed one. A full
// refund stages nothing; the swap is unwound instead of settled.
func (s *Service) stageSettlement(ctx context.Context, tx pgx.Tx, swapID string, refundBps int) error {
	if refundBps >= 10000 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET settlement_amount = ((agreed_price * (10000 - $1::bigint)) + 5000) / 10000,
            updated_at = now()
        WHERE id = $2
    `, refundBps, swapID); err != nil {
		return fmt.Errorf("dispute: stage settlement: %w", err)
	}
	return nil
}

// settle lands the terminal swap transition after the dispute record is
// already closed. The settler is idempotent and flags reconciliation on
// exhaustion, so a failure here never reopens the dispute.
func (s *Service) settle(ctx context.Context, swapID, actorID string, refundBps int) error {
	if refundBps >= 10000 {
		return s.settler.Refund(ctx, swapID, actorID)
	}
	return s.settler.Complete(ctx, swapID, actorID)
}

func sideOf(rec Record, actorID string) (Side, error) {
	switch actorID {
	case rec.ReporterID:
		return SideReporter, nil
	case rec.RespondentID:
		return SideRespondent, nil
	}
	return "", ErrNotParty
}
