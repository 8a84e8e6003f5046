package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"valorswap/swap"
	"valorswap/window"
)

// Store is the swap data access the delivery protocol needs.
type Store interface {
	Get(ctx context.Context, id string) (swap.Swap, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (swap.Swap, error)
}

// Service drives the credential half of the swap lifecycle: issuance at
// delivery setup, the QR scan, and the final two-factor confirmation that
// opens the dispute window.
type Service struct {
	pool      swap.TxBeginner
	repo      Store
	tiers     swap.TierReader
	windowCfg window.Config
}

func NewService(pool swap.TxBeginner, repo Store, tiers swap.TierReader, cfg window.Config) *Service {
	return &Service{pool: pool, repo: repo, tiers: tiers, windowCfg: cfg}
}

// SetupParams carries the owner's delivery arrangements.
type SetupParams struct {
	SwapID            string
	ActorID           string
	PackagingPhotoRef string
	Method            swap.DeliveryMethod
	LocationRef       string
}

// IssueResult returns the QR token. The verification code is stored but
// never returned from issuance; it travels to the receiver only after the
// scan.
type IssueResult struct {
	QRToken       string
	AlreadyIssued bool
}

// Setup attaches the packaging evidence, issues the credential pair exactly
// once and moves the swap to awaiting_delivery. A replay returns the stored
// token without minting a second code.
func (s *Service) Setup(ctx context.Context, params SetupParams) (IssueResult, error) {
	if params.Method != swap.DeliveryFixedPoint && params.Method != swap.DeliveryCustomLocation {
		return IssueResult{}, fmt.Errorf("delivery: unknown method %q", params.Method)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IssueResult{}, fmt.Errorf("delivery: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, params.SwapID)
	if err != nil {
		return IssueResult{}, err
	}
	if params.ActorID != sw.OwnerID {
		return IssueResult{}, fmt.Errorf("delivery: only the owner arranges delivery")
	}

	if sw.Status == swap.StatusAwaitingDelivery && sw.QRTokenIssuedAt != nil {
		var token string
		if err := tx.QueryRow(ctx, `SELECT qr_token FROM swaps WHERE id = $1`, sw.ID).Scan(&token); err != nil {
			return IssueResult{}, fmt.Errorf("delivery: reload token: %w", err)
		}
		return IssueResult{QRToken: token, AlreadyIssued: true}, nil
	}
	if sw.Status != swap.StatusAccepted {
		return IssueResult{}, fmt.Errorf("%w: %s -> %s", swap.ErrInvalidTransition, sw.Status, swap.StatusAwaitingDelivery)
	}
	if params.PackagingPhotoRef == "" {
		return IssueResult{}, ErrPackagingEvidenceMissing
	}

	creds, err := Mint(sw.ID)
	if err != nil {
		return IssueResult{}, err
	}

	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET delivery_method = $1,
            delivery_location_ref = $2,
            packaging_photo_ref = $3,
            qr_token = $4,
            verification_code = $5,
            qr_token_issued_at = now(),
            updated_at = now()
        WHERE id = $6
    `, string(params.Method), nullable(params.LocationRef), params.PackagingPhotoRef, creds.QRToken, creds.VerificationCode, sw.ID); err != nil {
		return IssueResult{}, fmt.Errorf("delivery: store credentials: %w", err)
	}

	if err := swap.AppendEvent(ctx, tx, sw.ID, swap.EventCredentialsIssued, params.ActorID, nil, nil, "", map[string]any{
		"delivery_method": string(params.Method),
	}); err != nil {
		return IssueResult{}, err
	}

	if err := swap.Transition(ctx, tx, sw.ID, swap.StatusAccepted, swap.StatusAwaitingDelivery, params.ActorID, swap.TopicDeliveryReady, map[string]any{
		"delivery_method": string(params.Method),
	}); err != nil {
		return IssueResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return IssueResult{}, fmt.Errorf("delivery: commit setup: %w", err)
	}
	return IssueResult{QRToken: creds.QRToken}, nil
}

// ScanResult reports whether this scan was the first one. The verification
// code is dispatched out of band (outbox) and never returned to the caller.
type ScanResult struct {
	SwapID         string
	AlreadyScanned bool
}

// Scan validates the presented token and releases the verification code to
// the receiver's contact channel. Re-scanning an already-scanned token is
// idempotent and dispatches nothing, so only one code ever leaves storage.
func (s *Service) Scan(ctx context.Context, actorID, token string) (ScanResult, error) {
	swapID, err := SwapIDFromToken(token)
	if err != nil {
		return ScanResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("delivery: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		if errors.Is(err, swap.ErrNotFound) {
			return ScanResult{}, ErrInvalidCredential
		}
		return ScanResult{}, err
	}
	if actorID != sw.RequesterID {
		return ScanResult{}, fmt.Errorf("delivery: only the requester scans the credential")
	}

	var stored string
	var code string
	if err := tx.QueryRow(ctx, `SELECT COALESCE(qr_token, ''), COALESCE(verification_code, '') FROM swaps WHERE id = $1`, sw.ID).Scan(&stored, &code); err != nil {
		return ScanResult{}, fmt.Errorf("delivery: load credentials: %w", err)
	}
	if stored == "" || stored != token {
		return ScanResult{}, ErrInvalidCredential
	}

	if sw.QRScannedAt != nil {
		return ScanResult{SwapID: sw.ID, AlreadyScanned: true}, nil
	}
	if sw.Status != swap.StatusAwaitingDelivery {
		return ScanResult{}, fmt.Errorf("%w: %s -> %s", swap.ErrInvalidTransition, sw.Status, swap.StatusQRScanned)
	}

	if _, err := tx.Exec(ctx, `UPDATE swaps SET qr_scanned_at = now(), updated_at = now() WHERE id = $1`, sw.ID); err != nil {
		return ScanResult{}, fmt.Errorf("delivery: stamp scan: %w", err)
	}

	if err := swap.AppendEvent(ctx, tx, sw.ID, swap.EventQRScanned, actorID, nil, nil, "", nil); err != nil {
		return ScanResult{}, err
	}

	if err := swap.Transition(ctx, tx, sw.ID, swap.StatusAwaitingDelivery, swap.StatusQRScanned, actorID, "", nil); err != nil {
		return ScanResult{}, err
	}

	// the only place the code leaves storage: dispatched to the receiver's
	// own contact channel, never to the scanning response
	if err := swap.EnqueueOutbox(ctx, tx, swap.TopicCodeDispatch, map[string]any{
		"swap_id":           sw.ID,
		"recipient_user_id": sw.RequesterID,
		"code":              code,
	}); err != nil {
		return ScanResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ScanResult{}, fmt.Errorf("delivery: commit scan: %w", err)
	}
	return ScanResult{SwapID: sw.ID}, nil
}

// Confirm checks the verification code and the mandatory post-handoff photo,
// marks the swap delivered and starts the dispute window sized by the risk
// tier.
func (s *Service) Confirm(ctx context.Context, swapID, actorID, code, photoRef string) (swap.Swap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return swap.Swap{}, fmt.Errorf("delivery: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		return swap.Swap{}, err
	}
	if actorID != sw.RequesterID {
		return swap.Swap{}, fmt.Errorf("delivery: only the requester confirms delivery")
	}
	if sw.Status == swap.StatusDelivered {
		return sw, nil // idempotent replay
	}
	// confirming before the scan means the code cannot have been released
	if sw.Status != swap.StatusQRScanned || sw.QRScannedAt == nil {
		return swap.Swap{}, ErrInvalidCredential
	}
	if photoRef == "" {
		return swap.Swap{}, ErrReceiverEvidenceMissing
	}

	var stored string
	if err := tx.QueryRow(ctx, `SELECT COALESCE(verification_code, '') FROM swaps WHERE id = $1`, sw.ID).Scan(&stored); err != nil {
		return swap.Swap{}, fmt.Errorf("delivery: load code: %w", err)
	}
	if !CodeMatches(stored, code) {
		return swap.Swap{}, ErrInvalidCredential
	}

	ownerTier, err := s.tiers.TrustTier(ctx, sw.OwnerID)
	if err != nil {
		return swap.Swap{}, err
	}
	requesterTier, err := s.tiers.TrustTier(ctx, sw.RequesterID)
	if err != nil {
		return swap.Swap{}, err
	}

	agreed := int64(0)
	if sw.AgreedPrice != nil {
		agreed = *sw.AgreedPrice
	}
	tier := s.windowCfg.DeriveRiskTier(agreed, ownerTier, requesterTier)
	endsAt := time.Now().Add(s.windowCfg.Duration(tier))

	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET receiver_photo_ref = $1,
            delivery_confirmed_at = now(),
            risk_tier = $2::risk_tier,
            dispute_window_ends_at = $3,
            updated_at = now()
        WHERE id = $4
    `, photoRef, string(tier), endsAt, sw.ID); err != nil {
		return swap.Swap{}, fmt.Errorf("delivery: stamp confirmation: %w", err)
	}

	if err := swap.AppendEvent(ctx, tx, sw.ID, swap.EventDeliveryConfirmed, actorID, nil, nil, "", map[string]any{
		"risk_tier":              string(tier),
		"dispute_window_ends_at": endsAt.UTC(),
	}); err != nil {
		return swap.Swap{}, err
	}

	if err := swap.Transition(ctx, tx, sw.ID, swap.StatusQRScanned, swap.StatusDelivered, actorID, swap.TopicSwapDelivered, map[string]any{
		"dispute_window_ends_at": endsAt.UTC(),
	}); err != nil {
		return swap.Swap{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return swap.Swap{}, fmt.Errorf("delivery: commit confirmation: %w", err)
	}
	return s.repo.Get(ctx, swapID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
