package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"valorswap/auth"
	"valorswap/delivery"
	"valorswap/deposit"
	"valorswap/dispute"
	"valorswap/ledger"
	"valorswap/listing"
	"valorswap/negotiation"
	"valorswap/swap"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps domain sentinels onto status codes. Unknown errors are
// logged and surface as opaque 500s.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized

	case errors.Is(err, swap.ErrNotParty),
		errors.Is(err, negotiation.ErrNotParty),
		errors.Is(err, dispute.ErrNotParty):
		status = http.StatusForbidden

	case errors.Is(err, swap.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		status = http.StatusNotFound

	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, negotiation.ErrInvalidPrice),
		errors.Is(err, delivery.ErrInvalidCredential),
		errors.Is(err, delivery.ErrPackagingEvidenceMissing),
		errors.Is(err, delivery.ErrReceiverEvidenceMissing),
		errors.Is(err, dispute.ErrInvalidChoice),
		errors.Is(err, dispute.ErrInvalidType),
		errors.Is(err, dispute.ErrEvidenceRequired),
		errors.Is(err, dispute.ErrPenaltyRange),
		errors.Is(err, deposit.ErrUnknownTier):
		status = http.StatusBadRequest

	case errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, auth.ErrTierDowngrade),
		errors.Is(err, swap.ErrConcurrentModification),
		errors.Is(err, swap.ErrInvalidTransition),
		errors.Is(err, swap.ErrPriceNotAgreed),
		errors.Is(err, negotiation.ErrClosed),
		errors.Is(err, negotiation.ErrLimitExceeded),
		errors.Is(err, negotiation.ErrNothingToAccept),
		errors.Is(err, deposit.ErrFirstSwapCapExceeded),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, dispute.ErrWindowClosed),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrDeadlinePassed),
		errors.Is(err, dispute.ErrChoicesLocked),
		errors.Is(err, dispute.ErrBadStatus):
		status = http.StatusConflict

	default:
		s.log.Error("unhandled request error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// swapResponse is the party-facing view of a swap. Credentials never appear
// here; the QR token is returned once from delivery setup and the code only
// travels out-of-band.
type swapResponse struct {
	ID               string `json:"id"`
	ListingID        string `json:"listing_id"`
	OfferedListingID string `json:"offered_listing_id,omitempty"`
	OwnerID          string `json:"owner_id"`
	RequesterID      string `json:"requester_id"`

	ListingValue      int64  `json:"listing_value"`
	RequesterPrice    *int64 `json:"requester_price,omitempty"`
	OwnerPrice        *int64 `json:"owner_price,omitempty"`
	AgreedPrice       *int64 `json:"agreed_price,omitempty"`
	CounterOfferCount int    `json:"counter_offer_count"`

	DepositAmount int64 `json:"deposit_amount"`
	DepositLocked bool  `json:"deposit_locked"`

	DeliveryMethod      string `json:"delivery_method,omitempty"`
	DeliveryLocationRef string `json:"delivery_location_ref,omitempty"`

	RiskTier            string `json:"risk_tier,omitempty"`
	DisputeWindowEndsAt string `json:"dispute_window_ends_at,omitempty"`

	FeeAmount        *int64 `json:"fee_amount,omitempty"`
	SettlementAmount *int64 `json:"settlement_amount,omitempty"`

	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toSwapResponse(sw swap.Swap) swapResponse {
	resp := swapResponse{
		ID:                sw.ID,
		ListingID:         sw.ListingID,
		OwnerID:           sw.OwnerID,
		RequesterID:       sw.RequesterID,
		ListingValue:      sw.ListingValue,
		RequesterPrice:    sw.RequesterPrice,
		OwnerPrice:        sw.OwnerPrice,
		AgreedPrice:       sw.AgreedPrice,
		CounterOfferCount: sw.CounterOfferCount,
		DepositAmount:     sw.DepositAmount,
		DepositLocked:     sw.DepositLocked,
		FeeAmount:         sw.FeeAmount,
		SettlementAmount:  sw.SettlementAmount,
		Status:            string(sw.Status),
		CreatedAt:         sw.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         sw.UpdatedAt.Format(time.RFC3339),
	}
	if sw.OfferedListingID != nil {
		resp.OfferedListingID = *sw.OfferedListingID
	}
	if sw.DeliveryMethod != nil {
		resp.DeliveryMethod = *sw.DeliveryMethod
	}
	if sw.DeliveryLocationRef != nil {
		resp.DeliveryLocationRef = *sw.DeliveryLocationRef
	}
	if sw.RiskTier != nil {
		resp.RiskTier = *sw.RiskTier
	}
	if sw.DisputeWindowEndsAt != nil {
		resp.DisputeWindowEndsAt = sw.DisputeWindowEndsAt.Format(time.RFC3339)
	}
	return resp
}

type eventResponse struct {
	Seq           int             `json:"seq"`
	Type          string          `json:"type"`
	ActorID       string          `json:"actor_id,omitempty"`
	ProposedPrice *int64          `json:"proposed_price,omitempty"`
	PreviousPrice *int64          `json:"previous_price,omitempty"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

func toEventResponse(ev swap.Event) eventResponse {
	resp := eventResponse{
		Seq:           ev.Seq,
		Type:          ev.Type,
		ProposedPrice: ev.ProposedPrice,
		PreviousPrice: ev.PreviousPrice,
		Payload:       json.RawMessage(ev.Payload),
		CreatedAt:     ev.CreatedAt.Format(time.RFC3339),
	}
	if ev.ActorID != nil {
		resp.ActorID = *ev.ActorID
	}
	if ev.Message != nil {
		resp.Message = *ev.Message
	}
	return resp
}

type disputeResponse struct {
	ID               string `json:"id"`
	SwapID           string `json:"swap_id"`
	ReporterID       string `json:"reporter_id"`
	RespondentID     string `json:"respondent_id"`
	Type             string `json:"type"`
	Description      string `json:"description"`
	Status           string `json:"status"`
	EvidenceDeadline string `json:"evidence_deadline"`
	ReporterChoice   string `json:"reporter_choice,omitempty"`
	RespondentChoice string `json:"respondent_choice,omitempty"`
	SettlementType   string `json:"settlement_type,omitempty"`
	RefundRatioBps   *int   `json:"refund_ratio_bps,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	PenaltyAmount    int    `json:"penalty_amount"`
	OpenedAt         string `json:"opened_at"`
	ResolvedAt       string `json:"resolved_at,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:               rec.ID,
		SwapID:           rec.SwapID,
		ReporterID:       rec.ReporterID,
		RespondentID:     rec.RespondentID,
		Type:             string(rec.Type),
		Description:      rec.Description,
		Status:           string(rec.Status),
		EvidenceDeadline: rec.EvidenceDeadline.Format(time.RFC3339),
		RefundRatioBps:   rec.RefundRatioBps,
		PenaltyAmount:    rec.PenaltyAmount,
		OpenedAt:         rec.OpenedAt.Format(time.RFC3339),
	}
	if rec.ReporterChoice != nil {
		resp.ReporterChoice = string(*rec.ReporterChoice)
	}
	if rec.RespondentChoice != nil {
		resp.RespondentChoice = string(*rec.RespondentChoice)
	}
	if rec.SettlementType != nil {
		resp.SettlementType = string(*rec.SettlementType)
	}
	if rec.Resolution != nil {
		resp.Resolution = *rec.Resolution
	}
	if rec.ResolvedAt != nil {
		resp.ResolvedAt = rec.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}

type userResponse struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Role       string `json:"role"`
	TrustTier  string `json:"trust_tier"`
	TrustScore int    `json:"trust_score"`
	CreatedAt  string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		FullName:   u.FullName,
		Role:       string(u.Role),
		TrustTier:  string(u.TrustTier),
		TrustScore: u.TrustScore,
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
	}
}
