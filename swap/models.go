package swap

import "time"

// Status enumerates the swap lifecycle states. Transitions form a DAG; no
// state is ever revisited and completed/refunded/rejected are terminal.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusAwaitingDelivery Status = "awaiting_delivery"
	StatusQRScanned        Status = "qr_scanned"
	StatusDelivered        Status = "delivered"
	StatusCompleted        Status = "completed"
	StatusDisputed         Status = "disputed"
	StatusRefunded         Status = "refunded"
)

// DeliveryMethod enumerates how the physical handoff happens.
type DeliveryMethod string

const (
	DeliveryFixedPoint     DeliveryMethod = "fixed-point"
	DeliveryCustomLocation DeliveryMethod = "custom-location"
)

// Swap mirrors the swaps table. The verification code is deliberately not
// part of this struct; the delivery confirmation path selects the column
// directly and it never leaves that package.
type Swap struct {
	ID               string
	ListingID        string
	OfferedListingID *string
	OwnerID          string
	RequesterID      string

	ListingValue      int64
	RequesterPrice    *int64
	OwnerPrice        *int64
	AgreedPrice       *int64
	CounterOfferCount int
	MaxCounterOffers  int

	DepositAmount  int64
	DepositRateBps int
	DepositLocked  bool

	DeliveryMethod      *string
	DeliveryLocationRef *string
	PackagingPhotoRef   *string
	ReceiverPhotoRef    *string
	QRTokenIssuedAt     *time.Time
	QRScannedAt         *time.Time
	DeliveryConfirmedAt *time.Time

	RiskTier            *string
	DisputeWindowEndsAt *time.Time

	FeeAmount          *int64
	FeeScheduleVersion *int
	SettlementAmount   *int64

	Status              Status
	NeedsReconciliation bool
	StatusUpdatedAt     time.Time

	AcceptedAt  *time.Time
	DeliveredAt *time.Time
	CompletedAt *time.Time
	RefundedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event mirrors swap_events: the append-only record of every negotiation
// action and status change on a swap.
type Event struct {
	ID            int64
	SwapID        string
	Seq           int
	Type          string
	ActorID       *string
	ProposedPrice *int64
	PreviousPrice *int64
	Message       *string
	Payload       []byte
	CreatedAt     time.Time
}

// Event types appended to swap_events.
const (
	EventSwapOpened        = "SWAP_OPENED"
	EventPriceProposed     = "PRICE_PROPOSED"
	EventPriceCountered    = "PRICE_COUNTERED"
	EventPriceAccepted     = "PRICE_ACCEPTED"
	EventNegotiationClosed = "NEGOTIATION_CLOSED"
	EventDepositLocked     = "DEPOSIT_LOCKED"
	EventCredentialsIssued = "CREDENTIALS_ISSUED"
	EventQRScanned         = "QR_SCANNED"
	EventDeliveryConfirmed = "DELIVERY_CONFIRMED"
	EventDisputeOpened     = "DISPUTE_OPENED"
	EventSettled           = "SETTLED"
	EventStatusChanged     = "STATUS_CHANGED"
)

// Outbox topics emitted by swap transitions.
const (
	TopicSwapAccepted     = "swap.accepted"
	TopicSwapRejected     = "swap.rejected"
	TopicDeliveryReady    = "swap.delivery_ready"
	TopicCodeDispatch     = "swap.verification_code"
	TopicSwapDelivered    = "swap.delivered"
	TopicSwapCompleted    = "swap.completed"
	TopicSwapRefunded     = "swap.refunded"
	TopicSwapDisputed     = "swap.disputed"
	TopicReconciliation   = "swap.requires_reconciliation"
)

// PriceAgreed reports whether negotiation has converged.
func (s *Swap) PriceAgreed() bool {
	return s.AgreedPrice != nil
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusRefunded:
		return true
	}
	return false
}
