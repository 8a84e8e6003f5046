package dispute

import "time"

// Status is the nested state machine a dispute moves through while its swap
// sits in disputed.
type Status string

const (
	StatusOpen              Status = "open"
	StatusEvidencePending   Status = "evidence_pending"
	StatusSettlementPending Status = "settlement_pending"
	StatusUnderReview       Status = "under_review"
	StatusResolved          Status = "resolved"
	StatusRejected          Status = "rejected"
)

// Terminal reports whether the dispute admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// Type categorizes the reporter's complaint.
type Type string

const (
	TypeDefect         Type = "defect"
	TypeNotAsDescribed Type = "not_as_described"
	TypeMissingParts   Type = "missing_parts"
	TypeDamaged        Type = "damaged"
	TypeOther          Type = "other"
)

// ValidType reports whether t names a known dispute category.
func ValidType(t Type) bool {
	switch t {
	case TypeDefect, TypeNotAsDescribed, TypeMissingParts, TypeDamaged, TypeOther:
		return true
	}
	return false
}

// Side labels which party a piece of evidence came from. Initial evidence is
// what the reporter attached when opening.
type Side string

const (
	SideInitial    Side = "initial"
	SideReporter   Side = "reporter"
	SideRespondent Side = "respondent"
)

// Record mirrors the disputes table.
type Record struct {
	ID               string
	SwapID           string
	ReporterID       string
	RespondentID     string
	Type             Type
	Description      string
	Status           Status
	EvidenceDeadline time.Time
	ReporterChoice   *SettlementChoice
	RespondentChoice *SettlementChoice
	SettlementType   *SettlementChoice
	RefundRatioBps   *int
	Resolution       *string
	PenaltyAmount    int
	PenalizedUserID  *string
	OpenedAt         time.Time
	ResolvedAt       *time.Time
	UpdatedAt        time.Time
}

// Evidence mirrors dispute_evidence: a photo reference with an optional note.
type Evidence struct {
	ID          string
	DisputeID   string
	SubmittedBy string
	Side        Side
	PhotoRef    string
	Note        *string
	CreatedAt   time.Time
}

// EvidenceItem is the caller-supplied form of a submission.
type EvidenceItem struct {
	PhotoRef string
	Note     *string
}
