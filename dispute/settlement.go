package dispute

// SettlementChoice is one entry of the fixed settlement menu both parties
// pick from. Matching picks resolve the dispute without adjudication.
type SettlementChoice string

const (
	SettleHalfRefund      SettlementChoice = "50_50"
	SettleSeventyRefund   SettlementChoice = "70_30"
	SettleFullRefund      SettlementChoice = "full_refund"
	SettleCancelNoPenalty SettlementChoice = "cancel_no_penalty"
)

// ValidChoice reports whether c is on the settlement menu.
func ValidChoice(c SettlementChoice) bool {
	switch c {
	case SettleHalfRefund, SettleSeventyRefund, SettleFullRefund, SettleCancelNoPenalty:
		return true
	}
	return false
}

// RefundBps returns the fraction of the agreed price refunded to the
// requester, in basis points. full_refund unwinds the swap entirely;
// cancel_no_penalty withdraws the complaint and settles at full price.
func RefundBps(c SettlementChoice) int {
	switch c {
	case SettleHalfRefund:
		return 5000
	case SettleSeventyRefund:
		return 7000
	case SettleFullRefund:
		return 10000
	default:
		return 0
	}
}

// SettlementAmount computes the price the requester actually pays under a
// partial refund. Rounds to the nearest Valor.
func SettlementAmount(agreedPrice int64, refundBps int) int64 {
	return (agreedPrice*int64(10000-refundBps) + 5000) / 10000
}

// ChoiceOutcome classifies the state of the two parties' settlement picks.
type ChoiceOutcome int

const (
	// OutcomeWaiting means at least one party has not chosen yet.
	OutcomeWaiting ChoiceOutcome = iota
	// OutcomeMatched means both parties picked the same entry.
	OutcomeMatched
	// OutcomeDiverged means the picks differ and adjudication is needed.
	OutcomeDiverged
)

// ResolveChoices compares the two picks.
func ResolveChoices(reporter, respondent *SettlementChoice) ChoiceOutcome {
	if reporter == nil || respondent == nil {
		return OutcomeWaiting
	}
	if *reporter == *respondent {
		return OutcomeMatched
	}
	return OutcomeDiverged
}
