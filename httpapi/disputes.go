package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"valorswap/auth"
	"valorswap/dispute"
)

type evidenceItem struct {
	PhotoRef string  `json:"photo_ref"`
	Note     *string `json:"note,omitempty"`
}

func toEvidenceItems(items []evidenceItem) []dispute.EvidenceItem {
	out := make([]dispute.EvidenceItem, 0, len(items))
	for _, item := range items {
		out = append(out, dispute.EvidenceItem{PhotoRef: item.PhotoRef, Note: item.Note})
	}
	return out
}

type openDisputeRequest struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Evidence    []evidenceItem `json:"evidence"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req openDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
		SwapID:      chi.URLParam(r, "swapID"),
		ReporterID:  a.ID,
		Type:        dispute.Type(req.Type),
		Description: req.Description,
		Evidence:    toEvidenceItems(req.Evidence),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.disputeService.ListForUser(r.Context(), a.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	rec, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if a.ID != rec.ReporterID && a.ID != rec.RespondentID && a.Role != auth.RoleAdmin {
		writeJSON(w, http.StatusNotFound, errorBody{Error: dispute.ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type evidenceResponse struct {
	ID          string `json:"id"`
	SubmittedBy string `json:"submitted_by"`
	Side        string `json:"side"`
	PhotoRef    string `json:"photo_ref"`
	Note        string `json:"note,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleDisputeEvidence(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	evidence, err := s.disputeService.EvidenceFor(r.Context(), chi.URLParam(r, "disputeID"), a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]evidenceResponse, 0, len(evidence))
	for _, ev := range evidence {
		resp := evidenceResponse{
			ID:          ev.ID,
			SubmittedBy: ev.SubmittedBy,
			Side:        string(ev.Side),
			PhotoRef:    ev.PhotoRef,
			CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
		}
		if ev.Note != nil {
			resp.Note = *ev.Note
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

type submitEvidenceRequest struct {
	Evidence []evidenceItem `json:"evidence"`
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req submitEvidenceRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.disputeService.SubmitEvidence(r.Context(), chi.URLParam(r, "disputeID"), a.ID, toEvidenceItems(req.Evidence))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type chooseSettlementRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) handleChooseSettlement(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req chooseSettlementRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.disputeService.ChooseSettlement(r.Context(), chi.URLParam(r, "disputeID"), a.ID, dispute.SettlementChoice(req.Choice))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type adjudicateRequest struct {
	Resolution      string  `json:"resolution"`
	Uphold          bool    `json:"uphold"`
	RefundRatioBps  int     `json:"refund_ratio_bps"`
	Penalty         int     `json:"penalty"`
	PenalizedUserID *string `json:"penalized_user_id,omitempty"`
}

func (s *Server) handleAdjudicate(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req adjudicateRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.disputeService.Adjudicate(r.Context(), dispute.AdjudicateParams{
		DisputeID:       chi.URLParam(r, "disputeID"),
		AdminID:         a.ID,
		Resolution:      req.Resolution,
		Uphold:          req.Uphold,
		RefundBps:       req.RefundRatioBps,
		Penalty:         req.Penalty,
		PenalizedUserID: req.PenalizedUserID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}
