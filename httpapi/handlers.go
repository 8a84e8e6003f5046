package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"valorswap/auth"
	"valorswap/delivery"
	"valorswap/swap"
	"valorswap/window"
)

type openSwapRequest struct {
	ListingID        string  `json:"listing_id"`
	OfferedListingID *string `json:"offered_listing_id,omitempty"`
	ProposedPrice    int64   `json:"proposed_price"`
	Message          string  `json:"message,omitempty"`
}

func (s *Server) handleOpenSwap(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req openSwapRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ListingID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "listing_id is required"})
		return
	}
	sw, err := s.swapService.Open(r.Context(), a.ID, req.ListingID, req.OfferedListingID, req.ProposedPrice, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSwapResponse(sw))
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	swaps, err := s.swaps.ListForUser(r.Context(), a.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]swapResponse, 0, len(swaps))
	for _, sw := range swaps {
		out = append(out, toSwapResponse(sw))
	}
	writeJSON(w, http.StatusOK, out)
}

// getPartySwap loads the swap and enforces that the caller is one of its
// parties. Non-parties get 404, not 403; swap existence is not disclosed.
func (s *Server) getPartySwap(w http.ResponseWriter, r *http.Request) (swap.Swap, bool) {
	a, _ := actorFrom(r.Context())
	sw, err := s.swaps.Get(r.Context(), chi.URLParam(r, "swapID"))
	if err != nil {
		s.writeError(w, err)
		return swap.Swap{}, false
	}
	if a.ID != sw.OwnerID && a.ID != sw.RequesterID && a.Role != auth.RoleAdmin {
		writeJSON(w, http.StatusNotFound, errorBody{Error: swap.ErrNotFound.Error()})
		return swap.Swap{}, false
	}
	return sw, true
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.getPartySwap(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

func (s *Server) handleSwapEvents(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.getPartySwap(w, r)
	if !ok {
		return
	}
	events, err := s.swaps.Events(r.Context(), sw.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

type windowResponse struct {
	RiskTier        string  `json:"risk_tier,omitempty"`
	EndsAt          string  `json:"ends_at,omitempty"`
	HoursTotal      int     `json:"hours_total"`
	RemainingHours  float64 `json:"remaining_hours"`
	IsActive        bool    `json:"is_active"`
	CanOpenDispute  bool    `json:"can_open_dispute"`
	CanAutoComplete bool    `json:"can_auto_complete"`
}

func (s *Server) handleSwapWindow(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.getPartySwap(w, r)
	if !ok {
		return
	}
	resp := windowResponse{}
	if sw.RiskTier != nil && sw.DisputeWindowEndsAt != nil {
		tier := window.RiskTier(*sw.RiskTier)
		win := s.windowCfg.For(tier, *sw.DisputeWindowEndsAt, sw.Status == swap.StatusDelivered, time.Now())
		resp = windowResponse{
			RiskTier:        string(tier),
			EndsAt:          win.EndsAt.Format(time.RFC3339),
			HoursTotal:      win.HoursTotal,
			RemainingHours:  win.RemainingHours,
			IsActive:        win.IsActive,
			CanOpenDispute:  win.CanOpenDispute,
			CanAutoComplete: win.CanAutoComplete,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type priceRequest struct {
	Price   int64  `json:"price"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req priceRequest
	if !decode(w, r, &req) {
		return
	}
	sw, err := s.negotiator.Propose(r.Context(), chi.URLParam(r, "swapID"), a.ID, req.Price, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req priceRequest
	if !decode(w, r, &req) {
		return
	}
	sw, err := s.negotiator.Counter(r.Context(), chi.URLParam(r, "swapID"), a.ID, req.Price, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req struct {
		Message string `json:"message,omitempty"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	sw, err := s.negotiator.Accept(r.Context(), chi.URLParam(r, "swapID"), a.ID, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	sw, err := s.negotiator.Reject(r.Context(), chi.URLParam(r, "swapID"), a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

func (s *Server) handleConfirmSwap(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	sw, err := s.swapService.Confirm(r.Context(), chi.URLParam(r, "swapID"), a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}

type setupDeliveryRequest struct {
	Method            string `json:"method"`
	LocationRef       string `json:"location_ref,omitempty"`
	PackagingPhotoRef string `json:"packaging_photo_ref"`
}

type setupDeliveryResponse struct {
	QRToken       string `json:"qr_token"`
	AlreadyIssued bool   `json:"already_issued"`
}

func (s *Server) handleSetupDelivery(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req setupDeliveryRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deliveryService.Setup(r.Context(), delivery.SetupParams{
		SwapID:            chi.URLParam(r, "swapID"),
		ActorID:           a.ID,
		PackagingPhotoRef: req.PackagingPhotoRef,
		Method:            swap.DeliveryMethod(req.Method),
		LocationRef:       req.LocationRef,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setupDeliveryResponse{QRToken: res.QRToken, AlreadyIssued: res.AlreadyIssued})
}

type scanRequest struct {
	Token string `json:"token"`
}

type scanResponse struct {
	SwapID         string `json:"swap_id"`
	AlreadyScanned bool   `json:"already_scanned"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req scanRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deliveryService.Scan(r.Context(), a.ID, req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{SwapID: res.SwapID, AlreadyScanned: res.AlreadyScanned})
}

type confirmDeliveryRequest struct {
	Code             string `json:"code"`
	ReceiverPhotoRef string `json:"receiver_photo_ref"`
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req confirmDeliveryRequest
	if !decode(w, r, &req) {
		return
	}
	sw, err := s.deliveryService.Confirm(r.Context(), chi.URLParam(r, "swapID"), a.ID, req.Code, req.ReceiverPhotoRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(sw))
}
