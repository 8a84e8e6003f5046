package httpapi

import (
	"net/http"

	"valorswap/auth"
	"valorswap/deposit"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: toUserResponse(result.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	user, err := s.authService.GetUserByID(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

type verifyTierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleVerifyTier(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	var req verifyTierRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := s.authService.Verify(r.Context(), a.ID, deposit.TrustTier(req.Tier))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}
