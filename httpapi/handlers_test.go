package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"valorswap/auth"
	"valorswap/delivery"
	"valorswap/deposit"
	"valorswap/dispute"
	"valorswap/negotiation"
	"valorswap/swap"
	"valorswap/window"
)

type stubAuth struct {
	tokens map[string]actor
	user   auth.User
	err    error
}

func (s *stubAuth) VerifyToken(token string) (string, auth.Role, error) {
	a, ok := s.tokens[token]
	if !ok {
		return "", "", auth.ErrInvalidCredentials
	}
	return a.ID, a.Role, nil
}

func (s *stubAuth) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &s.user, nil
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	if s.err != nil {
		return auth.LoginResult{}, s.err
	}
	return auth.LoginResult{Token: "tok", User: s.user}, nil
}

func (s *stubAuth) GetUserByID(_ context.Context, _ string) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &s.user, nil
}

func (s *stubAuth) Verify(_ context.Context, _ string, _ deposit.TrustTier) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &s.user, nil
}

type stubSwapService struct {
	sw  swap.Swap
	err error
}

func (s *stubSwapService) Open(_ context.Context, _, _ string, _ *string, _ int64, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

func (s *stubSwapService) Confirm(_ context.Context, _, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

type stubSwapReader struct {
	sw     swap.Swap
	swaps  []swap.Swap
	events []swap.Event
	err    error
}

func (s *stubSwapReader) Get(_ context.Context, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

func (s *stubSwapReader) ListForUser(_ context.Context, _ string, _ int) ([]swap.Swap, error) {
	return s.swaps, s.err
}

func (s *stubSwapReader) Events(_ context.Context, _ string) ([]swap.Event, error) {
	return s.events, s.err
}

type stubNegotiator struct {
	sw  swap.Swap
	err error
}

func (s *stubNegotiator) Propose(_ context.Context, _, _ string, _ int64, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

func (s *stubNegotiator) Counter(_ context.Context, _, _ string, _ int64, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

func (s *stubNegotiator) Accept(_ context.Context, _, _ string, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

func (s *stubNegotiator) Reject(_ context.Context, _, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

type stubDelivery struct {
	issue delivery.IssueResult
	scan  delivery.ScanResult
	sw    swap.Swap
	err   error
}

func (s *stubDelivery) Setup(_ context.Context, _ delivery.SetupParams) (delivery.IssueResult, error) {
	return s.issue, s.err
}

func (s *stubDelivery) Scan(_ context.Context, _, _ string) (delivery.ScanResult, error) {
	return s.scan, s.err
}

func (s *stubDelivery) Confirm(_ context.Context, _, _, _, _ string) (swap.Swap, error) {
	return s.sw, s.err
}

type stubDispute struct {
	rec      dispute.Record
	records  []dispute.Record
	evidence []dispute.Evidence
	err      error
}

func (s *stubDispute) Open(_ context.Context, _ dispute.OpenParams) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDispute) SubmitEvidence(_ context.Context, _, _ string, _ []dispute.EvidenceItem) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDispute) ChooseSettlement(_ context.Context, _, _ string, _ dispute.SettlementChoice) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDispute) Adjudicate(_ context.Context, _ dispute.AdjudicateParams) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDispute) Get(_ context.Context, _ string) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDispute) GetBySwap(_ context.Context, _ string) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDispute) ListForUser(_ context.Context, _ string, _ int) ([]dispute.Record, error) {
	return s.records, s.err
}

func (s *stubDispute) EvidenceFor(_ context.Context, _, _ string) ([]dispute.Evidence, error) {
	return s.evidence, s.err
}

func testServer(t *testing.T, mutate func(*Server)) http.Handler {
	t.Helper()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sw := swap.Swap{
		ID:          "s1",
		ListingID:   "l1",
		OwnerID:     "owner",
		RequesterID: "requester",
		Status:      swap.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	srv := NewServer(
		&stubAuth{tokens: map[string]actor{
			"tok-owner":     {ID: "owner", Role: auth.RoleTrader},
			"tok-requester": {ID: "requester", Role: auth.RoleTrader},
			"tok-stranger":  {ID: "stranger", Role: auth.RoleTrader},
			"tok-admin":     {ID: "admin", Role: auth.RoleAdmin},
		}},
		&stubSwapService{sw: sw},
		&stubSwapReader{sw: sw, swaps: []swap.Swap{sw}},
		&stubNegotiator{sw: sw},
		&stubDelivery{},
		&stubDispute{},
		window.DefaultConfig(),
		zap.NewNop(),
	)
	if mutate != nil {
		mutate(srv)
	}
	return srv.Router()
}

func doRequest(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	h := testServer(t, nil)

	rec := doRequest(h, http.MethodGet, "/swaps/s1", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/swaps/s1", "bogus", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
}

func TestGetSwap_PartyOnly(t *testing.T) {
	h := testServer(t, nil)

	rec := doRequest(h, http.MethodGet, "/swaps/s1", "tok-owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("party: expected 200, got %d", rec.Code)
	}
	var resp swapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "s1" || resp.Status != "pending" {
		t.Fatalf("unexpected payload: %+v", resp)
	}

	rec = doRequest(h, http.MethodGet, "/swaps/s1", "tok-stranger", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", rec.Code)
	}
}

func TestOpenSwap(t *testing.T) {
	h := testServer(t, nil)

	rec := doRequest(h, http.MethodPost, "/swaps", "tok-requester",
		`{"listing_id": "l1", "proposed_price": 120}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodPost, "/swaps", "tok-requester", `{"proposed_price": 120}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing listing_id: expected 400, got %d", rec.Code)
	}
}

func TestPropose_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid price", negotiation.ErrInvalidPrice, http.StatusBadRequest},
		{"not party", negotiation.ErrNotParty, http.StatusForbidden},
		{"closed", negotiation.ErrClosed, http.StatusConflict},
		{"counter cap", negotiation.ErrLimitExceeded, http.StatusConflict},
		{"lock lost", swap.ErrConcurrentModification, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := testServer(t, func(s *Server) {
				s.negotiator = &stubNegotiator{err: tc.err}
			})
			rec := doRequest(h, http.MethodPost, "/swaps/s1/propose", "tok-owner", `{"price": 100}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestSetupDelivery_ReturnsTokenOnly(t *testing.T) {
	h := testServer(t, func(s *Server) {
		s.deliveryService = &stubDelivery{issue: delivery.IssueResult{QRToken: "vsqr1.s1.nonce.feedbeef"}}
	})

	rec := doRequest(h, http.MethodPost, "/swaps/s1/delivery", "tok-owner",
		`{"method": "fixed-point", "packaging_photo_ref": "photos/p1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "verification") || strings.Contains(rec.Body.String(), "code") {
		t.Fatalf("issuance response must not carry the verification code: %s", rec.Body.String())
	}
	var resp setupDeliveryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QRToken == "" {
		t.Fatal("expected qr_token in response")
	}
}

func TestConfirmDelivery_BadCode(t *testing.T) {
	h := testServer(t, func(s *Server) {
		s.deliveryService = &stubDelivery{err: delivery.ErrInvalidCredential}
	})

	rec := doRequest(h, http.MethodPost, "/swaps/s1/delivery/confirm", "tok-requester",
		`{"code": "000000", "receiver_photo_ref": "photos/r1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOpenDispute_WindowClosed(t *testing.T) {
	h := testServer(t, func(s *Server) {
		s.disputeService = &stubDispute{err: dispute.ErrWindowClosed}
	})

	rec := doRequest(h, http.MethodPost, "/swaps/s1/dispute", "tok-requester",
		`{"type": "defect", "description": "bent frame", "evidence": [{"photo_ref": "photos/d1"}]}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestAdjudicate_AdminOnly(t *testing.T) {
	h := testServer(t, nil)

	body := `{"resolution": "split", "uphold": true, "refund_ratio_bps": 5000}`
	rec := doRequest(h, http.MethodPost, "/disputes/d1/adjudicate", "tok-owner", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("trader: expected 403, got %d", rec.Code)
	}

	rec = doRequest(h, http.MethodPost, "/disputes/d1/adjudicate", "tok-admin", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogin(t *testing.T) {
	h := testServer(t, func(s *Server) {
		s.authService = &stubAuth{user: auth.User{ID: "u1", Email: "a@b.c", Role: auth.RoleTrader}}
	})

	rec := doRequest(h, http.MethodPost, "/auth/login", "", `{"email": "a@b.c", "password": "password1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.User.ID != "u1" {
		t.Fatalf("unexpected payload: %+v", resp)
	}

	h = testServer(t, func(s *Server) {
		s.authService = &stubAuth{err: auth.ErrInvalidCredentials}
	})
	rec = doRequest(h, http.MethodPost, "/auth/login", "", `{"email": "a@b.c", "password": "wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
