// Package httpapi exposes the swap lifecycle over HTTP. Handlers bind the
// request to a service call and translate sentinel errors to status codes;
// all business rules live in the domain packages.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"valorswap/auth"
	"valorswap/delivery"
	"valorswap/deposit"
	"valorswap/dispute"
	"valorswap/swap"
	"valorswap/window"
)

// AuthService is the slice of auth.Service the handlers call.
type AuthService interface {
	TokenVerifier
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	Verify(ctx context.Context, userID string, tier deposit.TrustTier) (*auth.User, error)
}

// SwapService opens swaps and locks deposits.
type SwapService interface {
	Open(ctx context.Context, requesterID, listingID string, offeredListingID *string, proposedPrice int64, message string) (swap.Swap, error)
	Confirm(ctx context.Context, swapID, actorID string) (swap.Swap, error)
}

// SwapReader serves swap queries.
type SwapReader interface {
	Get(ctx context.Context, id string) (swap.Swap, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]swap.Swap, error)
	Events(ctx context.Context, swapID string) ([]swap.Event, error)
}

// Negotiator drives the price protocol.
type Negotiator interface {
	Propose(ctx context.Context, swapID, actorID string, price int64, message string) (swap.Swap, error)
	Counter(ctx context.Context, swapID, actorID string, price int64, message string) (swap.Swap, error)
	Accept(ctx context.Context, swapID, actorID string, message string) (swap.Swap, error)
	Reject(ctx context.Context, swapID, actorID string) (swap.Swap, error)
}

// DeliveryService drives credential issuance and confirmation.
type DeliveryService interface {
	Setup(ctx context.Context, params delivery.SetupParams) (delivery.IssueResult, error)
	Scan(ctx context.Context, actorID, token string) (delivery.ScanResult, error)
	Confirm(ctx context.Context, swapID, actorID, code, photoRef string) (swap.Swap, error)
}

// DisputeService drives the resolver machine.
type DisputeService interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Record, error)
	SubmitEvidence(ctx context.Context, disputeID, actorID string, items []dispute.EvidenceItem) (dispute.Record, error)
	ChooseSettlement(ctx context.Context, disputeID, actorID string, choice dispute.SettlementChoice) (dispute.Record, error)
	Adjudicate(ctx context.Context, p dispute.AdjudicateParams) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, error)
	GetBySwap(ctx context.Context, swapID string) (dispute.Record, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]dispute.Record, error)
	EvidenceFor(ctx context.Context, disputeID, actorID string) ([]dispute.Evidence, error)
}

// Server wires the services to routes.
type Server struct {
	authService     AuthService
	swapService     SwapService
	swaps           SwapReader
	negotiator      Negotiator
	deliveryService DeliveryService
	disputeService  DisputeService
	windowCfg       window.Config
	log             *zap.Logger
}

func NewServer(
	authService AuthService,
	swapService SwapService,
	swaps SwapReader,
	negotiator Negotiator,
	deliveryService DeliveryService,
	disputeService DisputeService,
	windowCfg window.Config,
	log *zap.Logger,
) *Server {
	return &Server{
		authService:     authService,
		swapService:     swapService,
		swaps:           swaps,
		negotiator:      negotiator,
		deliveryService: deliveryService,
		disputeService:  disputeService,
		windowCfg:       windowCfg,
		log:             log,
	}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(requireAuth(s.authService))

		pr.Get("/users/me", s.handleMe)
		pr.Post("/users/me/verify", s.handleVerifyTier)

		pr.Post("/swaps", s.handleOpenSwap)
		pr.Get("/swaps", s.handleListSwaps)
		pr.Get("/swaps/{swapID}", s.handleGetSwap)
		pr.Get("/swaps/{swapID}/events", s.handleSwapEvents)
		pr.Get("/swaps/{swapID}/window", s.handleSwapWindow)

		pr.Post("/swaps/{swapID}/propose", s.handlePropose)
		pr.Post("/swaps/{swapID}/counter", s.handleCounter)
		pr.Post("/swaps/{swapID}/accept", s.handleAccept)
		pr.Post("/swaps/{swapID}/reject", s.handleReject)
		pr.Post("/swaps/{swapID}/confirm", s.handleConfirmSwap)

		pr.Post("/swaps/{swapID}/delivery", s.handleSetupDelivery)
		pr.Post("/swaps/scan", s.handleScan)
		pr.Post("/swaps/{swapID}/delivery/confirm", s.handleConfirmDelivery)

		pr.Post("/swaps/{swapID}/dispute", s.handleOpenDispute)
		pr.Get("/disputes", s.handleListDisputes)
		pr.Get("/disputes/{disputeID}", s.handleGetDispute)
		pr.Get("/disputes/{disputeID}/evidence", s.handleDisputeEvidence)
		pr.Post("/disputes/{disputeID}/evidence", s.handleSubmitEvidence)
		pr.Post("/disputes/{disputeID}/settlement", s.handleChooseSettlement)

		pr.Group(func(ar chi.Router) {
			ar.Use(requireAdmin)
			ar.Post("/disputes/{disputeID}/adjudicate", s.handleAdjudicate)
		})
	})

	return r
}
