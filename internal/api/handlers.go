// Package api exposes the ledger and the market registry over HTTP and
// streams committed changes to WebSocket clients.
//
// The acting account is taken from the X-Account-ID header.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/ledger"
	"github.com/gamblescope/wager-engine/internal/market"
	"github.com/gamblescope/wager-engine/internal/model"
)

// ActorHeader names the acting account.
const ActorHeader = "X-Account-ID"

// Service holds the HTTP handlers.
type Service struct {
	registry *market.Registry
	ledger   *ledger.Ledger
}

// NewService creates the handler set.
func NewService(reg *market.Registry, l *ledger.Ledger) *Service {
	return &Service{registry: reg, ledger: l}
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	Username string `json:"username"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateMarketRequest is the JSON body for POST /markets. The owner is
// the acting account.
type CreateMarketRequest struct {
	Threshold   decimal.Decimal `json:"threshold"`
	Subject     string          `json:"subject"`
	TestName    string          `json:"test_name"`
	Description string          `json:"description,omitempty"`
}

// PlaceWagerRequest is the JSON body for POST /markets/{id}/wagers.
type PlaceWagerRequest struct {
	Side  string          `json:"side"` // ABOVE/BELOW (higher/lower accepted)
	Stake decimal.Decimal `json:"stake"`
}

// SettleRequest is the JSON body for POST /markets/{id}/settle.
type SettleRequest struct {
	RevealedValue *decimal.Decimal `json:"revealed_value"`
}

// ClearResponse reports a bulk clear.
type ClearResponse struct {
	Voided int `json:"voided"`
}

func actorID(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrValidation, err)
	}
	return nil
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	a, err := s.ledger.Open(r.Context(), req.Username)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ledger.List(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.ledger.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.ledger.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.ledger.Withdraw)
}

type fundsOp func(ctx context.Context, id string, amount decimal.Decimal) (*model.Account, error)

func (s *Service) moveFunds(w http.ResponseWriter, r *http.Request, op fundsOp) {
	id := chi.URLParam(r, "accountID")
	if err := s.authorizeSelf(r, id); err != nil {
		writeFailure(w, r, err)
		return
	}
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	a, err := op(r.Context(), id, req.Amount)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GrantAdmin handles POST /api/v1/accounts/{accountID}/admin
func (s *Service) GrantAdmin(w http.ResponseWriter, r *http.Request) {
	a, err := s.ledger.Grant(r.Context(), actorID(r), chi.URLParam(r, "accountID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// authorizeSelf lets an account act on itself; anyone else must be
// privileged.
func (s *Service) authorizeSelf(r *http.Request, accountID string) error {
	actor := actorID(r)
	if actor != "" && actor == accountID {
		return nil
	}
	return s.ledger.RequirePrivileged(r.Context(), actor)
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets?status=open|all
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.MarketSnapshot
		err     error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "open":
		markets, err = s.registry.ListOpenMarkets(r.Context())
	case "all":
		markets, err = s.registry.ListMarkets(r.Context())
	default:
		writeError(w, "status must be open or all", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	owner := actorID(r)
	if owner == "" {
		writeErrorKind(w, ActorHeader+" header is required", model.ErrorKind(model.ErrPermission), http.StatusForbidden)
		return
	}
	m, err := s.registry.CreateMarket(r.Context(), owner, req.Threshold, model.Metadata{
		Subject:     req.Subject,
		TestName:    req.TestName,
		Description: req.Description,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Quote handles GET /api/v1/markets/{marketID}/quote?side=&stake=
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := model.ParseSide(q.Get("side"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	stake, err := decimal.NewFromString(q.Get("stake"))
	if err != nil {
		writeError(w, "stake must be a decimal number", http.StatusBadRequest)
		return
	}
	quote, err := s.registry.Quote(r.Context(), chi.URLParam(r, "marketID"), side, stake)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// PlaceWager handles POST /api/v1/markets/{marketID}/wagers
func (s *Service) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req PlaceWagerRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	actor := actorID(r)
	if actor == "" {
		writeErrorKind(w, ActorHeader+" header is required", model.ErrorKind(model.ErrPermission), http.StatusForbidden)
		return
	}
	p, err := s.registry.PlaceWager(r.Context(), chi.URLParam(r, "marketID"), actor, side, req.Stake)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Settle handles POST /api/v1/markets/{marketID}/settle
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	if req.RevealedValue == nil {
		writeError(w, "revealed_value is required", http.StatusBadRequest)
		return
	}
	res, err := s.registry.Settle(r.Context(), chi.URLParam(r, "marketID"), *req.RevealedValue, actorID(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VoidMarket handles POST /api/v1/markets/{marketID}/void
func (s *Service) VoidMarket(w http.ResponseWriter, r *http.Request) {
	res, err := s.registry.VoidMarket(r.Context(), chi.URLParam(r, "marketID"), actorID(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClearMarkets handles DELETE /api/v1/markets[?owner=]
func (s *Service) ClearMarkets(w http.ResponseWriter, r *http.Request) {
	n, err := s.registry.ClearMarkets(r.Context(), actorID(r), r.URL.Query().Get("owner"))
	if err != nil {
		// A partial sweep still reports how far it got.
		status := statusFor(err)
		writeJSON(w, status, map[string]any{
			"error":  err.Error(),
			"kind":   model.ErrorKind(err),
			"voided": n,
		})
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Voided: n})
}
