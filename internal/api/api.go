// Package api exposes the market engine over HTTP and WebSocket.
// It owns request decoding, domain-error → status-code mapping, and
// real-time price broadcasts; all business logic lives in the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/engine"
	"github.com/chloekek/henk/internal/lmsr"
	"github.com/chloekek/henk/internal/model"
)

// Handler wires the engine to the HTTP router.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Handler struct {
	engine *engine.Engine
	hub    *Hub
}

// NewHandler creates an API handler around an engine.
func NewHandler(eng *engine.Engine, hub *Hub) *Handler {
	return &Handler{engine: eng, hub: hub}
}

// Routes returns the API router, mounted under /api/v1 by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/users", h.createUser)
	r.Get("/users/{userID}/balance", h.getBalance)
	r.Get("/users/{userID}/portfolio", h.getPortfolio)

	r.Get("/markets", h.listMarkets)
	r.Post("/markets", h.createMarket)
	r.Post("/markets/sweep", h.sweepMarkets)
	r.Get("/markets/{marketID}", h.getMarket)
	r.Get("/markets/{marketID}/quote", h.getQuote)
	r.Get("/markets/{marketID}/history", h.getHistory)
	r.Get("/markets/{marketID}/positions/{userID}", h.getPositions)
	r.Post("/markets/{marketID}/open", h.openMarket)
	r.Post("/markets/{marketID}/close", h.closeMarket)
	r.Post("/markets/{marketID}/cancel", h.cancelMarket)
	r.Post("/markets/{marketID}/resolve", h.resolveMarket)

	r.Post("/trade", h.executeTrade)

	return r
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	UserID string `json:"user_id"`
}

// CreateUserResponse is returned from POST /users.
type CreateUserResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Delta     decimal.Decimal `json:"delta"`    // positive = buy, negative = sell
	MaxCost   decimal.Decimal `json:"max_cost"` // slippage cap for buys; 0 = no cap
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id"`
}

// --- Handlers ---

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	balance, err := h.engine.CreateUser(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateUserResponse{UserID: req.UserID, Balance: balance})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := h.engine.GetBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

func (h *Handler) getPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := h.engine.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (h *Handler) createMarket(w http.ResponseWriter, r *http.Request) {
	var params engine.CreateMarketParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := h.engine.CreateMarket(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

func (h *Handler) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.engine.ListMarkets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

func (h *Handler) getMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (h *Handler) getQuote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	outcomeID := r.URL.Query().Get("outcome")

	delta, err := decimal.NewFromString(r.URL.Query().Get("delta"))
	if err != nil {
		writeError(w, "delta must be a decimal number", http.StatusBadRequest)
		return
	}

	quote, err := h.engine.GetQuote(r.Context(), marketID, outcomeID, delta)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := h.engine.MarketHistory(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handler) getPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.GetPositions(r.Context(),
		chi.URLParam(r, "marketID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) openMarket(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.OpenMarket)
}

func (h *Handler) closeMarket(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.CloseMarket)
}

func (h *Handler) cancelMarket(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.CancelMarket)
}

// lifecycle runs a state transition and returns the updated market.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, marketID string) error) {
	marketID := chi.URLParam(r, "marketID")

	if err := op(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}

	market, err := h.engine.GetMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.broadcastMarket(market)
	writeJSON(w, http.StatusOK, market)
}

func (h *Handler) resolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.ResolveMarket(r.Context(), marketID, req.WinningOutcomeID); err != nil {
		writeDomainError(w, err)
		return
	}

	market, err := h.engine.GetMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.broadcastMarket(market)
	writeJSON(w, http.StatusOK, market)
}

func (h *Handler) sweepMarkets(w http.ResponseWriter, r *http.Request) {
	closed, err := h.engine.SweepClosed(r.Context(), time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if closed == nil {
		closed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"closed": closed})
}

func (h *Handler) executeTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := h.engine.ExecuteTrade(r.Context(),
		req.MarketID, req.UserID, req.OutcomeID, req.Delta, req.MaxCost)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if market, err := h.engine.GetMarket(r.Context(), req.MarketID); err == nil {
		h.broadcastMarket(market)
	}

	writeJSON(w, http.StatusOK, trade)
}

// broadcastMarket pushes the market's state and price vector to WebSocket
// clients.
func (h *Handler) broadcastMarket(m *model.Market) {
	if h.hub == nil {
		return
	}

	prices := make(map[string]string, len(m.Outcomes))
	for i, o := range m.Outcomes {
		if i < len(m.Prices) {
			prices[o.ID] = m.Prices[i].String()
		}
	}
	h.hub.Broadcast(WSMessage{
		Type:     "market_updated",
		MarketID: m.ID,
		State:    string(m.State),
		Prices:   prices,
	})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, ve.Message, http.StatusBadRequest)
	case errors.Is(err, lmsr.ErrInvalidLiquidity),
		errors.Is(err, lmsr.ErrTooFewOutcomes),
		errors.Is(err, lmsr.ErrInvalidOutcomeIndex):
		writeError(w, err.Error(), http.StatusBadRequest)
	case engine.IsNotFound(err):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrUserExists),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrAlreadyCancelled),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientPosition),
		errors.Is(err, model.ErrSlippageExceeded),
		errors.Is(err, model.ErrPositionLimit),
		errors.Is(err, model.ErrTxConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lmsr.ErrNumericOverflow):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
