package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/ledger"
	"github.com/velosim/market-engine/internal/metrics"
	"github.com/velosim/market-engine/internal/model"
	"github.com/velosim/market-engine/internal/store"
)

// --- Request/Response types ---

// AdvanceRequest is the JSON body for POST /api/v1/games/{gameID}/advance.
type AdvanceRequest struct {
	Period int `json:"period"`
}

// LotRequest is the JSON body for registering a finished production lot.
type LotRequest struct {
	GameID         string          `json:"game_id"`
	AgentID        string          `json:"agent_id"`
	ProductID      string          `json:"product_id"`
	Segment        model.Segment   `json:"segment"`
	Quantity       int64           `json:"quantity"`
	ProductionCost decimal.Decimal `json:"production_cost"`
	CreatedPeriod  int             `json:"created_period"`
}

// --- HTTP Handlers ---

// HandleSubmitDecision handles POST /api/v1/decisions
func (s *Service) HandleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	d, err := s.SubmitDecision(r.Context(), req)
	if err != nil {
		metrics.DecisionsRejected.Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(d)
}

// HandleAdvanceTurn handles POST /api/v1/games/{gameID}/advance
func (s *Service) HandleAdvanceTurn(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var req AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.AdvanceTurn(r.Context(), gameID, req.Period)
	if err != nil {
		if errors.Is(err, ErrInvalidPeriod) || errors.Is(err, ErrMissingGame) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("advance turn failed", "game", gameID, "period", req.Period, "err", err)
		writeError(w, "turn processing failed", http.StatusInternalServerError)
		return
	}
	if report.Cells == nil {
		report.Cells = []model.CellOutcome{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// HandleCreateLot handles POST /api/v1/lots
// Registers a finished production lot into an agent's sellable inventory.
func (s *Service) HandleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req LotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.GameID == "" || req.AgentID == "" {
		writeError(w, "game_id and agent_id are required", http.StatusBadRequest)
		return
	}
	if !s.cfg.HasProduct(req.ProductID) {
		writeError(w, "unknown product: "+req.ProductID, http.StatusBadRequest)
		return
	}
	if !req.Segment.Valid() {
		writeError(w, "invalid segment: "+string(req.Segment), http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.ProductionCost.IsNegative() {
		writeError(w, "production cost must be non-negative", http.StatusBadRequest)
		return
	}

	lot := &model.InventoryLot{
		ID:             uuid.New().String(),
		GameID:         req.GameID,
		AgentID:        req.AgentID,
		ProductID:      req.ProductID,
		Segment:        req.Segment,
		Quantity:       req.Quantity,
		ProductionCost: req.ProductionCost,
		StorageCost:    decimal.Zero,
		CreatedPeriod:  req.CreatedPeriod,
	}
	if err := s.store.InsertLot(r.Context(), lot); err != nil {
		writeError(w, "failed to store lot", http.StatusInternalServerError)
		return
	}

	slog.Info("lot registered",
		"lot", lot.ID,
		"game", lot.GameID,
		"agent", lot.AgentID,
		"product", lot.ProductID,
		"segment", lot.Segment,
		"qty", lot.Quantity,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(lot)
}

// HandlePendingSummary handles GET /api/v1/agents/{agentID}/pending?game_id=
func (s *Service) HandlePendingSummary(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	gameID := r.URL.Query().Get("game_id")
	if gameID == "" {
		writeError(w, "game_id query parameter is required", http.StatusBadRequest)
		return
	}

	summary, err := s.GetPendingSummary(r.Context(), gameID, agentID)
	if err != nil {
		writeError(w, "failed to load pending decisions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// HandleSettlementResults handles
// GET /api/v1/agents/{agentID}/results?game_id=&period=
func (s *Service) HandleSettlementResults(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	gameID := r.URL.Query().Get("game_id")
	if gameID == "" {
		writeError(w, "game_id query parameter is required", http.StatusBadRequest)
		return
	}
	period, err := strconv.Atoi(r.URL.Query().Get("period"))
	if err != nil || period <= 0 {
		writeError(w, "period query parameter must be a positive integer", http.StatusBadRequest)
		return
	}

	results, err := s.GetSettlementResults(r.Context(), gameID, agentID, period)
	if err != nil {
		writeError(w, "failed to load settlement results", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []ResultView{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// HandleLedger handles GET /api/v1/agents/{agentID}/ledger?game_id=
// Returns the agent's balance and full transaction history.
func (s *Service) HandleLedger(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	gameID := r.URL.Query().Get("game_id")
	if gameID == "" {
		writeError(w, "game_id query parameter is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	balance, err := s.ledger.Balance(ctx, gameID, agentID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	entries, err := s.ledger.Entries(ctx, gameID, agentID)
	if err != nil {
		writeError(w, "failed to load ledger entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}

	resp := struct {
		AgentID string          `json:"agent_id"`
		GameID  string          `json:"game_id"`
		Balance decimal.Decimal `json:"balance"`
		Entries []ledger.Entry  `json:"entries"`
	}{agentID, gameID, balance, entries}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleListMarkets handles GET /api/v1/markets
// Returns the configured market catalog.
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	type marketView struct {
		ID               string `json:"id"`
		Name             string `json:"name"`
		CapacityBaseline int64  `json:"capacity_baseline"`
		Elasticity       string `json:"elasticity"`
	}
	out := make([]marketView, 0, len(s.cfg.Markets))
	for i := range s.cfg.Markets {
		m := &s.cfg.Markets[i]
		out = append(out, marketView{
			ID:               m.ID,
			Name:             m.Name,
			CapacityBaseline: m.CapacityBaseline,
			Elasticity:       m.Elasticity.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleGetDecision handles GET /api/v1/decisions/{decisionID}
func (s *Service) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionID")

	d, err := s.store.GetDecision(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "decision not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load decision", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}

// RegisterRoutes mounts all API routes on the router.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/decisions", s.HandleSubmitDecision)
		r.Get("/decisions/{decisionID}", s.HandleGetDecision)
		r.Post("/lots", s.HandleCreateLot)
		r.Post("/games/{gameID}/advance", s.HandleAdvanceTurn)
		r.Get("/agents/{agentID}/pending", s.HandlePendingSummary)
		r.Get("/agents/{agentID}/results", s.HandleSettlementResults)
		r.Get("/agents/{agentID}/ledger", s.HandleLedger)
		r.Get("/markets", s.HandleListMarkets)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
