// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/scanreward/internal/domain/model"
)

// Dependencies required by HTTP handlers. The engine satisfies it; tests
// pass a stub.
type Dependencies interface {
	DistributionDependencies
	TreasuryDependencies
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	distributionHandler *DistributionHandler
	treasuryHandler     *TreasuryHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:       NewHealthHandler(),
		statsHandler:        NewStatsHandler(statsProvider),
		distributionHandler: NewDistributionHandler(deps),
		treasuryHandler:     NewTreasuryHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("GET /treasury", MetricsMiddleware(s.treasuryHandler.HandleGetTreasury, "treasury"))

	mux.HandleFunc("GET /epochs", MetricsMiddleware(s.distributionHandler.HandleListEpochs, "epochs"))
	mux.HandleFunc("GET /epochs/{id}", MetricsMiddleware(s.distributionHandler.HandleGetEpoch, "epoch"))
	mux.HandleFunc("POST /epochs/{id}/distribute", MetricsMiddleware(s.distributionHandler.HandleDistribute, "distribute"))
	mux.HandleFunc("POST /epochs/{id}/retry-failed", MetricsMiddleware(s.distributionHandler.HandleRetryFailed, "retry_failed"))
	mux.HandleFunc("GET /epochs/{id}/distribution", MetricsMiddleware(s.distributionHandler.HandleGetDistribution, "distribution"))
	mux.HandleFunc("GET /epochs/{id}/runs", MetricsMiddleware(s.distributionHandler.HandleListRuns, "runs"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// runErrorResponse carries the run outcome alongside the error when a run
// was attempted before it failed.
type runErrorResponse struct {
	errorResponse
	Result *model.DistributionResult `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// statusFor maps domain error kinds to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrEpochNotClosed):
		return http.StatusConflict, "epoch_not_closed"
	case errors.Is(err, model.ErrNotDistributed):
		return http.StatusConflict, "not_distributed"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrNoParticipants):
		return http.StatusUnprocessableEntity, "no_participants"
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, ErrBadRequest), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
