package api

import (
	"context"
	"net/http"

	"github.com/okian/scanreward/internal/domain/model"
)

// TreasuryDependencies defines the interface for treasury reads.
type TreasuryDependencies interface {
	TreasuryStatus(ctx context.Context) (model.TreasuryStatus, error)
}

// TreasuryHandler handles treasury requests.
type TreasuryHandler struct {
	deps TreasuryDependencies
}

// NewTreasuryHandler creates a new treasury handler.
func NewTreasuryHandler(deps TreasuryDependencies) *TreasuryHandler {
	return &TreasuryHandler{deps: deps}
}

// HandleGetTreasury handles GET /treasury requests.
func (h *TreasuryHandler) HandleGetTreasury(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.TreasuryStatus(r.Context())
	if err != nil {
		// Balance reads go to the chain; an unreachable node is upstream trouble.
		writeError(w, http.StatusBadGateway, "treasury_unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
