package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/okian/scanreward/internal/domain/model"
)

// DistributionDependencies defines the engine operations the epoch routes use.
type DistributionDependencies interface {
	Distribute(ctx context.Context, epochID string) (model.DistributionResult, error)
	RetryFailed(ctx context.Context, epochID string) (model.DistributionResult, error)
	DistributionHistory(ctx context.Context, epochID string) (model.DistributionResult, error)
	Runs(ctx context.Context, epochID string) ([]model.DistributionResult, error)
	Epoch(ctx context.Context, epochID string) (model.Epoch, error)
	Epochs(ctx context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error)
}

// DistributionHandler handles epoch and payout requests.
type DistributionHandler struct {
	deps DistributionDependencies
}

// NewDistributionHandler creates a new distribution handler.
func NewDistributionHandler(deps DistributionDependencies) *DistributionHandler {
	return &DistributionHandler{deps: deps}
}

// HandleDistribute handles POST /epochs/{id}/distribute requests.
func (h *DistributionHandler) HandleDistribute(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.deps.Distribute)
}

// HandleRetryFailed handles POST /epochs/{id}/retry-failed requests.
func (h *DistributionHandler) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.deps.RetryFailed)
}

// runOperation executes a payout detached from the client connection so a
// dropped request leaves in-flight transfers running.
func (h *DistributionHandler) runOperation(w http.ResponseWriter, r *http.Request,
	op func(context.Context, string) (model.DistributionResult, error),
) {
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	res, err := op(context.WithoutCancel(r.Context()), id)
	if err != nil {
		status, code := statusFor(err)
		body := runErrorResponse{errorResponse: errorResponse{Code: code, Message: err.Error()}}
		if res.RunID != "" || res.Status != "" {
			body.Result = &res
		}
		writeJSON(w, status, body)
		return
	}
	if res.Discarded || res.AbortReason == model.AbortConflict {
		writeJSON(w, http.StatusConflict, runErrorResponse{
			errorResponse: errorResponse{Code: "conflict", Message: model.ErrConflict.Error()},
			Result:        &res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGetDistribution handles GET /epochs/{id}/distribution requests.
func (h *DistributionHandler) HandleGetDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	res, err := h.deps.DistributionHistory(r.Context(), id)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleListRuns handles GET /epochs/{id}/runs requests.
func (h *DistributionHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	runs, err := h.deps.Runs(r.Context(), id)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err)
		return
	}
	if runs == nil {
		runs = []model.DistributionResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetEpoch handles GET /epochs/{id} requests.
func (h *DistributionHandler) HandleGetEpoch(w http.ResponseWriter, r *http.Request) {
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	e, err := h.deps.Epoch(r.Context(), id)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleListEpochs handles GET /epochs?status=ACTIVE,CLOSED requests.
func (h *DistributionHandler) HandleListEpochs(w http.ResponseWriter, r *http.Request) {
	var statuses []model.EpochStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := model.EpochStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !s.Valid() {
				writeError(w, http.StatusBadRequest, "bad_request", ErrUnknownStatus)
				return
			}
			statuses = append(statuses, s)
		}
	}
	epochs, err := h.deps.Epochs(r.Context(), statuses...)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err)
		return
	}
	if epochs == nil {
		epochs = []model.Epoch{}
	}
	writeJSON(w, http.StatusOK, epochs)
}

func epochID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrMissingEpochID)
		return "", false
	}
	return id, true
}
