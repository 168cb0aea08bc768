package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/okian/scanreward/internal/adapters/http/api"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

// Mock implementations for testing
type mockEngine struct {
	result   model.DistributionResult
	err      error
	history  model.DistributionResult
	histErr  error
	runs     []model.DistributionResult
	epoch    model.Epoch
	epochs   []model.Epoch
	treasury model.TreasuryStatus
	trErr    error

	calledWith string
	ctxErr     error
	statuses   []model.EpochStatus
}

func (m *mockEngine) Distribute(ctx context.Context, epochID string) (model.DistributionResult, error) {
	m.calledWith = "distribute:" + epochID
	m.ctxErr = ctx.Err()
	return m.result, m.err
}

func (m *mockEngine) RetryFailed(ctx context.Context, epochID string) (model.DistributionResult, error) {
	m.calledWith = "retry:" + epochID
	m.ctxErr = ctx.Err()
	return m.result, m.err
}

func (m *mockEngine) DistributionHistory(_ context.Context, epochID string) (model.DistributionResult, error) {
	m.calledWith = "history:" + epochID
	return m.history, m.histErr
}

func (m *mockEngine) Runs(_ context.Context, epochID string) ([]model.DistributionResult, error) {
	m.calledWith = "runs:" + epochID
	return m.runs, nil
}

func (m *mockEngine) Epoch(_ context.Context, epochID string) (model.Epoch, error) {
	if m.epoch.ID != epochID {
		return model.Epoch{}, fmt.Errorf("epoch %q: %w", epochID, model.ErrNotFound)
	}
	return m.epoch, nil
}

func (m *mockEngine) Epochs(_ context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error) {
	m.statuses = statuses
	return m.epochs, nil
}

func (m *mockEngine) TreasuryStatus(context.Context) (model.TreasuryStatus, error) {
	return m.treasury, m.trErr
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

func newMux(eng *mockEngine, stats api.StatsProvider) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(eng, stats).Register(context.Background(), mux)
	return mux
}

func serve(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func completed() model.DistributionResult {
	return model.DistributionResult{
		RunID:     "run-1",
		EpochID:   "e1",
		Kind:      model.RunDistribute,
		Status:    model.RunCompleted,
		Pool:      decimal.NewFromInt(100),
		Allocated: decimal.NewFromInt(100),
		Succeeded: 3,
	}
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		eng := &mockEngine{}
		mux := newMux(eng, &mockStatsProvider{stats: map[string]interface{}{"started": true}})

		Convey("Then the health endpoint serves metrics", func() {
			w := serve(mux, http.MethodGet, "/healthz")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then the stats endpoint serves provider stats", func() {
			w := serve(mux, http.MethodGet, "/stats")
			So(w.Code, ShouldEqual, http.StatusOK)
			var body map[string]interface{}
			So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
			So(body["started"], ShouldEqual, true)
		})

		Convey("Then unknown paths are not found", func() {
			w := serve(mux, http.MethodGet, "/leaderboard")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then a wrong method is rejected", func() {
			w := serve(mux, http.MethodGet, "/epochs/e1/distribute")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			So(eng.calledWith, ShouldBeEmpty)
		})
	})

	Convey("Given a server without a stats provider", t, func() {
		mux := newMux(&mockEngine{}, nil)

		Convey("Then stats is an empty object", func() {
			w := serve(mux, http.MethodGet, "/stats")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldEqual, "{}\n")
		})
	})
}

func TestDistributeEndpoint(t *testing.T) {
	Convey("Given an engine that completes the run", t, func() {
		eng := &mockEngine{result: completed()}
		mux := newMux(eng, nil)

		Convey("When the distribute route is called", func() {
			w := serve(mux, http.MethodPost, "/epochs/e1/distribute")

			Convey("Then the result is returned with 200", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(eng.calledWith, ShouldEqual, "distribute:e1")
				var body model.DistributionResult
				So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
				So(body.RunID, ShouldEqual, "run-1")
				So(body.Status, ShouldEqual, model.RunCompleted)
				So(body.Allocated.Equal(decimal.NewFromInt(100)), ShouldBeTrue)
			})
		})

		Convey("When the client has already gone away", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			req := httptest.NewRequest(http.MethodPost, "/epochs/e1/distribute", nil).WithContext(ctx)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			Convey("Then the run still sees a live context", func() {
				So(eng.ctxErr, ShouldBeNil)
				So(w.Code, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When the retry route is called", func() {
			w := serve(mux, http.MethodPost, "/epochs/e1/retry-failed")

			Convey("Then the engine retry is invoked", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(eng.calledWith, ShouldEqual, "retry:e1")
			})
		})
	})

	Convey("Given an engine that lost the race for the epoch", t, func() {
		res := completed()
		res.Status = model.RunAborted
		res.AbortReason = model.AbortConflict
		res.Discarded = true
		mux := newMux(&mockEngine{result: res}, nil)

		Convey("Then the response is a conflict carrying the run", func() {
			w := serve(mux, http.MethodPost, "/epochs/e1/distribute")
			So(w.Code, ShouldEqual, http.StatusConflict)
			var body struct {
				Code   string                    `json:"code"`
				Result *model.DistributionResult `json:"result"`
			}
			So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
			So(body.Code, ShouldEqual, "conflict")
			So(body.Result, ShouldNotBeNil)
			So(body.Result.AbortReason, ShouldEqual, model.AbortConflict)
		})
	})

	Convey("Given engine failures", t, func() {
		cases := []struct {
			name   string
			err    error
			status int
			code   string
		}{
			{"unknown epoch", model.ErrNotFound, http.StatusNotFound, "not_found"},
			{"epoch still open", model.ErrEpochNotClosed, http.StatusConflict, "epoch_not_closed"},
			{"retry before payout", model.ErrNotDistributed, http.StatusConflict, "not_distributed"},
			{"nobody participated", model.ErrNoParticipants, http.StatusUnprocessableEntity, "no_participants"},
			{"treasury short", model.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
			{"deadline passed", model.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
			{"store down", errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
		}
		for _, tc := range cases {
			Convey("When the failure is "+tc.name, func() {
				eng := &mockEngine{err: fmt.Errorf("epoch e1: %w", tc.err)}
				w := serve(newMux(eng, nil), http.MethodPost, "/epochs/e1/distribute")

				Convey("Then it maps to the right status", func() {
					So(w.Code, ShouldEqual, tc.status)
					var body struct {
						Code   string                    `json:"code"`
						Result *model.DistributionResult `json:"result"`
					}
					So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
					So(body.Code, ShouldEqual, tc.code)
					So(body.Result, ShouldBeNil)
				})
			})
		}

		Convey("When a run aborts after it was recorded", func() {
			res := completed()
			res.Status = model.RunAborted
			res.AbortReason = model.AbortTimeout
			eng := &mockEngine{result: res, err: model.ErrTimeout}
			w := serve(newMux(eng, nil), http.MethodPost, "/epochs/e1/distribute")

			Convey("Then the partial run is returned with the error", func() {
				So(w.Code, ShouldEqual, http.StatusGatewayTimeout)
				var body struct {
					Result *model.DistributionResult `json:"result"`
				}
				So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
				So(body.Result, ShouldNotBeNil)
				So(body.Result.RunID, ShouldEqual, "run-1")
			})
		})
	})
}

func TestReadEndpoints(t *testing.T) {
	Convey("Given an engine with one paid epoch", t, func() {
		eng := &mockEngine{
			history: completed(),
			epoch:   model.Epoch{ID: "e1", Status: model.EpochClosed, Distributed: true},
			epochs:  []model.Epoch{{ID: "e1", Status: model.EpochClosed}},
			treasury: model.TreasuryStatus{
				Account:   "0xabc",
				Total:     decimal.NewFromInt(900),
				Available: decimal.NewFromInt(900),
			},
		}
		mux := newMux(eng, nil)

		Convey("Then the consolidated history is served", func() {
			w := serve(mux, http.MethodGet, "/epochs/e1/distribution")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(eng.calledWith, ShouldEqual, "history:e1")
		})

		Convey("Then missing history is a 404", func() {
			eng.histErr = model.ErrNotFound
			w := serve(mux, http.MethodGet, "/epochs/e2/distribution")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then an epoch without runs lists an empty array", func() {
			w := serve(mux, http.MethodGet, "/epochs/e1/runs")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldEqual, "[]\n")
		})

		Convey("Then a single epoch is served and an unknown one is a 404", func() {
			So(serve(mux, http.MethodGet, "/epochs/e1").Code, ShouldEqual, http.StatusOK)
			So(serve(mux, http.MethodGet, "/epochs/e9").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then epochs are filtered by status", func() {
			w := serve(mux, http.MethodGet, "/epochs?status=closed,active")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(eng.statuses, ShouldResemble, []model.EpochStatus{model.EpochClosed, model.EpochActive})
		})

		Convey("Then an unknown status filter is a bad request", func() {
			w := serve(mux, http.MethodGet, "/epochs?status=open")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Then the treasury status is served", func() {
			w := serve(mux, http.MethodGet, "/treasury")
			So(w.Code, ShouldEqual, http.StatusOK)
			var body model.TreasuryStatus
			So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
			So(body.Account, ShouldEqual, "0xabc")
			So(body.Available.Equal(decimal.NewFromInt(900)), ShouldBeTrue)
		})

		Convey("Then an unreachable balance source is a bad gateway", func() {
			eng.trErr = errors.New("dial tcp: refused")
			w := serve(mux, http.MethodGet, "/treasury")
			So(w.Code, ShouldEqual, http.StatusBadGateway)
		})
	})
}

func TestWithCORS(t *testing.T) {
	Convey("Given the API behind a CORS policy", t, func() {
		mux := newMux(&mockEngine{treasury: model.TreasuryStatus{Account: "0xabc"}}, nil)
		h := api.WithCORS(mux, []string{"https://ops.example.com"})

		Convey("When an allowed origin sends a preflight", func() {
			req := httptest.NewRequest(http.MethodOptions, "/epochs/e1/distribute", nil)
			req.Header.Set("Origin", "https://ops.example.com")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			Convey("Then the origin is echoed back", func() {
				So(w.Header().Get("Access-Control-Allow-Origin"), ShouldEqual, "https://ops.example.com")
			})
		})

		Convey("When another origin reads the treasury", func() {
			req := httptest.NewRequest(http.MethodGet, "/treasury", nil)
			req.Header.Set("Origin", "https://evil.example.com")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			Convey("Then the request is served without CORS headers", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Access-Control-Allow-Origin"), ShouldBeEmpty)
			})
		})
	})

	Convey("Without origins the handler is returned as is", t, func() {
		mux := http.NewServeMux()
		So(api.WithCORS(mux, nil), ShouldEqual, mux)
	})
}
