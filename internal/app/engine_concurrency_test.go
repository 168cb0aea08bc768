package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/scanreward/internal/adapters/chain"
	"github.com/okian/scanreward/internal/adapters/performance"
	"github.com/okian/scanreward/internal/adapters/repository"
	service "github.com/okian/scanreward/internal/app"
	"github.com/okian/scanreward/internal/domain/executor"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/internal/domain/ranking"
	"github.com/okian/scanreward/internal/domain/treasury"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

// gatedTransferer holds every transfer until its gate opens. entered is
// signalled on the first call.
type gatedTransferer struct {
	next    executor.Transferer
	gate    <-chan struct{}
	once    sync.Once
	entered chan struct{}
}

func newGated(next executor.Transferer, gate <-chan struct{}) *gatedTransferer {
	return &gatedTransferer{next: next, gate: gate, entered: make(chan struct{})}
}

func (g *gatedTransferer) Transfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.gate:
	case <-time.After(5 * time.Second):
	}
	return g.next.Transfer(ctx, key, to, amount)
}

// observingTransferer records the treasury status seen before every transfer.
type observingTransferer struct {
	next   executor.Transferer
	ledger *treasury.Ledger
	mu     sync.Mutex
	seen   []model.TreasuryStatus
}

func (o *observingTransferer) Transfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	st, err := o.ledger.Status(ctx)
	if err == nil {
		o.mu.Lock()
		o.seen = append(o.seen, st)
		o.mu.Unlock()
	}
	return o.next.Transfer(ctx, key, to, amount)
}

func newEngineOn(store repository.Store, perf *performance.Static, token *chain.Simulated, tx executor.Transferer, concurrency int) (*service.Engine, *treasury.Ledger) {
	ledger := treasury.NewLedger(treasuryAccount, token, store)
	exec := executor.New(store, tx, executor.WithConcurrency(concurrency))
	return service.NewEngine(store, ranking.New(perf), ledger, exec, service.WithTokenDecimals(6)), ledger
}

// closedEpochOn seeds a memory store with closed epoch e1 over tieExample.
func closedEpochOn(balance int64) (*repository.MemoryStore, *performance.Static, *chain.Simulated) {
	store := repository.NewMemoryStore()
	perf := performance.NewStatic()
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	err := store.CreateEpoch(context.Background(), model.Epoch{
		ID: "e1", Name: "e1", Sequence: 1,
		PoolSize: decimal.NewFromInt(100), BaseAllocation: decimal.NewFromInt(10),
		StartsAt: start, EndsAt: start.Add(7 * 24 * time.Hour), Status: model.EpochClosed,
	})
	if err != nil {
		panic(err)
	}
	perf.Set("e1", tieExample())
	return store, perf, chain.NewSimulated(treasuryAccount, decimal.NewFromInt(balance))
}

func conflictCount() float64 {
	families, err := metrics.GetRegistry().Gather()
	if err != nil {
		return -1
	}
	for _, mf := range families {
		if mf.GetName() == "scanreward_distribution_conflicts_total" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestEnginesSharingAStore(t *testing.T) {
	Convey("Given two engines with their own guards over one store", t, func() {
		ctx := context.Background()
		store, perf, token := closedEpochOn(1_000)

		gate := make(chan struct{})
		txA, txB := newGated(token, gate), newGated(token, gate)
		engineA, _ := newEngineOn(store, perf, token, txA, 3)
		engineB, _ := newEngineOn(store, perf, token, txB, 3)

		Convey("When both distribute the epoch at once", func() {
			var wg sync.WaitGroup
			results := make([]model.DistributionResult, 2)
			errs := make([]error, 2)
			for i, eng := range []*service.Engine{engineA, engineB} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = eng.Distribute(ctx, "e1")
				}()
			}
			<-txA.entered
			<-txB.entered
			close(gate)
			wg.Wait()

			runs, err := store.ListRuns(ctx, "e1")
			So(err, ShouldBeNil)

			Convey("Then both runs are recorded but only one counts", func() {
				So(errs[0], ShouldBeNil)
				So(errs[1], ShouldBeNil)
				So(runs, ShouldHaveLength, 2)

				counted, discarded := 0, 0
				for _, r := range runs {
					if r.Discarded {
						discarded++
						So(r.AbortReason, ShouldEqual, model.AbortConflict)
					} else {
						counted++
						So(r.Status, ShouldEqual, model.RunCompleted)
					}
				}
				So(counted, ShouldEqual, 1)
				So(discarded, ShouldEqual, 1)
				So(results[0].Discarded, ShouldNotEqual, results[1].Discarded)
			})

			Convey("Then the epoch history holds a single transfer set", func() {
				history, err := engineA.DistributionHistory(ctx, "e1")
				So(err, ShouldBeNil)
				So(history.Discarded, ShouldBeFalse)
				So(history.Results, ShouldHaveLength, 3)
				So(history.Succeeded, ShouldEqual, 3)

				e, _ := store.LoadEpoch(ctx, "e1")
				So(e.Distributed, ShouldBeTrue)
			})
		})
	})
}

func TestEngineTreasuryDuringRun(t *testing.T) {
	Convey("Given a treasury of 150 and a pool of 100 paid one transfer at a time", t, func() {
		ctx := context.Background()
		store, perf, token := closedEpochOn(150)

		observer := &observingTransferer{next: token}
		engine, ledger := newEngineOn(store, perf, token, observer, 1)
		observer.ledger = ledger

		Convey("When the epoch is distributed", func() {
			res, err := engine.Distribute(ctx, "e1")

			Convey("Then paid amounts leave the allocation as they land", func() {
				So(err, ShouldBeNil)
				So(res.Succeeded, ShouldEqual, 3)
				So(observer.seen, ShouldHaveLength, 3)
				for _, st := range observer.seen {
					So(st.Available.Equal(decimal.NewFromInt(50)), ShouldBeTrue)
				}
				So(observer.seen[1].Allocated.LessThan(observer.seen[0].Allocated), ShouldBeTrue)
			})

			Convey("Then nothing stays allocated afterwards", func() {
				st, err := engine.TreasuryStatus(ctx)
				So(err, ShouldBeNil)
				So(st.Allocated.IsZero(), ShouldBeTrue)
				So(st.Available.Equal(decimal.NewFromInt(50)), ShouldBeTrue)
			})
		})
	})
}

func TestEngineGuardRefusal(t *testing.T) {
	Convey("Given a distribution held in flight", t, func() {
		ctx := context.Background()
		store, perf, token := closedEpochOn(1_000)

		gate := make(chan struct{})
		tx := newGated(token, gate)
		engine, _ := newEngineOn(store, perf, token, tx, 3)

		var done atomic.Bool
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			_, _ = engine.Distribute(ctx, "e1")
			done.Store(true)
		}()
		<-tx.entered

		Convey("When a second trigger arrives", func() {
			before := conflictCount()
			res, err := engine.Distribute(ctx, "e1")
			after := conflictCount()
			close(gate)
			<-finished

			Convey("Then it is refused as a conflict and counted once", func() {
				So(err, ShouldBeNil)
				So(res.Discarded, ShouldBeTrue)
				So(res.AbortReason, ShouldEqual, model.AbortConflict)
				So(after-before, ShouldEqual, 1.0)
				So(done.Load(), ShouldBeTrue)
			})
		})
	})
}
