package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/scanreward/internal/adapters/performance"
	"github.com/okian/scanreward/internal/adapters/repository"
	app "github.com/okian/scanreward/internal/app"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/smartystreets/goconvey/convey"
)

func seededOptions(status model.EpochStatus) []app.Option {
	store := repository.NewMemoryStore()
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	err := store.CreateEpoch(context.Background(), model.Epoch{
		ID: "e1", Name: "week one", Sequence: 1,
		PoolSize: decimal.NewFromInt(100), BaseAllocation: decimal.NewFromInt(10),
		StartsAt: start, EndsAt: start.Add(7 * 24 * time.Hour), Status: status,
	})
	if err != nil {
		panic(err)
	}
	perf := performance.NewStatic()
	perf.Set("e1", []model.ScannerPerformance{
		{AgentID: "a", WalletAddress: fmt.Sprintf("0x%040x", 1), WinRate: 0.9, TotalCalls: 50},
		{AgentID: "b", WalletAddress: fmt.Sprintf("0x%040x", 2), WinRate: 0.5, TotalCalls: 20},
	})
	return []app.Option{app.WithStore(store), app.WithPerformanceProvider(perf)}
}

func run(out *bytes.Buffer, opts []app.Option, args ...string) error {
	return newApp(out, opts...).RunContext(context.Background(), append([]string{"scanreward"}, args...))
}

func TestCommands(t *testing.T) {
	convey.Convey("Given a CLI over a memory store on the simulated ledger", t, func() {
		var out bytes.Buffer

		convey.Convey("When the treasury is queried", func() {
			err := run(&out, nil, "treasury")

			convey.Convey("Then the simulated balance is reported", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out.String(), convey.ShouldContainSubstring, `"total": "1000000"`)
			})
		})

		convey.Convey("When a closed epoch is distributed", func() {
			err := run(&out, seededOptions(model.EpochClosed), "distribute", "--epoch", "e1")

			convey.Convey("Then the completed run is printed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out.String(), convey.ShouldContainSubstring, `"status": "COMPLETED"`)
				convey.So(out.String(), convey.ShouldContainSubstring, `"succeeded": 2`)
			})
		})

		convey.Convey("When an active epoch is distributed", func() {
			err := run(&out, seededOptions(model.EpochActive), "distribute", "-e", "e1")

			convey.Convey("Then the command fails with ErrEpochNotClosed", func() {
				convey.So(errors.Is(err, model.ErrEpochNotClosed), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When an unknown epoch's history is requested", func() {
			err := run(&out, nil, "history", "--epoch", "missing")

			convey.Convey("Then the command fails with ErrNotFound", func() {
				convey.So(errors.Is(err, model.ErrNotFound), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the epoch flag is missing", func() {
			err := run(&out, nil, "retry-failed")

			convey.Convey("Then the command is rejected", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When epochs are listed by status", func() {
			err := run(&out, seededOptions(model.EpochClosed), "epochs", "--status", "closed")

			convey.Convey("Then the matching epoch is printed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out.String(), convey.ShouldContainSubstring, `"id": "e1"`)
			})
		})

		convey.Convey("When an unknown status is given", func() {
			err := run(&out, nil, "epochs", "--status", "open")

			convey.Convey("Then the command is rejected", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When a sweep runs over a closed epoch", func() {
			err := run(&out, seededOptions(model.EpochClosed), "sweep")

			convey.Convey("Then the epoch is reported as distributed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out.String(), convey.ShouldContainSubstring, `"distributed": [`)
				convey.So(out.String(), convey.ShouldContainSubstring, `"e1"`)
			})
		})
	})
}

func TestEnvFile(t *testing.T) {
	convey.Convey("Given an env file overriding the simulated balance", t, func() {
		path := filepath.Join(t.TempDir(), "rewards.env")
		convey.So(os.WriteFile(path, []byte("REWARDS_SIMULATED_BALANCE=42\n"), 0o600), convey.ShouldBeNil)
		t.Cleanup(func() { _ = os.Unsetenv("REWARDS_SIMULATED_BALANCE") })

		convey.Convey("When the treasury is queried with it", func() {
			var out bytes.Buffer
			err := run(&out, nil, "--env-file", path, "treasury")

			convey.Convey("Then the file's value is used", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out.String(), convey.ShouldContainSubstring, `"total": "42"`)
			})
		})
	})

	convey.Convey("A missing env file fails before any command runs", t, func() {
		var out bytes.Buffer
		err := run(&out, nil, "--env-file", filepath.Join(t.TempDir(), "absent.env"), "treasury")
		convey.So(err, convey.ShouldNotBeNil)
		convey.So(out.String(), convey.ShouldNotContainSubstring, "total")
	})
}
