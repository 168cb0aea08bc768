package repository

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func TestEpochRowMapping(t *testing.T) {
	Convey("Given a distributed epoch", t, func() {
		at := time.Date(2026, 10, 2, 3, 4, 5, 0, time.UTC)
		e := model.Epoch{
			ID: "e1", Name: "one", Sequence: 1,
			PoolSize: decimal.RequireFromString("1234.5"), BaseAllocation: decimal.NewFromInt(10),
			StartsAt: at.Add(-48 * time.Hour), EndsAt: at.Add(-time.Hour),
			Status: model.EpochClosed, Distributed: true, DistributedAt: &at, Version: 3,
		}

		Convey("When mapped to a row and back", func() {
			row := epochRowFromModel(e)
			back := row.toModel()

			Convey("Then nothing is lost", func() {
				So(row.Status, ShouldEqual, "CLOSED")
				So(back.PoolSize.Equal(e.PoolSize), ShouldBeTrue)
				So(back.DistributedAt.Equal(at), ShouldBeTrue)
				So(back.Version, ShouldEqual, 3)
			})
		})
	})
}

func TestAssembleRuns(t *testing.T) {
	Convey("Given run headers and transfer rows out of order", t, func() {
		t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
		heads := []runRow{
			{RunID: "r1", EpochID: "e1", Status: string(model.RunCompletedWithFailures), StartedAt: t0},
			{RunID: "r2", EpochID: "e1", Status: string(model.RunCompleted), StartedAt: t0.Add(time.Hour)},
		}
		rows := []transferRow{
			{EpochID: "e1", RunID: "r1", AgentID: "b", Rank: 2, Status: "FAILED"},
			{EpochID: "e1", RunID: "r2", AgentID: "b", Rank: 2, Status: "SUCCESS", Amount: decimal.NewFromInt(3)},
			{EpochID: "e1", RunID: "r1", AgentID: "a", Rank: 1, Status: "SUCCESS"},
		}

		runs := assembleRuns(heads, rows)

		Convey("Then each run gets its own results in rank order", func() {
			So(runs, ShouldHaveLength, 2)
			So(runs[0].Results, ShouldHaveLength, 2)
			So(runs[0].Results[0].AgentID, ShouldEqual, "a")
			So(runs[1].Results, ShouldHaveLength, 1)
			So(runs[1].Results[0].Amount.Equal(decimal.NewFromInt(3)), ShouldBeTrue)
			So(runs[1].Status, ShouldEqual, model.RunCompleted)
		})
	})
}

func TestPostgresErrorClassification(t *testing.T) {
	Convey("Unique violations are recognised through wrapping", t, func() {
		dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
		So(isUniqueViolation(dup), ShouldBeTrue)
		So(isUniqueViolation(&pgconn.PgError{Code: "40001"}), ShouldBeFalse)
		So(isUniqueViolation(errors.New("other")), ShouldBeFalse)

		So(isDomainError(fmt.Errorf("x: %w", model.ErrNotFound)), ShouldBeTrue)
		So(isDomainError(ErrActiveEpochExists), ShouldBeTrue)
		So(isDomainError(errors.New("io")), ShouldBeFalse)
	})

	Convey("A second ACTIVE epoch rejected by the index maps to ErrActiveEpochExists", t, func() {
		commit := fmt.Errorf("commit: %w", &pgconn.PgError{Code: "23505", ConstraintName: singleActiveIndex})
		err := uniqueViolation(commit, "e2")
		So(errors.Is(err, ErrActiveEpochExists), ShouldBeTrue)
		So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)
		So(err.Error(), ShouldContainSubstring, "e2")

		pk := &pgconn.PgError{Code: "23505", ConstraintName: "epochs_pkey"}
		So(errors.Is(uniqueViolation(pk, "e1"), ErrDuplicateEpoch), ShouldBeTrue)
		So(uniqueViolation(&pgconn.PgError{Code: "40001"}, "e1"), ShouldBeNil)
		So(uniqueViolation(errors.New("io"), "e1"), ShouldBeNil)
	})

	Convey("The single-ACTIVE index is partial on the ACTIVE status", t, func() {
		So(createSingleActiveIndex, ShouldContainSubstring, "UNIQUE INDEX IF NOT EXISTS "+singleActiveIndex)
		So(createSingleActiveIndex, ShouldEndWith, "WHERE status = 'ACTIVE'")
	})
}

func TestScyllaEpochMapping(t *testing.T) {
	Convey("Given a scanned scylla row", t, func() {
		row := scyllaEpoch{
			id: "e1", name: "one", pool: "100.25", base: "10", status: "ACTIVE",
			sequence: 4, version: 2,
			startsAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			endsAt:   time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC),
		}

		Convey("When converted", func() {
			e, err := row.toModel()

			Convey("Then text amounts parse and a zero timestamp means not distributed", func() {
				So(err, ShouldBeNil)
				So(e.PoolSize.String(), ShouldEqual, "100.25")
				So(e.DistributedAt, ShouldBeNil)
				So(e.Validate(), ShouldBeNil)
			})
		})

		Convey("When the pool is corrupt", func() {
			row.pool = "lots"
			_, err := row.toModel()

			Convey("Then conversion fails", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})

	Convey("Text amounts decode exactly or fail", t, func() {
		var h runRow
		h.RunID = "r1"
		So(h.setAmounts("100", "99.999999"), ShouldBeNil)
		So(h.Allocated.Equal(decimal.RequireFromString("99.999999")), ShouldBeTrue)
		So(h.setAmounts("100", ""), ShouldNotBeNil)

		r := transferRow{RunID: "r1", AgentID: "a"}
		So(r.setAmount("18.181818"), ShouldBeNil)
		So(r.Amount.String(), ShouldEqual, "18.181818")

		err := r.setAmount("1e")
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "agent a")
		So(r.Amount.String(), ShouldEqual, "18.181818")
	})

	Convey("Nullable timestamps bind as nil", t, func() {
		So(nullableTime(nil), ShouldBeNil)
		now := time.Now()
		So(nullableTime(&now), ShouldNotBeNil)
	})
}
