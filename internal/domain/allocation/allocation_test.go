package allocation_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/okian/scanreward/internal/domain/allocation"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func agents(n int) []model.ScannerPerformance {
	out := make([]model.ScannerPerformance, n)
	for i := range out {
		out[i] = model.ScannerPerformance{
			AgentID:       fmt.Sprintf("agent-%02d", i+1),
			WalletAddress: fmt.Sprintf("0x%040d", i+1),
			WinRate:       0.5,
			TotalCalls:    int64(10 + i),
		}
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculate(t *testing.T) {
	Convey("Given three ranked agents, pool 100 and base 10", t, func() {
		plan, err := allocation.Calculate(agents(3), dec("100"), dec("10"), allocation.WithTokenDecimals(6))

		Convey("Then the harmonic shares are floored and the residual goes to rank 1", func() {
			So(err, ShouldBeNil)
			So(plan.Capped, ShouldBeFalse)
			So(plan.Allocations, ShouldHaveLength, 3)
			So(plan.Allocations[0].Amount.String(), ShouldEqual, "54.545455")
			So(plan.Allocations[1].Amount.String(), ShouldEqual, "27.272727")
			So(plan.Allocations[2].Amount.String(), ShouldEqual, "18.181818")
			So(plan.Total().Equal(dec("100")), ShouldBeTrue)
		})

		Convey("Then ranks and raw weights are recorded", func() {
			So(plan.Allocations[0].Rank, ShouldEqual, 1)
			So(plan.Allocations[2].Rank, ShouldEqual, 3)
			So(plan.Allocations[1].Weight.Equal(dec("5")), ShouldBeTrue)
			So(plan.Allocations[0].AgentID, ShouldEqual, "agent-01")
		})
	})

	Convey("Given whole-token precision", t, func() {
		plan, err := allocation.Calculate(agents(3), dec("100"), dec("10"), allocation.WithTokenDecimals(0))

		Convey("Then amounts are integers summing to the pool", func() {
			So(err, ShouldBeNil)
			So(plan.Allocations[0].Amount.String(), ShouldEqual, "55")
			So(plan.Allocations[1].Amount.String(), ShouldEqual, "27")
			So(plan.Allocations[2].Amount.String(), ShouldEqual, "18")
		})
	})

	Convey("Given weights that divide the pool exactly", t, func() {
		plan, err := allocation.Calculate(agents(4), dec("100"), dec("12"), allocation.WithTokenDecimals(18))

		Convey("Then no residual is needed", func() {
			So(err, ShouldBeNil)
			So(plan.Allocations[0].Amount.Equal(dec("48")), ShouldBeTrue)
			So(plan.Allocations[1].Amount.Equal(dec("24")), ShouldBeTrue)
			So(plan.Allocations[2].Amount.Equal(dec("16")), ShouldBeTrue)
			So(plan.Allocations[3].Amount.Equal(dec("12")), ShouldBeTrue)
		})
	})

	Convey("Given an available balance below the pool", t, func() {
		plan, err := allocation.Calculate(agents(3), dec("100"), dec("10"),
			allocation.WithTokenDecimals(6), allocation.WithAvailableCap(dec("50")))

		Convey("Then the plan is scaled down and flagged", func() {
			So(err, ShouldBeNil)
			So(plan.Capped, ShouldBeTrue)
			So(plan.Pool.Equal(dec("50")), ShouldBeTrue)
			So(plan.Total().Equal(dec("50")), ShouldBeTrue)
			So(plan.Allocations[1].Amount.String(), ShouldEqual, "13.636363")
		})
	})

	Convey("Given an available balance above the pool", t, func() {
		plan, err := allocation.Calculate(agents(2), dec("100"), dec("10"), allocation.WithAvailableCap(dec("1000")))

		Convey("Then the cap has no effect", func() {
			So(err, ShouldBeNil)
			So(plan.Capped, ShouldBeFalse)
			So(plan.Total().Equal(dec("100")), ShouldBeTrue)
		})
	})

	Convey("Given invalid inputs", t, func() {
		_, err := allocation.Calculate(agents(2), dec("100"), decimal.Zero)
		So(errors.Is(err, model.ErrInvalidEpoch), ShouldBeTrue)

		_, err = allocation.Calculate(agents(2), dec("-1"), dec("10"))
		So(errors.Is(err, model.ErrInvalidEpoch), ShouldBeTrue)

		_, err = allocation.Calculate(agents(2), dec("100"), dec("10"), allocation.WithTokenDecimals(-1))
		So(errors.Is(err, model.ErrInvalidEpoch), ShouldBeTrue)

		_, err = allocation.Calculate(nil, dec("100"), dec("10"))
		So(errors.Is(err, model.ErrNoParticipants), ShouldBeTrue)
	})
}

func TestCalculateProperties(t *testing.T) {
	Convey("For a range of pools and field sizes", t, func() {
		pools := []string{"0", "0.000001", "1", "7.5", "100", "123456.789", "1000000"}
		for _, p := range pools {
			for n := 1; n <= 25; n += 4 {
				plan, err := allocation.Calculate(agents(n), dec(p), dec("3"), allocation.WithTokenDecimals(6))
				So(err, ShouldBeNil)

				Convey(fmt.Sprintf("pool %s over %d agents sums exactly and never increases with rank", p, n), func() {
					So(plan.Total().Equal(dec(p)), ShouldBeTrue)
					for i := 1; i < len(plan.Allocations); i++ {
						So(plan.Allocations[i].Amount.LessThanOrEqual(plan.Allocations[i-1].Amount), ShouldBeTrue)
						So(plan.Allocations[i].Amount.IsNegative(), ShouldBeFalse)
					}
				})
			}
		}
	})
}
