package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	queue "github.com/okian/scanreward/internal/adapters/mq/queue"
	worker "github.com/okian/scanreward/internal/adapters/mq/worker"
	model "github.com/okian/scanreward/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

type recordingHandler struct {
	mu       sync.Mutex
	handled  []int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	panicOn  int
}

func (h *recordingHandler) Handle(_ context.Context, j queue.Job) { //nolint:gocritic // hugeParam: test double
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if h.panicOn > 0 && j.Index == h.panicOn {
		panic("boom")
	}
	h.mu.Lock()
	h.handled = append(h.handled, j.Index)
	h.mu.Unlock()
}

func fill(q *queue.InMemoryQueue, n int) {
	for i := 0; i < n; i++ {
		_ = q.Enqueue(context.Background(), queue.Job{Index: i, Allocation: model.Allocation{Rank: i + 1}})
	}
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over a filled queue", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(64))

		convey.Convey("When it drains twenty jobs with three workers", func() {
			fill(q, 20)
			h := &recordingHandler{delay: 2 * time.Millisecond}
			p := worker.NewPool(3, q, h)
			p.Start(ctx)
			err := p.Drain(ctx)

			convey.Convey("Then every job is handled and concurrency stays bounded", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(h.handled, convey.ShouldHaveLength, 20)
				convey.So(h.peak.Load(), convey.ShouldBeLessThanOrEqualTo, 3)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When a job panics", func() {
			fill(q, 5)
			h := &recordingHandler{panicOn: 2}
			p := worker.NewPool(1, q, h)
			p.Start(ctx)
			_ = p.Drain(ctx)

			convey.Convey("Then the remaining jobs still run", func() {
				convey.So(h.handled, convey.ShouldHaveLength, 4)
			})
		})

		convey.Convey("When the worker count is not positive", func() {
			p := worker.NewPool(0, q, worker.HandlerFunc(func(context.Context, queue.Job) {}))

			convey.Convey("Then the default concurrency is used", func() {
				convey.So(p.Size(), convey.ShouldEqual, worker.DefaultConcurrency)
			})
		})
	})
}

func TestWorkerShutdown(t *testing.T) {
	convey.Convey("Given a running worker on an open queue", t, func() {
		q := queue.NewInMemoryQueue()
		w := worker.NewInMemoryWorker(q, worker.HandlerFunc(func(context.Context, queue.Job) {}), worker.WithName("solo"))
		go w.Run(context.Background())

		convey.Convey("When shut down", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err := w.Shutdown(ctx)

			convey.Convey("Then it stops and a second shutdown is harmless", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(w.Shutdown(ctx), convey.ShouldBeNil)
				_, open := <-w.Done()
				convey.So(open, convey.ShouldBeFalse)
			})
		})
	})
}
