package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler Suite")
}

var _ = Describe("InProcessScheduler", func() {
	It("enqueues without blocking and reports queued status", func() {
		s := NewInProcessScheduler(1, 4, func(ctx context.Context, task Task) error {
			return nil
		}, zap.NewNop().Sugar())

		handle, err := s.Enqueue(context.Background(), Task{Type: "directory", HexID: "abc"})
		Expect(err).NotTo(HaveOccurred())
		Expect(handle).NotTo(BeEmpty())

		status, err := s.Describe(context.Background(), handle)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(StatusQueued))
	})

	It("reports unknown for a handle it never issued", func() {
		s := NewInProcessScheduler(1, 4, func(ctx context.Context, task Task) error { return nil }, zap.NewNop().Sugar())
		status, err := s.Describe(context.Background(), "nonexistent")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(StatusUnknown))
	})

	It("returns an error rather than blocking when the queue is full", func() {
		s := NewInProcessScheduler(1, 1, func(ctx context.Context, task Task) error { return nil }, zap.NewNop().Sugar())
		_, err := s.Enqueue(context.Background(), Task{Type: "directory", HexID: "a"})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.Enqueue(context.Background(), Task{Type: "directory", HexID: "b"})
		Expect(err).To(HaveOccurred())
	})

	It("drains tasks through the handler and marks them done", func() {
		var mu sync.Mutex
		var processed []string

		s := NewInProcessScheduler(2, 4, func(ctx context.Context, task Task) error {
			mu.Lock()
			processed = append(processed, task.HexID)
			mu.Unlock()
			return nil
		}, zap.NewNop().Sugar())

		h1, _ := s.Enqueue(context.Background(), Task{Type: "directory", HexID: "a"})
		h2, _ := s.Enqueue(context.Background(), Task{Type: "directory", HexID: "b"})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		go s.Run(ctx)

		Eventually(func() Status {
			status, _ := s.Describe(context.Background(), h1)
			return status
		}, time.Second).Should(Equal(StatusDone))

		Eventually(func() Status {
			status, _ := s.Describe(context.Background(), h2)
			return status
		}, time.Second).Should(Equal(StatusDone))

		mu.Lock()
		defer mu.Unlock()
		Expect(processed).To(ConsistOf("a", "b"))
	})
})
