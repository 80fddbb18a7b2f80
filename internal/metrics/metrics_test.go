package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/internal/events"
	"github.com/angeloszaimis/query-gateway/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("RecordQuery", func() {
		It("should count outcomes per channel", func() {
			m.RecordQuery("streaming", "completed", 100*time.Millisecond, 0, false)
			m.RecordQuery("streaming", "failed", 300*time.Millisecond, 3, false)
			m.RecordQuery("async-job", "completed", time.Second, 0, false)

			snap := m.Snapshot()
			Expect(snap.TotalQueries).To(Equal(int64(3)))

			streaming := snap.Channels["streaming"]
			Expect(streaming.Queries).To(Equal(int64(2)))
			Expect(streaming.Outcomes).To(HaveKeyWithValue("completed", int64(1)))
			Expect(streaming.Outcomes).To(HaveKeyWithValue("failed", int64(1)))
			Expect(streaming.Retries).To(Equal(int64(3)))
			Expect(streaming.AvgLatency).To(Equal(200 * time.Millisecond))
			Expect(snap.Channels["async-job"].Queries).To(Equal(int64(1)))
		})

		It("should count fallbacks", func() {
			m.RecordQuery("streaming", "completed", time.Millisecond, 0, true)
			Expect(m.Snapshot().Channels["streaming"].Fallbacks).To(Equal(int64(1)))
		})

		It("should compute latency percentiles", func() {
			for i := 1; i <= 100; i++ {
				m.RecordQuery("streaming", "completed", time.Duration(i)*time.Millisecond, 0, false)
			}

			ch := m.Snapshot().Channels["streaming"]
			Expect(ch.P50Latency).To(Equal(51 * time.Millisecond))
			Expect(ch.P95Latency).To(Equal(96 * time.Millisecond))
			Expect(ch.P99Latency).To(Equal(100 * time.Millisecond))
		})

		It("should keep a bounded latency window", func() {
			for i := 0; i < 1100; i++ {
				m.RecordQuery("streaming", "completed", time.Second, 0, false)
			}
			m.RecordQuery("streaming", "completed", 0, 0, false)

			ch := m.Snapshot().Channels["streaming"]
			Expect(ch.Queries).To(Equal(int64(1101)))
			Expect(ch.P50Latency).To(Equal(time.Second))
		})
	})

	Describe("RecordBreakerEvent", func() {
		It("should count transitions per service", func() {
			m.RecordBreakerEvent("streaming", events.TypeFailure)
			m.RecordBreakerEvent("streaming", events.TypeFailure)
			m.RecordBreakerEvent("streaming", events.TypeOpen)

			b := m.Snapshot().Breakers["streaming"]
			Expect(b.Events).To(HaveKeyWithValue(events.TypeFailure, int64(2)))
			Expect(b.Events).To(HaveKeyWithValue(events.TypeOpen, int64(1)))
			Expect(b.LastEvent).To(Equal(events.TypeOpen))
		})
	})

	Describe("UpdateHealthStatus", func() {
		It("should only move Since when health changes", func() {
			t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			m.UpdateHealthStatus("streaming", true, t0)
			m.UpdateHealthStatus("streaming", true, t0.Add(time.Minute))

			Expect(m.Snapshot().Backends["streaming"].Since).To(Equal(t0))

			m.UpdateHealthStatus("streaming", false, t0.Add(2*time.Minute))
			backend := m.Snapshot().Backends["streaming"]
			Expect(backend.Healthy).To(BeFalse())
			Expect(backend.Since).To(Equal(t0.Add(2 * time.Minute)))
		})
	})

	Describe("Snapshot", func() {
		It("should not share maps with the live metrics", func() {
			m.RecordBreakerEvent("jobs", events.TypeFailure)
			snap := m.Snapshot()
			m.RecordBreakerEvent("jobs", events.TypeFailure)

			Expect(snap.Breakers["jobs"].Events[events.TypeFailure]).To(Equal(int64(1)))
		})
	})
})
