package events_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/internal/events"
)

var _ = Describe("Log", func() {
	var log *events.Log

	BeforeEach(func() {
		log = events.NewLog(3)
	})

	Describe("NewLog", func() {
		It("should fall back to the default capacity", func() {
			Expect(events.NewLog(0).Capacity()).To(Equal(events.DefaultCapacity))
		})

		It("should start empty", func() {
			Expect(log.Len()).To(Equal(0))
			Expect(log.Recent(0)).To(BeEmpty())
		})
	})

	Describe("Emit", func() {
		It("should stamp events without a timestamp", func() {
			log.Emit(events.Event{Type: events.TypeOpen, Service: "streaming"})

			recent := log.Recent(1)
			Expect(recent).To(HaveLen(1))
			Expect(recent[0].Timestamp).NotTo(BeZero())
		})

		It("should keep an explicit timestamp", func() {
			ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			log.Emit(events.Event{Type: events.TypeClose, Service: "jobs", Timestamp: ts})
			Expect(log.Recent(1)[0].Timestamp).To(Equal(ts))
		})

		It("should copy details so later mutation does not leak in", func() {
			details := map[string]any{"failures": 1}
			log.Emit(events.Event{Type: events.TypeFailure, Service: "a", Details: details})
			details["failures"] = 99

			Expect(log.Recent(1)[0].Details["failures"]).To(Equal(1))
		})

		It("should be a no-op on a nil log", func() {
			var nilLog *events.Log
			Expect(func() { nilLog.Emit(events.Event{Type: events.TypeOpen}) }).NotTo(Panic())
		})
	})

	Describe("Recent", func() {
		It("should retain only the most recent events, oldest first", func() {
			for _, svc := range []string{"a", "b", "c", "d", "e"} {
				log.Emit(events.Event{Type: events.TypeFailure, Service: svc})
			}

			recent := log.Recent(0)
			Expect(recent).To(HaveLen(3))
			Expect(recent[0].Service).To(Equal("c"))
			Expect(recent[1].Service).To(Equal("d"))
			Expect(recent[2].Service).To(Equal("e"))
		})

		It("should limit to n", func() {
			for _, svc := range []string{"a", "b", "c"} {
				log.Emit(events.Event{Type: events.TypeSuccess, Service: svc})
			}

			recent := log.Recent(2)
			Expect(recent).To(HaveLen(2))
			Expect(recent[0].Service).To(Equal("b"))
			Expect(recent[1].Service).To(Equal("c"))
		})
	})

	Describe("Subscribe", func() {
		It("should fan out events to every subscriber", func() {
			ch1, unsub1 := log.Subscribe(4)
			ch2, unsub2 := log.Subscribe(4)
			defer unsub1()
			defer unsub2()

			log.Emit(events.Event{Type: events.TypeOpen, Service: "streaming"})

			Expect((<-ch1).Type).To(Equal(events.TypeOpen))
			Expect((<-ch2).Service).To(Equal("streaming"))
		})

		It("should drop events for a full subscriber without blocking", func() {
			_, unsub := log.Subscribe(1)
			defer unsub()

			log.Emit(events.Event{Type: events.TypeFailure, Service: "a"})
			log.Emit(events.Event{Type: events.TypeFailure, Service: "a"})

			Expect(log.Dropped()).To(Equal(uint64(1)))
		})

		It("should close the channel on unsubscribe and tolerate repeats", func() {
			ch, unsub := log.Subscribe(1)
			unsub()
			unsub()

			_, ok := <-ch
			Expect(ok).To(BeFalse())

			Expect(func() { log.Emit(events.Event{Type: events.TypeClose}) }).NotTo(Panic())
		})
	})

	Describe("Concurrent access", func() {
		It("should handle concurrent emitters and readers", func() {
			log = events.NewLog(50)
			ch, unsub := log.Subscribe(1000)
			defer unsub()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						log.Emit(events.Event{Type: events.TypeSuccess, Service: "svc"})
						_ = log.Recent(5)
					}
				}()
			}
			wg.Wait()

			Expect(log.Len()).To(Equal(50))
			Expect(ch).To(HaveLen(200))
		})
	})
})
