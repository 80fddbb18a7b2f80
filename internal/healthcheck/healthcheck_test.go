package healthcheck_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/internal/backend"
	"github.com/angeloszaimis/query-gateway/internal/healthcheck"
)

var _ = Describe("Healthcheck", func() {
	var (
		server  *httptest.Server
		status  atomic.Int32
		b       *backend.Backend
		log     *slog.Logger
		ctx     context.Context
		cancel  context.CancelFunc
		mutex   sync.Mutex
		changes []bool
	)

	recordChange := func(_ *backend.Backend, healthy bool) {
		mutex.Lock()
		defer mutex.Unlock()
		changes = append(changes, healthy)
	}

	recorded := func() []bool {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]bool(nil), changes...)
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		status.Store(http.StatusOK)
		changes = nil

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(int(status.Load()))
		}))

		var err error
		b, err = backend.Parse(backend.NameJobs, server.URL)
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	Describe("HealthCheck", func() {
		It("should mark a failing backend down and report the change", func() {
			status.Store(http.StatusServiceUnavailable)

			go healthcheck.HealthCheck(ctx, b, 10*time.Millisecond, log, healthcheck.WithOnChange(recordChange))

			Eventually(b.IsHealthy).Should(BeFalse())
			Expect(b.Status().LastError).To(ContainSubstring("503"))
			Eventually(recorded).Should(Equal([]bool{false}))
		})

		It("should bring a recovered backend back up", func() {
			status.Store(http.StatusServiceUnavailable)
			go healthcheck.HealthCheck(ctx, b, 10*time.Millisecond, log, healthcheck.WithOnChange(recordChange))
			Eventually(b.IsHealthy).Should(BeFalse())

			status.Store(http.StatusOK)
			Eventually(b.IsHealthy).Should(BeTrue())
			Eventually(recorded).Should(Equal([]bool{false, true}))
			Expect(b.Latency()).To(BeNumerically(">", 0))
		})

		It("should stop when context is cancelled", func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				healthcheck.HealthCheck(ctx, b, 10*time.Millisecond, log)
			}()

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("Probe", func() {
		It("should fail when the backend is unreachable", func() {
			server.Close()
			err := healthcheck.Probe(ctx, http.DefaultClient, b)
			Expect(err).To(HaveOccurred())
		})

		It("should succeed on 200", func() {
			Expect(healthcheck.Probe(ctx, http.DefaultClient, b)).To(Succeed())
		})
	})
})
