package sse_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/internal/tracing"
	"github.com/angeloszaimis/query-gateway/internal/transport"
	"github.com/angeloszaimis/query-gateway/internal/transport/sse"
)

func collect(ch <-chan transport.StreamEvent) []transport.StreamEvent {
	var out []transport.StreamEvent
	for e := range ch {
		out = append(out, e)
	}
	return out
}

var _ = Describe("Client", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		client  *sse.Client
		ctx     context.Context

		mutex    sync.Mutex
		received map[string]any
		headers  http.Header
	)

	BeforeEach(func() {
		ctx = context.Background()
		received = nil
		headers = nil
		handler = nil

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mutex.Lock()
			headers = r.Header.Clone()
			if r.Body != nil {
				_ = json.NewDecoder(r.Body).Decode(&received)
			}
			h := handler
			mutex.Unlock()
			h(w, r)
		}))
		client = sse.New(server.URL)
	})

	AfterEach(func() {
		server.Close()
	})

	frames := func(lines ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			for _, l := range lines {
				fmt.Fprint(w, l)
				w.(http.Flusher).Flush()
			}
		}
	}

	It("should decode every event type in order", func() {
		handler = frames(
			": keep-alive\n\n",
			"event: text-delta\ndata: {\"text\":\"CPU is \"}\n\n",
			"event: warning\ndata: {\"message\":\"slow backend\"}\n\n",
			"event: text-delta\ndata: {\"text\":\"high\"}\n\n",
			"event: done\ndata: {\"text\":\"CPU is high\"}\n\n",
		)

		ch, err := client.Stream(ctx, transport.Request{Query: "explain high cpu", Trace: tracing.New()})
		Expect(err).NotTo(HaveOccurred())

		Expect(collect(ch)).To(Equal([]transport.StreamEvent{
			{Type: transport.EventTextDelta, Text: "CPU is "},
			{Type: transport.EventWarning, Message: "slow backend"},
			{Type: transport.EventTextDelta, Text: "high"},
			{Type: transport.EventDone, Text: "CPU is high"},
		}))
	})

	It("should send the query and propagate the trace", func() {
		handler = frames("event: done\ndata: {}\n\n")
		tc := tracing.New()

		ch, err := client.Stream(ctx, transport.Request{
			Query:       "explain high cpu",
			Attachments: []transport.Attachment{{Name: "top.txt"}},
			Trace:       tc,
		})
		Expect(err).NotTo(HaveOccurred())
		collect(ch)

		mutex.Lock()
		defer mutex.Unlock()
		Expect(received).To(HaveKeyWithValue("query", "explain high cpu"))
		Expect(received).To(HaveKeyWithValue("trace_id", tc.TraceID()))
		Expect(received["attachments"]).To(HaveLen(1))
		Expect(headers.Get("traceparent")).To(Equal(tc.Traceparent()))
		Expect(headers.Get("Accept")).To(Equal("text/event-stream"))
	})

	It("should stop after an error event", func() {
		handler = frames(
			"event: error\ndata: {\"message\":\"503 service unavailable\"}\n\n",
			"event: text-delta\ndata: {\"text\":\"ignored\"}\n\n",
		)

		ch, err := client.Stream(ctx, transport.Request{Query: "q"})
		Expect(err).NotTo(HaveOccurred())
		Expect(collect(ch)).To(Equal([]transport.StreamEvent{
			{Type: transport.EventError, Message: "503 service unavailable"},
		}))
	})

	It("should pass redirect signals through", func() {
		handler = frames(
			"event: redirect\ndata: {\"reason\":\"too_expensive\"}\n\n",
			"event: done\ndata: {}\n\n",
		)

		ch, err := client.Stream(ctx, transport.Request{Query: "q"})
		Expect(err).NotTo(HaveOccurred())
		events := collect(ch)
		Expect(events[0]).To(Equal(transport.StreamEvent{Type: transport.EventRedirect, Reason: "too_expensive"}))
	})

	It("should skip unknown and malformed frames", func() {
		handler = frames(
			"event: usage\ndata: {\"tokens\":3}\n\n",
			"event: text-delta\ndata: not-json\n\n",
			"event: done\ndata: {\"text\":\"ok\"}\n\n",
		)

		ch, err := client.Stream(ctx, transport.Request{Query: "q"})
		Expect(err).NotTo(HaveOccurred())
		Expect(collect(ch)).To(Equal([]transport.StreamEvent{{Type: transport.EventDone, Text: "ok"}}))
	})

	It("should report a stream that ends without done", func() {
		handler = frames("event: text-delta\ndata: {\"text\":\"par\"}\n\n")

		ch, err := client.Stream(ctx, transport.Request{Query: "q"})
		Expect(err).NotTo(HaveOccurred())
		events := collect(ch)
		Expect(events).To(HaveLen(2))
		Expect(events[1].Type).To(Equal(transport.EventError))
		Expect(events[1].Message).To(Equal(sse.ErrIncompleteStream.Error()))
	})

	It("should return a status error for non-200 responses", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
		}

		_, err := client.Stream(ctx, transport.Request{Query: "q"})
		var se *transport.StatusError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.StatusCode()).To(Equal(http.StatusServiceUnavailable))
		Expect(err.Error()).To(ContainSubstring("warming up"))
	})

	It("should close the channel silently when the context is cancelled", func() {
		release := make(chan struct{})
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "event: text-delta\ndata: {\"text\":\"a\"}\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		defer close(release)

		streamCtx, cancel := context.WithCancel(ctx)
		ch, err := client.Stream(streamCtx, transport.Request{Query: "q"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(ch).Should(Receive(Equal(transport.StreamEvent{Type: transport.EventTextDelta, Text: "a"})))

		cancel()
		Eventually(ch).Should(BeClosed())
	})

	Describe("Resume", func() {
		It("should accept 204 as reachable", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/stream/resume" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			}
			Expect(client.Resume(ctx)).To(Succeed())
		})

		It("should surface backend errors", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			}
			Expect(client.Resume(ctx)).To(MatchError(ContainSubstring("502")))
		})

		It("should surface connection errors", func() {
			server.Close()
			Expect(client.Resume(ctx)).To(MatchError(ContainSubstring("resume request failed")))
		})
	})
})
