// Mockbackend is a stand-in AI service for exercising the gateway locally.
// It serves the streaming endpoint, the job API and /health on one port.
//
// Usage:
//
//	go run ./scripts/mockbackend -port 8081
//	go run ./scripts/mockbackend -port 8081 -fail-rate 0.3 -cold-starts 2
//	go run ./scripts/mockbackend -redirect report -job-duration 5s
//
// Failures are injected per request: -fail-rate answers the stream with 503,
// -cold-starts answers the first N streams as a loading model and -redirect
// sends matching queries to the job API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/query-gateway/pkg/logger"
)

type queryRequest struct {
	Query   string `json:"query"`
	TraceID string `json:"trace_id"`
}

type job struct {
	query     string
	started   time.Time
	cancelled bool
}

type server struct {
	logger       *slog.Logger
	failRate     float64
	coldStarts   atomic.Int64
	redirect     []string
	jobDuration  time.Duration
	failJobs     float64
	wordDelay    time.Duration
	streamErrors float64

	mutex sync.Mutex
	jobs  map[string]*job
}

func main() {
	var (
		port        = flag.Int("port", 8081, "port to listen on")
		failRate    = flag.Float64("fail-rate", 0, "fraction of stream requests answered with 503")
		coldStarts  = flag.Int64("cold-starts", 0, "number of initial stream requests answered as a loading model")
		redirect    = flag.String("redirect", "", "comma separated keywords that redirect a stream to the job API")
		jobDuration = flag.Duration("job-duration", 3*time.Second, "time a job takes to complete")
		failJobs    = flag.Float64("fail-jobs", 0, "fraction of jobs that end failed")
		wordDelay   = flag.Duration("word-delay", 50*time.Millisecond, "delay between streamed words")
		streamErrs  = flag.Float64("stream-errors", 0, "fraction of streams that end with an error event")
		level       = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	s := &server{
		logger:       logger.New(*level, false, "dev"),
		failRate:     *failRate,
		jobDuration:  *jobDuration,
		failJobs:     *failJobs,
		wordDelay:    *wordDelay,
		streamErrors: *streamErrs,
		jobs:         make(map[string]*job),
	}
	s.coldStarts.Store(*coldStarts)
	for _, k := range strings.Split(*redirect, ",") {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			s.redirect = append(s.redirect, k)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/stream", s.stream)
	mux.HandleFunc("GET /v1/stream/resume", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/jobs", s.submit)
	mux.HandleFunc("GET /v1/jobs/{id}/progress", s.progress)
	mux.HandleFunc("GET /v1/jobs/{id}/result", s.result)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.cancel)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", *port)
	s.logger.Info("Mock AI backend listening", slog.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		s.logger.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		http.Error(w, "invalid query", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	log := s.logger.With(
		slog.String("trace_id", req.TraceID),
		slog.String("traceparent", r.Header.Get("traceparent")))

	if s.coldStarts.Add(-1) >= 0 {
		log.Info("Simulating cold start")
		http.Error(w, "model is loading, please retry", http.StatusServiceUnavailable)
		return
	}
	if rand.Float64() < s.failRate {
		log.Info("Simulating stream failure")
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(event string, payload any) {
		b, _ := json.Marshal(payload)
		fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), event, b)
		flusher.Flush()
	}

	q := strings.ToLower(req.Query)
	for _, k := range s.redirect {
		if strings.Contains(q, k) {
			log.Info("Redirecting stream to the job API", slog.String("keyword", k))
			send("redirect", map[string]string{"reason": "query matched " + k})
			return
		}
	}

	words := strings.Fields("You asked: " + req.Query)
	failAt := -1
	if rand.Float64() < s.streamErrors {
		failAt = rand.IntN(len(words))
	}

	for i, word := range words {
		if i == failAt {
			send("error", map[string]string{"message": "503 model worker crashed"})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.wordDelay):
		}
		send("text-delta", map[string]string{"text": word + " "})
	}
	send("done", map[string]string{})
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	id := uuid.NewString()
	s.mutex.Lock()
	s.jobs[id] = &job{query: req.Query, started: time.Now()}
	s.mutex.Unlock()

	s.logger.Info("Job accepted", slog.String("job_id", id), slog.String("trace_id", req.TraceID))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (string, *job, bool) {
	id := r.PathValue("id")
	s.mutex.Lock()
	j, ok := s.jobs[id]
	s.mutex.Unlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
	}
	return id, j, ok
}

// stage derives job progress from elapsed time. A job fails at the end of
// its run with probability failJobs, decided once from its id.
func (s *server) stage(id string, j *job) (string, int) {
	s.mutex.Lock()
	cancelled := j.cancelled
	s.mutex.Unlock()
	if cancelled {
		return "cancelled", 0
	}

	elapsed := time.Since(j.started)
	if elapsed < s.jobDuration/5 {
		return "queued", 0
	}
	if elapsed < s.jobDuration {
		return "running", int(100 * elapsed / s.jobDuration)
	}
	if s.failJobs > 0 && float64(uuid.MustParse(id).ID())/float64(1<<32) < s.failJobs {
		return "failed", 100
	}
	return "completed", 100
}

func (s *server) progress(w http.ResponseWriter, r *http.Request) {
	id, j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	st, pct := s.stage(id, j)
	writeJSON(w, http.StatusOK, map[string]any{"stage": st, "percent": pct})
}

func (s *server) result(w http.ResponseWriter, r *http.Request) {
	id, j, ok := s.lookup(w, r)
	if !ok {
		return
	}

	switch st, _ := s.stage(id, j); st {
	case "completed":
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"response": "Report for: " + j.query,
			"sources":  []map[string]string{{"title": "mock runbook", "url": "http://localhost/runbook"}},
		})
	case "failed":
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "analysis worker failed"})
	default:
		http.Error(w, "job not finished", http.StatusConflict)
	}
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	id, j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if st, _ := s.stage(id, j); st == "completed" || st == "failed" {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}

	s.mutex.Lock()
	j.cancelled = true
	s.mutex.Unlock()

	s.logger.Info("Job cancelled", slog.String("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
