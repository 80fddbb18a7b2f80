// Loadtest fires concurrent queries at the gateway and reports throughput,
// latency percentiles and how answers were produced: channel, source and
// final phase.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/v1/query -concurrency 10 -requests 200
//	go run ./scripts/loadtest -queries queries.txt -csv results.csv -out summary.json
//
// Queries are read one per line from -queries, or a built-in mix of quick
// and report-style questions is used.
package main

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var defaultQueries = []string{
	"why is the api latency high",
	"restart the payments worker",
	"what changed in the last deploy",
	"generate a full report of error rates across all services for the last week",
	"analyze memory usage trends and compare them with last month",
	"is the checkout service healthy",
}

type queryResponse struct {
	Channel       string `json:"channel"`
	Source        string `json:"source"`
	Phase         string `json:"phase"`
	RetryCount    int    `json:"retry_count"`
	TerminalError string `json:"terminal_error"`
}

type sample struct {
	idx      int
	status   int
	duration time.Duration
	resp     queryResponse
	err      error
}

type tally struct {
	Count     int             `json:"count"`
	Latencies []time.Duration `json:"-"`
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/v1/query", "gateway query endpoint")
		concurrency = flag.Int("concurrency", 10, "number of concurrent workers")
		requests    = flag.Int("requests", 100, "total number of queries to send")
		queriesFile = flag.String("queries", "", "file with one query per line (optional)")
		timeout     = flag.Duration("timeout", 3*time.Minute, "per-request timeout")
		outJSON     = flag.String("out", "", "write JSON summary to this file (optional)")
		outCSV      = flag.String("csv", "", "write per-request CSV to this file (optional)")
		verbose     = flag.Bool("v", false, "verbose per-request logging to stdout")
	)
	flag.Parse()

	queries := defaultQueries
	if *queriesFile != "" {
		var err error
		if queries, err = readQueries(*queriesFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read queries: %v\n", err)
			os.Exit(1)
		}
	}

	client := &http.Client{Timeout: *timeout}

	var csvWriter *csv.Writer
	if *outCSV != "" {
		f, err := os.Create(*outCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create csv file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		csvWriter = csv.NewWriter(f)
		csvWriter.Write([]string{"idx", "status", "channel", "source", "phase", "retries", "duration_ms"})
	}

	var (
		jobs    = make(chan int)
		samples = make(chan sample)
		sent    atomic.Int32
		wg      sync.WaitGroup
	)

	testStart := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				sent.Add(1)
				samples <- send(client, *url, idx, queries[idx%len(queries)])
			}
		}()
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(samples)
	}()

	var (
		failures int
		all      []time.Duration
		statuses = map[int]int{}
		channels = map[string]*tally{}
		sources  = map[string]int{}
		phases   = map[string]int{}
		retries  int
	)

	for s := range samples {
		all = append(all, s.duration)
		if s.err != nil {
			failures++
			if *verbose {
				fmt.Printf("idx=%d error=%v\n", s.idx, s.err)
			}
			continue
		}

		statuses[s.status]++
		if s.status != http.StatusOK {
			failures++
		}

		t, ok := channels[s.resp.Channel]
		if !ok {
			t = &tally{}
			channels[s.resp.Channel] = t
		}
		t.Count++
		t.Latencies = append(t.Latencies, s.duration)
		sources[s.resp.Source]++
		phases[s.resp.Phase]++
		retries += s.resp.RetryCount

		if csvWriter != nil {
			csvWriter.Write([]string{
				strconv.Itoa(s.idx),
				strconv.Itoa(s.status),
				s.resp.Channel,
				s.resp.Source,
				s.resp.Phase,
				strconv.Itoa(s.resp.RetryCount),
				fmt.Sprintf("%.3f", float64(s.duration.Microseconds())/1000.0),
			})
		}
		if *verbose {
			fmt.Printf("idx=%d status=%d channel=%s source=%s phase=%s dur=%v %s\n",
				s.idx, s.status, s.resp.Channel, s.resp.Source, s.resp.Phase, s.duration, s.resp.TerminalError)
		}
	}

	if csvWriter != nil {
		csvWriter.Flush()
	}

	totalDuration := time.Since(testStart)
	throughput := float64(sent.Load()) / totalDuration.Seconds()

	fmt.Println("--- Query Load Test Summary ---")
	fmt.Printf("Target: %s\n", *url)
	fmt.Printf("Requests: %d  Concurrency: %d  Failures: %d  Retries: %d\n", *requests, *concurrency, failures, retries)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, throughput)

	fmt.Println("\nStatus codes:")
	for _, k := range sortedKeys(statuses) {
		fmt.Printf("  %d -> %d\n", k, statuses[k])
	}
	fmt.Println("\nPhases:")
	for _, k := range sortedKeys(phases) {
		fmt.Printf("  %s -> %d\n", k, phases[k])
	}
	fmt.Println("\nSources:")
	for _, k := range sortedKeys(sources) {
		fmt.Printf("  %s -> %d\n", k, sources[k])
	}
	fmt.Println("\nChannels:")
	for _, k := range sortedKeys(channels) {
		t := channels[k]
		fmt.Printf("  %s -> %d  %s\n", k, t.Count, describe(t.Latencies))
	}
	if len(all) > 0 {
		fmt.Printf("\nOverall latencies: %s\n", describe(all))
	}

	if *outJSON != "" {
		report := map[string]any{
			"target":         *url,
			"requests":       *requests,
			"concurrency":    *concurrency,
			"failures":       failures,
			"retries":        retries,
			"duration_ms":    totalDuration.Milliseconds(),
			"throughput_rps": throughput,
			"status_codes":   statuses,
			"phases":         phases,
			"sources":        sources,
			"channels":       channels,
			"p50_ms":         percentile(all, 0.50).Milliseconds(),
			"p95_ms":         percentile(all, 0.95).Milliseconds(),
			"p99_ms":         percentile(all, 0.99).Milliseconds(),
		}

		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failures > 0 {
		os.Exit(2)
	}
}

func send(client *http.Client, url string, idx int, query string) sample {
	body, _ := json.Marshal(map[string]string{"query": query})

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return sample{idx: idx, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.NewString())

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return sample{idx: idx, duration: time.Since(start), err: err}
	}
	defer resp.Body.Close()

	s := sample{idx: idx, status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&s.resp); err != nil {
		s.err = fmt.Errorf("decode response: %w", err)
	}
	s.duration = time.Since(start)
	return s
}

func readQueries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s has no queries", path)
	}
	return out, nil
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func percentile(d []time.Duration, p float64) time.Duration {
	if len(d) == 0 {
		return 0
	}
	tmp := slices.Clone(d)
	slices.Sort(tmp)
	return tmp[int(float64(len(tmp)-1)*p)]
}

func describe(d []time.Duration) string {
	if len(d) == 0 {
		return "samples=0"
	}
	return fmt.Sprintf("samples=%d min=%v max=%v p50=%v p95=%v p99=%v",
		len(d), slices.Min(d), slices.Max(d), percentile(d, 0.50), percentile(d, 0.95), percentile(d, 0.99))
}
