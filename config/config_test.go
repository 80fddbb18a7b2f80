package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/config"
)

var _ = Describe("Config", func() {
	var (
		tempDir string
		origDir string
	)

	BeforeEach(func() {
		var err error
		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())

		tempDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(tempDir)).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.Chdir(origDir)).To(Succeed())
		os.RemoveAll(tempDir)
	})

	writeConfig := func(content string) {
		err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("Load", func() {
		Context("with valid config file", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: ":9090"
  environment: "staging"

logging:
  level: "debug"

breaker:
  failure_threshold: 3
  reset_timeout: "30s"
  exempt_gateway_timeouts: true

retry:
  max_retries: 2
  initial_delay: "500ms"
  max_delay: "4s"

routing:
  async_threshold: 60
  force_async_keywords:
    - "full report"
    - "audit"

streaming:
  url: "http://ai.internal:8081"
  error_markers:
    - "[FAIL]"

jobs:
  url: "https://jobs.internal"
  poll_interval: "2s"
  max_poll_failures: 3

state_store:
  type: "redis"
  redis_url: "redis://localhost:6379/0"
  key_prefix: "gw:cb:"
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())
				Expect(cfg.Server.Address).To(Equal(":9090"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvStaging))
			})

			It("should parse breaker settings", func() {
				cfg, _ := config.Load()
				Expect(cfg.Breaker.FailureThreshold).To(Equal(3))
				Expect(cfg.Breaker.ResetTimeoutDuration()).To(Equal(30 * time.Second))
				Expect(cfg.Breaker.ExemptGatewayTimeouts).To(BeTrue())
			})

			It("should parse routing and backend settings", func() {
				cfg, _ := config.Load()
				Expect(cfg.Routing.AsyncThreshold).To(Equal(60))
				Expect(cfg.Routing.ForceAsyncKeywords).To(ConsistOf("full report", "audit"))
				Expect(cfg.Streaming.ErrorMarkers).To(Equal([]string{"[FAIL]"}))
				Expect(cfg.Jobs.PollIntervalDuration()).To(Equal(2 * time.Second))
				Expect(cfg.Jobs.MaxPollFailures).To(Equal(3))
			})

			It("should keep defaults for keys the file omits", func() {
				cfg, _ := config.Load()
				Expect(cfg.Retry.MaxRetries).To(Equal(2))
				Expect(cfg.Retry.BackoffMultiplier).To(Equal(2.0))
				Expect(cfg.Retry.ColdStartDelayDuration()).To(Equal(3 * time.Second))
				Expect(cfg.HealthCheck.IntervalDuration()).To(Equal(5 * time.Second))
				Expect(cfg.StateStore.TTLDuration()).To(Equal(24 * time.Hour))
				Expect(cfg.Events.Capacity).To(Equal(100))
			})
		})

		Context("without a config file", func() {
			It("should use defaults", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Environment).To(Equal(config.EnvDev))
				Expect(cfg.Breaker.FailureThreshold).To(Equal(5))
				Expect(cfg.Breaker.ResetTimeoutDuration()).To(Equal(time.Minute))
				Expect(cfg.Routing.AsyncThreshold).To(Equal(70))
				Expect(cfg.StateStore.Type).To(Equal(config.StoreMemory))
				Expect(cfg.Server.QueryTimeoutDuration()).To(Equal(2 * time.Minute))
			})
		})

		Context("with environment variables", func() {
			BeforeEach(func() {
				GinkgoT().Setenv("BREAKER_FAILURE_THRESHOLD", "7")
				GinkgoT().Setenv("STREAMING_URL", "http://override:1234")
			})

			It("should let the environment override defaults", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Breaker.FailureThreshold).To(Equal(7))
				Expect(cfg.Streaming.URL).To(Equal("http://override:1234"))
			})
		})

		Context("with an invalid file", func() {
			It("should reject a redis store without a URL", func() {
				writeConfig("state_store:\n  type: redis\n")
				_, err := config.Load()
				Expect(err).To(MatchError(ContainSubstring("RedisURL")))
			})

			It("should reject an unparseable duration", func() {
				writeConfig("breaker:\n  reset_timeout: soon\n")
				_, err := config.Load()
				Expect(err).To(MatchError(ContainSubstring("ResetTimeout")))
			})
		})
	})

	Describe("Validate", func() {
		var cfg *config.Config

		BeforeEach(func() {
			var err error
			cfg, err = config.Load()
			Expect(err).NotTo(HaveOccurred())
		})

		It("should accept the defaults", func() {
			Expect(cfg.Validate()).To(Succeed())
		})

		DescribeTable("rejecting bad values",
			func(mutate func(*config.Config), field string) {
				mutate(cfg)
				Expect(cfg.Validate()).To(MatchError(ContainSubstring(field)))
			},
			Entry("unknown environment", func(c *config.Config) { c.Server.Environment = "qa" }, "Environment"),
			Entry("address without port", func(c *config.Config) { c.Server.Address = "localhost" }, "Address"),
			Entry("unknown log level", func(c *config.Config) { c.Logging.Level = "trace" }, "Level"),
			Entry("zero threshold", func(c *config.Config) { c.Breaker.FailureThreshold = 0 }, "FailureThreshold"),
			Entry("jitter above one", func(c *config.Config) { c.Retry.JitterFactor = 1.5 }, "JitterFactor"),
			Entry("threshold above 100", func(c *config.Config) { c.Routing.AsyncThreshold = 101 }, "AsyncThreshold"),
			Entry("non-http streaming url", func(c *config.Config) { c.Streaming.URL = "ftp://ai" }, "URL"),
			Entry("zero poll failures", func(c *config.Config) { c.Jobs.MaxPollFailures = 0 }, "MaxPollFailures"),
			Entry("unknown store", func(c *config.Config) { c.StateStore.Type = "etcd" }, "Type"),
			Entry("bad redis scheme", func(c *config.Config) {
				c.StateStore.Type = config.StoreRedis
				c.StateStore.RedisURL = "http://localhost:6379"
			}, "RedisURL"),
			Entry("zero event capacity", func(c *config.Config) { c.Events.Capacity = 0 }, "Capacity"),
		)
	})
})
