package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Sample is the per-invocation record of one job run
type Sample struct {
	Function  string
	Bucket    string
	Key       string
	Status    string
	BytesSent int64
	Runs      int
	Duration  time.Duration
}

// Config configures a Collector
type Config struct {
	// Namespace of the embedded metric format records
	Namespace string
	// EMF enables CloudWatch embedded metric format records on Output
	EMF    bool
	Output io.Writer
}

// Collector collects and exposes metrics. Emission failures are logged and
// never returned to the caller.
type Collector struct {
	registry  *prometheus.Registry
	bytesSent *prometheus.CounterVec
	runs      *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	inflight  prometheus.Gauge
	duration  *prometheus.HistogramVec
	cfg       Config
	logger    *zap.Logger
	emfMu     sync.Mutex
	nowMillis func() int64
}

// New creates a new metrics collector with its own registry
func New(cfg Config, logger *zap.Logger) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "S3ToSFTP"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_bytes_sent_total",
				Help: "Bytes reported as sent by finished runs",
			},
			[]string{"bucket"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_runs_total",
				Help: "Number of job runs by outcome",
			},
			[]string{"bucket", "status"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_attempts_total",
				Help: "Number of attempts by outcome",
			},
			[]string{"outcome"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfer_inflight_jobs",
				Help: "Number of jobs currently being processed",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_run_duration_seconds",
				Help:    "Wall time of one job run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		cfg:       cfg,
		logger:    logger,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}

	c.registry.MustRegister(c.bytesSent, c.runs, c.attempts, c.inflight, c.duration)
	return c
}

// RecordRun records the outcome of one job run
func (c *Collector) RecordRun(s Sample) {
	c.bytesSent.WithLabelValues(s.Bucket).Add(float64(s.BytesSent))
	c.runs.WithLabelValues(s.Bucket, s.Status).Inc()
	c.duration.WithLabelValues(s.Status).Observe(s.Duration.Seconds())

	if c.cfg.EMF {
		if err := c.writeEMF(s); err != nil {
			c.logger.Warn("Failed to emit metrics", zap.Error(err))
		}
	}
}

// IncAttempt counts one attempt with the given outcome
func (c *Collector) IncAttempt(outcome string) {
	c.attempts.WithLabelValues(outcome).Inc()
}

// AddInflight adjusts the number of jobs in progress
func (c *Collector) AddInflight(delta int) {
	c.inflight.Add(float64(delta))
}

func (c *Collector) writeEMF(s Sample) error {
	dims := map[string]string{"Bucket": s.Bucket}
	dimNames := []string{"Bucket"}
	if s.Function != "" {
		dims["Function"] = s.Function
		dimNames = []string{"Function", "Bucket"}
	}

	body := map[string]interface{}{
		"_aws": map[string]interface{}{
			"Timestamp": c.nowMillis(),
			"CloudWatchMetrics": []interface{}{
				map[string]interface{}{
					"Namespace":  c.cfg.Namespace,
					"Dimensions": [][]string{dimNames},
					"Metrics": []map[string]string{
						{"Name": "bytesSent", "Unit": "None"},
						{"Name": "runs", "Unit": "None"},
						{"Name": "durationMs", "Unit": "None"},
					},
				},
			},
		},
		"bytesSent":  float64(s.BytesSent),
		"runs":       float64(s.Runs),
		"durationMs": float64(s.Duration.Milliseconds()),
	}
	for k, v := range dims {
		body[k] = v
	}

	line, err := json.Marshal(body)
	if err != nil {
		return err
	}

	c.emfMu.Lock()
	defer c.emfMu.Unlock()
	_, err = c.cfg.Output.Write(append(line, '\n'))
	return err
}

// StartServer serves /metrics until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
