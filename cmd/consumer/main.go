package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	pingsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_applied_total",
		Help: "Total pings written to every sink",
	})
	pingsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_stale_total",
		Help: "Total pings older than the stored position",
	})
	sinkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_sink_errors_total",
		Help: "Total pings a sink failed to store after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingsApplied, pingsStale, sinkErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	var sinks []Sink
	var ready []func(context.Context) error
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("open store", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		sinks = append(sinks, namedSink{"postgres", ps.UpsertWorker})
		ready = append(ready, ps.Ping)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		sinks = append(sinks, namedSink{"redis", rg.UpsertPing})
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}
	if len(sinks) == 0 {
		logger.Error("nothing to write pings to: set PG_DSN and/or REDIS_ADDR")
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			for _, check := range ready {
				if err := check(r.Context()); err != nil {
					http.Error(w, "not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)
	consume(ctx, r, sinks, retry.Default(), logger)
}

type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume applies every ping read from r until ctx ends. Read errors back
// off exponentially up to 30s.
func consume(ctx context.Context, r reader, sinks []Sink, policy retry.Policy, logger *slog.Logger) {
	backoff := retry.Exponential(time.Second, 30*time.Second)
	failures := 0
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			failures++
			wait := backoff(failures)
			logger.Warn("kafka read error", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		msgsConsumed.Inc()

		p, err := ingest.DecodePing(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}
		applied, err := applyPing(ctx, sinks, p, policy)
		switch {
		case err != nil:
			sinkErrors.Inc()
			logger.Error("store ping", "worker_id", p.WorkerID, "error", err)
		case applied:
			pingsApplied.Inc()
		default:
			pingsStale.Inc()
		}
	}
}

// Sink stores a ping and reports whether it was newer than the stored one.
type Sink interface {
	Name() string
	UpsertPing(ctx context.Context, p models.LocationPing) (bool, error)
}

type namedSink struct {
	name   string
	upsert func(ctx context.Context, p models.LocationPing) (bool, error)
}

func (n namedSink) Name() string { return n.name }

func (n namedSink) UpsertPing(ctx context.Context, p models.LocationPing) (bool, error) {
	return n.upsert(ctx, p)
}

// applyPing writes p to every sink with retries. A ping is applied when any
// sink took it.
func applyPing(ctx context.Context, sinks []Sink, p models.LocationPing, policy retry.Policy) (bool, error) {
	var (
		applied bool
		errs    []error
	)
	for _, s := range sinks {
		err := policy.Do(ctx, s.Name()+".upsert_ping", func(ctx context.Context) error {
			ok, err := s.UpsertPing(ctx, p)
			applied = applied || ok
			return err
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return applied, errors.Join(errs...)
}
