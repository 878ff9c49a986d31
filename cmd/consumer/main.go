package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-ops/internal/config"
	"github.com/example/pickup-ops/internal/logging"
	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/payments"
)

const (
	countsKey    = "ops:activity:counts"
	collectedKey = "ops:collected:kg"
	seenPrefix   = "ops:activity:seen:"
	seenTTL      = 7 * 24 * time.Hour
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total activity event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total messages that could not be decoded",
	})
	msgsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_duplicate_total",
		Help: "Total redelivered events skipped",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful projection updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total projection updates that failed after retries",
	})
)

var errInvalidMessage = errors.New("invalid message")

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsDuplicate, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "pickup-ops-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	projector := &redisProjector{c: rc}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: healthMux(rc), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic + ".dlq",
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	defer func() {
		_ = r.Close()
		_ = dlq.Close()
		_ = rc.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka fetch error", "error", err, "backoff", backoff)
			sleep(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if err := handleMessage(ctx, projector, m.Value, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			switch {
			case errors.Is(err, errInvalidMessage):
				msgsInvalid.Inc()
			default:
				redisErrors.Inc()
			}
			logger.Warn("routing message to DLQ", "key", string(m.Key), "offset", m.Offset, "error", err)
			if err := dlq.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: m.Headers}); err != nil {
				logger.Error("could not write to DLQ", "error", err)
			}
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			logger.Warn("commit failed; message may be redelivered", "error", err)
		}
	}
}

func healthMux(rc *redis.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Projector is the subset of redis operations the projection needs.
// Apply writes every increment for one event or none of them.
type Projector interface {
	MarkSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
	Apply(ctx context.Context, action string, weights map[string]float64) error
}

type redisProjector struct{ c *redis.Client }

func (r *redisProjector) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	return r.c.SetNX(ctx, seenPrefix+eventID, 1, seenTTL).Result()
}

func (r *redisProjector) Forget(ctx context.Context, eventID string) error {
	return r.c.Del(ctx, seenPrefix+eventID).Err()
}

func (r *redisProjector) Apply(ctx context.Context, action string, weights map[string]float64) error {
	_, err := r.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, countsKey, action, 1)
		for wasteType, kg := range weights {
			pipe.HIncrByFloat(ctx, collectedKey, wasteType, kg)
		}
		return nil
	})
	return err
}

// handleMessage applies one event to the projection. Each event is counted
// once; a redelivered event id is skipped.
func handleMessage(ctx context.Context, p Projector, value []byte, attempts int, delay time.Duration) error {
	var evt models.ActivityEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if evt.ID == "" || evt.Action == "" {
		return fmt.Errorf("%w: missing id or action", errInvalidMessage)
	}
	var weights map[string]float64
	if evt.Action == models.ActionPickupCollected {
		w, err := payments.Weights(evt.Details["weights"])
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
		weights = w
	}

	var fresh bool
	if err := withRetry(ctx, attempts, delay, func() error {
		var err error
		fresh, err = p.MarkSeen(ctx, evt.ID)
		return err
	}); err != nil {
		return err
	}
	if !fresh {
		msgsDuplicate.Inc()
		return nil
	}

	err := withRetry(ctx, attempts, delay, func() error {
		return p.Apply(ctx, string(evt.Action), weights)
	})
	if err != nil {
		_ = p.Forget(ctx, evt.ID)
		return err
	}
	redisUpdates.Inc()
	return nil
}

// withRetry runs fn up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

