//go:build integration

package integration

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"hikvision-alarm-ingestion/shared/config"
	"hikvision-alarm-ingestion/shared/events"
	"hikvision-alarm-ingestion/shared/mqx"
)

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
		var devices int64
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM alarm_devices`).Scan(&devices); err != nil {
			t.Fatalf("alarm_devices query failed, schema missing: %v", err)
		}
	} else {
		t.Skip("DATABASE_URL not set")
	}

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	trimmed := make([]string, 0, len(brokers))
	for _, b := range brokers {
		trimmed = append(trimmed, strings.TrimSpace(b))
	}
	consumer, err := mqx.NewConsumer(config.Config{KafkaBrokers: trimmed}, events.TopicAlarmAlerts, "alarm-integration")
	if err != nil {
		t.Fatalf("alert consumer init failed: %v", err)
	}
	fetchCtx, fetchCancel := context.WithTimeout(ctx, 2*time.Second)
	if _, err := consumer.FetchMessage(fetchCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fetchCancel()
		t.Fatalf("alert topic fetch failed: %v", err)
	}
	fetchCancel()
	_ = consumer.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	queue := os.Getenv("ASYNQ_QUEUE")
	if queue == "" {
		queue = "alarm-events"
	}
	if _, err := inspector.GetQueueInfo(queue); err != nil && !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("asynq inspector failed: %v", err)
	}

	if _, err := net.DialTimeout("tcp", strings.TrimSpace(brokers[0]), 2*time.Second); err != nil {
		t.Fatalf("kafka tcp check failed: %v", err)
	}
}
