package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"hikvision-alarm-ingestion/ingest/internal/dispatch"
	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/repos"
	"hikvision-alarm-ingestion/shared/config"
	"hikvision-alarm-ingestion/shared/dbx"
	"hikvision-alarm-ingestion/shared/events"
	"hikvision-alarm-ingestion/shared/influxx"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
	"hikvision-alarm-ingestion/shared/mqx"
	"hikvision-alarm-ingestion/shared/observability"
)

// alertNamespace makes alert UUIDs deterministic per event, so a retried
// job republishes the same alert instead of minting a new one.
var alertNamespace = uuid.MustParse("8f3c9f04-54d2-4b0a-9c61-2f6aa3f1c0de")

func main() {
	cfg, problems := config.Load("alarm-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	eventsRepo := repos.NewEventsRepo(dbPool)
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "severity time-series disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	queues := dispatch.Queues(cfg.AsynqQueue, cfg.AsynqQueueShards)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      queues,
	})
	defer server.Shutdown()

	processor := &alarmProcessor{
		events:   eventsRepo,
		producer: producer,
		influx:   influxClient,
		logger:   logger,
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(dispatch.TaskTypeProcessAlarm, processor.handle)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			for queue := range queues {
				info, err := inspector.GetQueueInfo(queue)
				if err != nil {
					continue
				}
				metricsx.SetAsynqQueueDepth(queue, info.Size)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "alarm worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("shards", cfg.AsynqQueueShards),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "alarm worker stopped")
}

type alarmProcessor struct {
	events   *repos.EventsRepo
	producer *mqx.Producer
	influx   *influxx.Client
	logger   logx.Logger
}

func (p *alarmProcessor) handle(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, "alarm.process")
	defer span.End()

	var payload dispatch.ProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("event_id", eventID.String()))

	event, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, repos.ErrEventNotFound) {
			// pruned or replayed after deletion, nothing to do
			return nil
		}
		return err
	}
	if event.ProcessedAt != nil {
		return nil
	}

	// housekeeping and unclassified events never produce an alert
	if event.CIDCode == nil || event.Severity == "none" || event.Severity == "" {
		if err := p.events.MarkProcessed(ctx, event.EventID, time.Now().UTC()); err != nil {
			return err
		}
		return nil
	}

	alertUUID := uuid.NewSHA1(alertNamespace, []byte(event.EventID.String()))
	if err := p.publishAlert(ctx, event, alertUUID); err != nil {
		return err
	}
	if err := p.events.SetAlert(ctx, event.EventID, alertUUID); err != nil && event.AlertUUID == nil {
		p.logger.Warn(ctx, "alert_backfill_skipped", "alert reference already present",
			slog.String("event_id", event.EventID.String()),
		)
	}
	p.writeSeverityPoint(ctx, event)

	if err := p.events.MarkProcessed(ctx, event.EventID, time.Now().UTC()); err != nil {
		return err
	}
	p.logger.Info(ctx, "alarm_processed", "alert published",
		slog.String("event_id", event.EventID.String()),
		slog.String("alert_uuid", alertUUID.String()),
		slog.String("severity", event.Severity),
	)
	return nil
}

func (p *alarmProcessor) publishAlert(ctx context.Context, event models.AlarmEvent, alertUUID uuid.UUID) error {
	body, _ := json.Marshal(map[string]any{
		"alert_uuid":   alertUUID,
		"event_id":     event.EventID,
		"device_id":    event.DeviceID,
		"alarm_type":   event.AlarmType,
		"severity":     event.Severity,
		"cid_code":     event.CIDCode,
		"zone":         event.Zone,
		"partition":    event.Partition,
		"triggered_at": event.TriggeredAt,
	})
	envelope := events.Envelope{
		EventID:    event.EventID,
		DeviceID:   event.DeviceID,
		OccurredAt: time.Now().UTC(),
		EventType:  "alarm_alert",
		Payload:    body,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, events.TopicAlarmAlerts, []byte(event.DeviceID.String()), value, map[string]string{
		"alert_uuid": alertUUID.String(),
	})
}

func (p *alarmProcessor) writeSeverityPoint(ctx context.Context, event models.AlarmEvent) {
	if p.influx == nil {
		return
	}
	code := 0
	if event.CIDCode != nil {
		code = *event.CIDCode
	}
	err := p.influx.WritePoint(ctx, "alarm_events", map[string]string{
		"device_id":  event.DeviceID.String(),
		"alarm_type": event.AlarmType,
		"severity":   event.Severity,
	}, map[string]any{
		"cid_code":      code,
		"time_fallback": event.TimeFallback,
	}, event.TriggeredAt)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		p.logger.Warn(ctx, "influx_write_failed", "failed to write severity point",
			slog.String("error", err.Error()),
		)
	}
}
