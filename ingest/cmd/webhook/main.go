package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/dedup"
	"hikvision-alarm-ingestion/ingest/internal/dispatch"
	"hikvision-alarm-ingestion/ingest/internal/middleware"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/registry"
	"hikvision-alarm-ingestion/ingest/internal/repos"
	"hikvision-alarm-ingestion/ingest/internal/webhook"
	"hikvision-alarm-ingestion/shared/authx"
	"hikvision-alarm-ingestion/shared/cachex"
	"hikvision-alarm-ingestion/shared/config"
	"hikvision-alarm-ingestion/shared/dbx"
	"hikvision-alarm-ingestion/shared/httpx"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
	"hikvision-alarm-ingestion/shared/mqx"
	"hikvision-alarm-ingestion/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("webhook", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	table, err := loadCIDTable(cfg)
	if err != nil {
		logger.Error(context.Background(), "cid_table_invalid", "failed to load cid table",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	allowlist, err := webhook.NewAllowlist(cfg.WebhookAllowlist)
	if err != nil {
		logger.Error(context.Background(), "allowlist_invalid", "invalid webhook allowlist",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	trustedProxies, err := webhook.NewAllowlist(cfg.WebhookTrustedProxies)
	if err != nil {
		logger.Error(context.Background(), "trusted_proxies_invalid", "invalid webhook trusted proxy list",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "dedup pre-check disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_init_failed", "device status publishing disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if producer != nil {
		defer producer.Close()
	}

	devicesRepo := repos.NewDevicesRepo(dbPool)
	eventsRepo := repos.NewEventsRepo(dbPool)
	gate := dedup.New(eventsRepo, cacheClient, cfg.DedupWindow())

	var statusPublisher registry.Publisher
	if producer != nil {
		statusPublisher = producer
	}
	reg := registry.New(devicesRepo, nil, statusPublisher, logger, cfg.OfflineThreshold())

	dispatcher := dispatch.New(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}, cfg.AsynqQueue, cfg.AsynqQueueShards, cfg.DispatchTimeout(), logger)
	defer dispatcher.Close()

	hook := &webhook.Handler{
		Devices:         devicesRepo,
		Heartbeats:      reg,
		Normalizer:      normalize.New(table),
		Gate:            gate,
		Dispatcher:      dispatcher,
		Marker:          eventsRepo,
		Allowlist:       allowlist,
		TrustedProxies:  trustedProxies,
		SignatureHeader: cfg.WebhookSignatureHeader,
		SignatureSecret: cfg.WebhookSignatureSecret,
		Logger:          logger,
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	metricsx.Register()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/hikvision/alarm", hook.HandleAlarm)
	mux.HandleFunc("POST /webhooks/hikvision/heartbeat", hook.HandleHeartbeat)
	mux.HandleFunc("GET /webhooks/hikvision/health", hook.HandleHealth)
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	mux.HandleFunc("GET /api/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		devices, err := devicesRepo.List(r.Context(), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list devices", nil)
			return
		}
		items := make([]map[string]any, 0, len(devices))
		for _, d := range devices {
			items = append(items, map[string]any{
				"device_id":         d.DeviceID,
				"name":              d.Name,
				"ip_address":        d.IPAddress,
				"status":            d.Status,
				"arm_status":        d.ArmStatus,
				"webhook_enabled":   d.WebhookEnabled,
				"last_heartbeat_at": d.LastHeartbeatAt,
			})
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"devices": items})
	})
	mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		var deviceFilter *uuid.UUID
		if raw := strings.TrimSpace(r.URL.Query().Get("device")); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid device id", nil)
				return
			}
			deviceFilter = &id
		}
		events, err := eventsRepo.List(r.Context(), deviceFilter, limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list events", nil)
			return
		}
		items := make([]map[string]any, 0, len(events))
		for _, e := range events {
			items = append(items, map[string]any{
				"event_id":      e.EventID,
				"device_id":     e.DeviceID,
				"alarm_type":    e.AlarmType,
				"severity":      e.Severity,
				"cid_code":      e.CIDCode,
				"event_type":    e.EventType,
				"zone":          e.Zone,
				"partition":     e.Partition,
				"triggered_at":  e.TriggeredAt,
				"time_fallback": e.TimeFallback,
				"received_at":   e.ReceivedAt,
				"alert_uuid":    e.AlertUUID,
				"processed_at":  e.ProcessedAt,
			})
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": items})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	isWebhookRoute := func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, "/webhooks/")
	}
	isInfraRoute := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: func(r *http.Request) bool {
			return isInfraRoute(r) || r.URL.Path == "/webhooks/hikvision/health"
		},
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip: func(r *http.Request) bool {
			return isWebhookRoute(r) || isInfraRoute(r)
		},
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.WebhookRateRPS, cfg.WebhookRateBurst, 2*time.Minute),
		Skip: func(r *http.Request) bool {
			return !isWebhookRoute(r)
		},
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("dedup_window_sec", cfg.DedupWindowSec),
			slog.Bool("signature_required", cfg.WebhookSignatureSecret != ""),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func loadCIDTable(cfg config.Config) (*cid.Table, error) {
	if cfg.CIDTablePath == "" {
		return cid.Default(cfg.CIDStrict), nil
	}
	return cid.Load(cfg.CIDTablePath, cfg.CIDStrict)
}

func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
