package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/dedup"
	"hikvision-alarm-ingestion/ingest/internal/dispatch"
	"hikvision-alarm-ingestion/ingest/internal/isapi"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/poller"
	"hikvision-alarm-ingestion/ingest/internal/registry"
	"hikvision-alarm-ingestion/ingest/internal/repos"
	"hikvision-alarm-ingestion/shared/cachex"
	"hikvision-alarm-ingestion/shared/config"
	"hikvision-alarm-ingestion/shared/dbx"
	"hikvision-alarm-ingestion/shared/lockx"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
	"hikvision-alarm-ingestion/shared/mqx"
	"hikvision-alarm-ingestion/shared/observability"
)

const (
	taskTypeSweepDevices = "devices:sweep"
	taskTypePruneEvents  = "events:prune"
	taskTypePollDevices  = "devices:poll"

	maintenanceQueue = "maintenance"

	// upper bound on devices handled in one sweep or poll run
	maxRunDevices = 200
)

func main() {
	cfg, problems := config.Load("alarm-scheduler", 8085)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required for job leases"})
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

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	table, err := loadCIDTable(cfg)
	if err != nil {
		logger.Error(context.Background(), "cid_table_invalid", "contact-id table failed to load",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_init_failed", "status events disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if producer != nil {
		defer producer.Close()
	}

	devicesRepo := repos.NewDevicesRepo(dbPool)
	eventsRepo := repos.NewEventsRepo(dbPool)
	panel := isapi.NewClient(cfg.PanelConnectTimeout(), cfg.PanelRequestTimeout())
	deviceRegistry := registry.New(devicesRepo, panel, registryPublisher(producer), logger, cfg.OfflineThreshold())
	gate := dedup.New(eventsRepo, cache, cfg.DedupWindow())

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	dispatcher := dispatch.New(redisOpt, cfg.AsynqQueue, cfg.AsynqQueueShards, cfg.DispatchTimeout(), logger)
	defer dispatcher.Close()

	devicePoller := poller.New(panel, normalize.New(table), gate, dispatcher, eventsRepo, deviceRegistry, cfg.PollBatchSize, logger)

	jobs := &maintenanceJobs{
		devices:  devicesRepo,
		events:   eventsRepo,
		registry: deviceRegistry,
		poller:   devicePoller,
		cfg:      cfg,
		logger:   logger,
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	register := func(spec string, taskType string) {
		if _, err := scheduler.Register(spec, asynq.NewTask(taskType, nil), asynq.Queue(maintenanceQueue)); err != nil {
			logger.Error(context.Background(), "schedule_register_failed", "failed to register periodic task",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("task", taskType),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if cfg.HeartbeatEnabled {
		register("@every 5m", taskTypeSweepDevices)
	}
	register("0 3 * * 0", taskTypePruneEvents)
	if cfg.PollEnabled {
		register(fmt.Sprintf("@every %ds", cfg.PollIntervalSec), taskTypePollDevices)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{maintenanceQueue: 1},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeSweepDevices, withLease(cache.Client(), logger, taskTypeSweepDevices, 4*time.Minute, jobs.sweepDevices))
	mux.HandleFunc(taskTypePruneEvents, withLease(cache.Client(), logger, taskTypePruneEvents, 30*time.Minute, jobs.pruneEvents))
	mux.HandleFunc(taskTypePollDevices, withLease(cache.Client(), logger, taskTypePollDevices,
		pollLeaseTTL(maxRunDevices, cfg.PanelRequestTimeout(), time.Duration(cfg.PollIntervalSec)*time.Second), jobs.pollDevices))

	errCh := make(chan error, 2)
	go func() {
		logger.Info(context.Background(), "scheduler_start", "maintenance scheduler started",
			slog.Bool("heartbeat_enabled", cfg.HeartbeatEnabled),
			slog.Bool("poll_enabled", cfg.PollEnabled),
			slog.Int("poll_interval_sec", cfg.PollIntervalSec),
		)
		errCh <- scheduler.Run()
	}()
	go func() {
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		scheduler.Shutdown()
	case err := <-errCh:
		if err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "scheduler_failed", "scheduler failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "scheduler_stop", "maintenance scheduler stopped")
}

func loadCIDTable(cfg config.Config) (*cid.Table, error) {
	if cfg.CIDTablePath == "" {
		return cid.Default(cfg.CIDStrict), nil
	}
	return cid.Load(cfg.CIDTablePath, cfg.CIDStrict)
}

// registryPublisher returns nil when kafka is not configured so the registry
// skips status publishing instead of tripping on a nil producer.
func registryPublisher(producer *mqx.Producer) registry.Publisher {
	if producer == nil {
		return nil
	}
	return producer
}

// pollLeaseTTL sizes the poll lease to the slowest possible cycle, one full
// panel timeout for every device in the run. A lease tied to the poll
// interval would expire mid-run on slow panels and let the next tick start
// concurrently.
func pollLeaseTTL(devices int, perDevice time.Duration, floor time.Duration) time.Duration {
	ttl := time.Duration(devices) * perDevice
	if ttl < floor {
		ttl = floor
	}
	return ttl
}

// withLease wraps a handler with a redis lease keyed by job name. When a
// previous run still holds the lease the job is skipped cleanly.
func withLease(client *redis.Client, logger logx.Logger, name string, ttl time.Duration, fn func(context.Context) error) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		lease, ok, err := lockx.Acquire(ctx, client, "lease:"+name, ttl)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info(ctx, "job_skipped", "previous run still holds the lease", slog.String("job", name))
			return nil
		}
		defer func() {
			if err := lockx.Release(context.Background(), client, lease); err != nil {
				logger.Warn(ctx, "lease_release_failed", "failed to release job lease",
					slog.String("job", name),
					slog.String("error", err.Error()),
				)
			}
		}()
		return fn(ctx)
	}
}

type maintenanceJobs struct {
	devices  *repos.DevicesRepo
	events   *repos.EventsRepo
	registry *registry.Registry
	poller   *poller.Poller
	cfg      config.Config
	logger   logx.Logger
}

// sweepDevices probes stale credentialed devices, then flips any device that
// is still past the offline threshold. Probe failures are isolated per device.
func (j *maintenanceJobs) sweepDevices(ctx context.Context) error {
	now := time.Now().UTC()

	stale, err := j.registry.StaleDevices(ctx, now, maxRunDevices)
	if err != nil {
		return err
	}
	synced := 0
	for _, device := range stale {
		if !device.HasCredentials() {
			continue
		}
		status, err := j.registry.SyncDevice(ctx, device)
		if err != nil {
			j.logger.Warn(ctx, "device_sync_failed", "stale device probe failed",
				slog.String("device_id", device.DeviceID.String()),
				slog.String("status", status),
				slog.String("error", err.Error()),
			)
			continue
		}
		synced++
	}

	swept, err := j.registry.SweepStale(ctx, now)
	if err != nil {
		return err
	}
	j.logger.Info(ctx, "devices_swept", "stale device sweep finished",
		slog.Int("stale", len(stale)),
		slog.Int("synced", synced),
		slog.Int("marked_offline", swept),
	)
	return nil
}

func (j *maintenanceJobs) pruneEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -j.cfg.RetentionDays)
	pruned, err := j.events.PruneBefore(ctx, cutoff, j.cfg.RetentionKeepAlerts, j.cfg.PruneChunkSize)
	if pruned > 0 {
		metricsx.AddEventsPruned(pruned)
	}
	if err != nil {
		j.logger.Error(ctx, "events_prune_failed", "retention prune aborted",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.Int64("pruned", pruned),
			slog.String("error", err.Error()),
		)
		return err
	}
	j.logger.Info(ctx, "events_pruned", "retention prune finished",
		slog.Int64("pruned", pruned),
		slog.Time("cutoff", cutoff),
		slog.Bool("keep_alerts", j.cfg.RetentionKeepAlerts),
	)
	return nil
}

func (j *maintenanceJobs) pollDevices(ctx context.Context) error {
	devices, err := j.devices.ListPollable(ctx, maxRunDevices)
	if err != nil {
		return err
	}
	var fetched, novel, failed int
	for _, device := range devices {
		result := j.poller.PollDevice(ctx, device)
		fetched += result.Fetched
		novel += result.Novel
		if result.Err != nil {
			failed++
		}
	}
	j.logger.Info(ctx, "devices_polled", "poll cycle finished",
		slog.Int("devices", len(devices)),
		slog.Int("fetched", fetched),
		slog.Int("novel", novel),
		slog.Int("failed", failed),
	)
	return nil
}
