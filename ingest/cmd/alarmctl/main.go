package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/dedup"
	"hikvision-alarm-ingestion/ingest/internal/dispatch"
	"hikvision-alarm-ingestion/ingest/internal/isapi"
	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/poller"
	"hikvision-alarm-ingestion/ingest/internal/registry"
	"hikvision-alarm-ingestion/ingest/internal/repos"
	"hikvision-alarm-ingestion/shared/config"
	"hikvision-alarm-ingestion/shared/dbx"
	"hikvision-alarm-ingestion/shared/logx"
)

const usage = `alarmctl runs ingestion maintenance by hand.

Usage:
  alarmctl poll   [--device ID] [--limit N] [--dry-run]   fetch event records from panels
  alarmctl sync   [--device ID] [--limit N]               probe panels and refresh device status
  alarmctl prune  [--days N] [--keep-alerts] [--dry-run]  delete events past retention
  alarmctl replay [--limit N] [--grace MIN] [--dry-run]   re-enqueue events stuck undispatched
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "alarmctl:", err)
		os.Exit(1)
	}
	defer app.close()

	var runErr error
	switch os.Args[1] {
	case "poll":
		runErr = app.runPoll(ctx, os.Args[2:])
	case "sync":
		runErr = app.runSync(ctx, os.Args[2:])
	case "prune":
		runErr = app.runPrune(ctx, os.Args[2:])
	case "replay":
		runErr = app.runReplay(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "alarmctl: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "alarmctl:", runErr)
		os.Exit(1)
	}
}

type app struct {
	cfg        config.Config
	devices    *repos.DevicesRepo
	events     *repos.EventsRepo
	registry   *registry.Registry
	poller     *poller.Poller
	dispatcher *dispatch.Dispatcher
	closers    []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, problems := config.Load("alarmctl", 8086)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "alarmctl: config: %s: %s\n", p.Field, p.Message)
	}

	logger := logx.New(cfg.ServiceName, cfg.Env, "", "warn")

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("db init: %w", err)
	}

	table, err := loadCIDTable(cfg)
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("contact-id table: %w", err)
	}

	a := &app{cfg: cfg}
	a.closers = append(a.closers, dbPool.Close)
	a.devices = repos.NewDevicesRepo(dbPool)
	a.events = repos.NewEventsRepo(dbPool)

	panel := isapi.NewClient(cfg.PanelConnectTimeout(), cfg.PanelRequestTimeout())
	a.registry = registry.New(a.devices, panel, nil, logger, cfg.OfflineThreshold())

	if cfg.AsynqRedisAddr != "" {
		a.dispatcher = dispatch.New(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		}, cfg.AsynqQueue, cfg.AsynqQueueShards, cfg.DispatchTimeout(), logger)
		a.closers = append(a.closers, func() { _ = a.dispatcher.Close() })

		gate := dedup.New(a.events, nil, cfg.DedupWindow())
		a.poller = poller.New(panel, normalize.New(table), gate, a.dispatcher, a.events, a.registry, cfg.PollBatchSize, logger)
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) targetDevices(ctx context.Context, deviceFlag string, limit int) ([]models.AlarmDevice, error) {
	if deviceFlag != "" {
		id, err := uuid.Parse(strings.TrimSpace(deviceFlag))
		if err != nil {
			return nil, fmt.Errorf("invalid --device: %w", err)
		}
		device, err := a.devices.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return []models.AlarmDevice{device}, nil
	}
	return a.devices.ListPollable(ctx, limit)
}

func (a *app) runPoll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("poll", flag.ExitOnError)
	deviceFlag := fs.String("device", "", "poll a single device by id")
	limit := fs.Int("limit", 100, "maximum devices to poll")
	dryRun := fs.Bool("dry-run", false, "list target devices without contacting panels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.poller == nil {
		return fmt.Errorf("ASYNQ_REDIS_ADDR is required for poll")
	}

	devices, err := a.targetDevices(ctx, *deviceFlag, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if *dryRun {
		fmt.Fprintln(w, "DEVICE\tNAME\tIP\tSTATUS")
		for _, device := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", device.DeviceID, device.Name, device.IPAddress, device.Status)
		}
		return nil
	}

	fmt.Fprintln(w, "DEVICE\tFETCHED\tNOVEL\tDUPLICATE\tMALFORMED\tERROR")
	failed := 0
	for _, device := range devices {
		result := a.poller.PollDevice(ctx, device)
		errText := ""
		if result.Err != nil {
			errText = result.Err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			device.DeviceID, result.Fetched, result.Novel, result.Duplicate, result.Malformed, errText)
	}
	if failed > 0 {
		w.Flush()
		return fmt.Errorf("%d of %d devices failed", failed, len(devices))
	}
	return nil
}

func (a *app) runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	deviceFlag := fs.String("device", "", "sync a single device by id")
	limit := fs.Int("limit", 100, "maximum devices to sync")
	if err := fs.Parse(args); err != nil {
		return err
	}

	devices, err := a.targetDevices(ctx, *deviceFlag, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "DEVICE\tNAME\tSTATUS\tERROR")

	failed := 0
	for _, device := range devices {
		status, err := a.registry.SyncDevice(ctx, device)
		errText := ""
		if err != nil {
			errText = err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", device.DeviceID, device.Name, status, errText)
	}
	if failed > 0 {
		w.Flush()
		return fmt.Errorf("%d of %d devices failed", failed, len(devices))
	}
	return nil
}

func (a *app) runPrune(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	days := fs.Int("days", a.cfg.RetentionDays, "retention window in days")
	keepAlerts := fs.Bool("keep-alerts", a.cfg.RetentionKeepAlerts, "never delete events with an alert reference")
	dryRun := fs.Bool("dry-run", false, "count prunable events without deleting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days <= 0 {
		return fmt.Errorf("--days must be > 0")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	if *dryRun {
		count, err := a.events.CountPrunable(ctx, cutoff, *keepAlerts)
		if err != nil {
			return err
		}
		fmt.Printf("would prune %d events triggered before %s\n", count, cutoff.Format(time.RFC3339))
		return nil
	}

	pruned, err := a.events.PruneBefore(ctx, cutoff, *keepAlerts, a.cfg.PruneChunkSize)
	if err != nil {
		return fmt.Errorf("pruned %d events before failing: %w", pruned, err)
	}
	fmt.Printf("pruned %d events triggered before %s\n", pruned, cutoff.Format(time.RFC3339))
	return nil
}

func (a *app) runReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	limit := fs.Int("limit", 100, "maximum events to re-enqueue")
	graceMin := fs.Int("grace", 10, "only replay events received more than this many minutes ago")
	dryRun := fs.Bool("dry-run", false, "list stuck events without re-enqueueing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.dispatcher == nil {
		return fmt.Errorf("ASYNQ_REDIS_ADDR is required for replay")
	}

	olderThan := time.Now().UTC().Add(-time.Duration(*graceMin) * time.Minute)
	stuck, err := a.events.ListUnprocessed(ctx, olderThan, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "EVENT\tDEVICE\tTYPE\tRECEIVED\tERROR")

	failed := 0
	for _, event := range stuck {
		errText := ""
		if !*dryRun {
			if err := a.dispatcher.Dispatch(ctx, event); err != nil {
				errText = err.Error()
				failed++
			} else if err := a.events.MarkDispatched(ctx, event.EventID, time.Now().UTC()); err != nil {
				errText = err.Error()
				failed++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.EventID, event.DeviceID, event.EventType, event.ReceivedAt.Format(time.RFC3339), errText)
	}
	if failed > 0 {
		w.Flush()
		return fmt.Errorf("%d of %d events failed to re-enqueue", failed, len(stuck))
	}
	return nil
}

func loadCIDTable(cfg config.Config) (*cid.Table, error) {
	if cfg.CIDTablePath == "" {
		return cid.Default(cfg.CIDStrict), nil
	}
	return cid.Load(cfg.CIDTablePath, cfg.CIDStrict)
}
