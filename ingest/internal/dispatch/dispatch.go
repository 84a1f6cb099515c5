package dispatch

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
)

const TaskTypeProcessAlarm = "alarm:process"

const maxRetry = 5

type ProcessPayload struct {
	EventID string `json:"event_id"`
}

// Dispatcher enqueues processing jobs. Enqueue is fire-and-forget from the
// gateway's perspective: the event row is already persisted, and a queue
// outage must never block or roll back ingestion.
type Dispatcher struct {
	client  *asynq.Client
	queue   string
	shards  int
	timeout time.Duration
	logger  logx.Logger
}

func New(redisOpt asynq.RedisClientOpt, queue string, shards int, timeout time.Duration, logger logx.Logger) *Dispatcher {
	if queue == "" {
		queue = "alarm-events"
	}
	if shards < 1 {
		shards = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{
		client:  asynq.NewClient(redisOpt),
		queue:   queue,
		shards:  shards,
		timeout: timeout,
		logger:  logger,
	}
}

// QueueForDevice assigns a device to a shard queue so one device's burst
// never starves the others. With a single shard the base queue name is used
// unchanged.
func QueueForDevice(base string, shards int, deviceID uuid.UUID) string {
	if shards <= 1 {
		return base
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID.String()))
	return base + "-" + strconv.Itoa(int(h.Sum32()%uint32(shards)))
}

// Queues returns the queue-to-priority map a worker should consume.
func Queues(base string, shards int) map[string]int {
	if shards <= 1 {
		return map[string]int{base: 1}
	}
	queues := make(map[string]int, shards)
	for i := 0; i < shards; i++ {
		queues[base+"-"+strconv.Itoa(i)] = 1
	}
	return queues
}

// Dispatch enqueues within a bounded timeout and reports failure without
// affecting the persisted event. Failed events stay eligible for the replay
// sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.AlarmEvent) error {
	payload, err := json.Marshal(ProcessPayload{EventID: event.EventID.String()})
	if err != nil {
		return err
	}
	queue := QueueForDevice(d.queue, d.shards, event.DeviceID)
	task := asynq.NewTask(TaskTypeProcessAlarm, payload,
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(30*time.Second),
	)

	enqueueCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.client.EnqueueContext(enqueueCtx, task); err != nil {
		metricsx.IncDispatchFailure()
		d.logger.Error(ctx, "dispatch_failed", "failed to enqueue alarm processing",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", event.EventID.String()),
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (d *Dispatcher) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
