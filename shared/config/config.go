package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqQueueShards int
	AsynqConcurrency int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	WebhookAllowlist       []string
	WebhookTrustedProxies  []string
	WebhookSignatureHeader string
	WebhookSignatureSecret string
	WebhookRateRPS         float64
	WebhookRateBurst       int

	PanelConnectTimeoutMS int
	PanelRequestTimeoutMS int

	PollEnabled     bool
	PollIntervalSec int
	PollBatchSize   int

	HeartbeatEnabled    bool
	OfflineThresholdSec int

	DedupWindowSec int

	RetentionDays       int
	RetentionKeepAlerts bool
	PruneChunkSize      int

	CIDTablePath string
	CIDStrict    bool

	DispatchTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                    envRaw,
		ServiceName:            serviceNameDefault,
		HTTPPort:               httpPortDefault,
		LogLevel:               "info",
		ConfigPath:             strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:       30000,
		OIDCIssuer:             strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:           strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:            strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:         300,
		JWTClockSkewSec:        60,
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		AsynqQueue:             "alarm-events",
		AsynqQueueShards:       1,
		AsynqConcurrency:       10,
		KafkaRetryMax:          5,
		KafkaWriteMS:           5000,
		InfluxTimeoutMS:        5000,
		WebhookSignatureHeader: "X-Hik-Signature",
		WebhookRateRPS:         20,
		WebhookRateBurst:       40,
		PanelConnectTimeoutMS:  5000,
		PanelRequestTimeoutMS:  30000,
		PollEnabled:            false,
		PollIntervalSec:        30,
		PollBatchSize:          100,
		HeartbeatEnabled:       true,
		OfflineThresholdSec:    600,
		DedupWindowSec:         60,
		RetentionDays:          365,
		RetentionKeepAlerts:    true,
		PruneChunkSize:         500,
		DispatchTimeoutMS:      2000,
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if strings.TrimSpace(cfg.AsynqQueue) == "" {
		problems = append(problems, Problem{Field: "ALARM_QUEUE", Message: "ALARM_QUEUE must not be empty"})
		cfg.AsynqQueue = "alarm-events"
	}
	if cfg.AsynqQueueShards <= 0 {
		problems = append(problems, Problem{Field: "ALARM_QUEUE_SHARDS", Message: "ALARM_QUEUE_SHARDS must be > 0"})
		cfg.AsynqQueueShards = 1
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.WebhookRateRPS <= 0 {
		problems = append(problems, Problem{Field: "WEBHOOK_RATE_RPS", Message: "WEBHOOK_RATE_RPS must be > 0"})
		cfg.WebhookRateRPS = 20
	}
	if cfg.WebhookRateBurst <= 0 {
		problems = append(problems, Problem{Field: "WEBHOOK_RATE_BURST", Message: "WEBHOOK_RATE_BURST must be > 0"})
		cfg.WebhookRateBurst = 40
	}
	if cfg.PanelConnectTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "PANEL_CONNECT_TIMEOUT_MS", Message: "PANEL_CONNECT_TIMEOUT_MS must be > 0"})
		cfg.PanelConnectTimeoutMS = 5000
	}
	if cfg.PanelRequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "PANEL_REQUEST_TIMEOUT_MS", Message: "PANEL_REQUEST_TIMEOUT_MS must be > 0"})
		cfg.PanelRequestTimeoutMS = 30000
	}
	if cfg.PollIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "POLL_INTERVAL_SECONDS", Message: "POLL_INTERVAL_SECONDS must be > 0"})
		cfg.PollIntervalSec = 30
	}
	if cfg.PollBatchSize <= 0 {
		problems = append(problems, Problem{Field: "POLL_BATCH_SIZE", Message: "POLL_BATCH_SIZE must be > 0"})
		cfg.PollBatchSize = 100
	}
	if cfg.OfflineThresholdSec <= 0 {
		problems = append(problems, Problem{Field: "OFFLINE_THRESHOLD_SECONDS", Message: "OFFLINE_THRESHOLD_SECONDS must be > 0"})
		cfg.OfflineThresholdSec = 600
	}
	if cfg.DedupWindowSec <= 0 {
		problems = append(problems, Problem{Field: "DEDUP_WINDOW_SECONDS", Message: "DEDUP_WINDOW_SECONDS must be > 0"})
		cfg.DedupWindowSec = 60
	}
	if cfg.RetentionDays <= 0 {
		problems = append(problems, Problem{Field: "RETENTION_DAYS", Message: "RETENTION_DAYS must be > 0"})
		cfg.RetentionDays = 365
	}
	if cfg.PruneChunkSize <= 0 {
		problems = append(problems, Problem{Field: "PRUNE_CHUNK_SIZE", Message: "PRUNE_CHUNK_SIZE must be > 0"})
		cfg.PruneChunkSize = 500
	}
	if cfg.DispatchTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_TIMEOUT_MS", Message: "DISPATCH_TIMEOUT_MS must be > 0"})
		cfg.DispatchTimeoutMS = 2000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSec) * time.Second
}

func (c Config) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSec) * time.Second
}

func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutMS) * time.Millisecond
}

func (c Config) PanelConnectTimeout() time.Duration {
	return time.Duration(c.PanelConnectTimeoutMS) * time.Millisecond
}

func (c Config) PanelRequestTimeout() time.Duration {
	return time.Duration(c.PanelRequestTimeoutMS) * time.Millisecond
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

type fieldSpec struct {
	set func(cfg *Config, v any) bool
	msg string
}

// fieldSpecs drives both the env path and the config-file path so the list of
// recognized options lives in one place.
var fieldSpecs = map[string]fieldSpec{
	"SERVICE_NAME": {set: func(c *Config, v any) bool { return setString(&c.ServiceName, v) }},
	"LOG_LEVEL":    {set: func(c *Config, v any) bool { return setString(&c.LogLevel, v) }},
	"HTTP_PORT": {set: func(c *Config, v any) bool {
		p, ok := asInt(v)
		if !ok || p <= 0 || p > 65535 {
			return false
		}
		c.HTTPPort = p
		return true
	}, msg: "HTTP_PORT must be 1-65535"},
	"REQUEST_TIMEOUT_MS":           {set: func(c *Config, v any) bool { return setInt(&c.RequestTimeoutMS, v) }, msg: "REQUEST_TIMEOUT_MS must be an integer"},
	"OIDC_ISSUER":                  {set: func(c *Config, v any) bool { return setString(&c.OIDCIssuer, v) }},
	"OIDC_AUDIENCE":                {set: func(c *Config, v any) bool { return setString(&c.OIDCAudience, v) }},
	"OIDC_JWKS_URL":                {set: func(c *Config, v any) bool { return setString(&c.OIDCJWKSURL, v) }},
	"JWKS_CACHE_TTL_SECONDS":       {set: func(c *Config, v any) bool { return setInt(&c.JWKSTTLSeconds, v) }, msg: "JWKS_CACHE_TTL_SECONDS must be an integer"},
	"JWT_CLOCK_SKEW_SECONDS":       {set: func(c *Config, v any) bool { return setInt(&c.JWTClockSkewSec, v) }, msg: "JWT_CLOCK_SKEW_SECONDS must be an integer"},
	"DATABASE_URL":                 {set: func(c *Config, v any) bool { return setString(&c.DatabaseURL, v) }},
	"DB_MAX_CONNS":                 {set: func(c *Config, v any) bool { return setInt(&c.DBMaxConns, v) }, msg: "DB_MAX_CONNS must be an integer"},
	"DB_MIN_CONNS":                 {set: func(c *Config, v any) bool { return setInt(&c.DBMinConns, v) }, msg: "DB_MIN_CONNS must be an integer"},
	"DB_CONN_MAX_IDLE_SECONDS":     {set: func(c *Config, v any) bool { return setInt(&c.DBConnMaxIdleSec, v) }, msg: "DB_CONN_MAX_IDLE_SECONDS must be an integer"},
	"DB_CONN_MAX_LIFETIME_SECONDS": {set: func(c *Config, v any) bool { return setInt(&c.DBConnMaxLifeSec, v) }, msg: "DB_CONN_MAX_LIFETIME_SECONDS must be an integer"},
	"REDIS_ADDR":                   {set: func(c *Config, v any) bool { return setString(&c.RedisAddr, v) }},
	"REDIS_PASSWORD":               {set: func(c *Config, v any) bool { return setString(&c.RedisPassword, v) }},
	"REDIS_DB":                     {set: func(c *Config, v any) bool { return setInt(&c.RedisDB, v) }, msg: "REDIS_DB must be an integer"},
	"ASYNQ_REDIS_ADDR":             {set: func(c *Config, v any) bool { return setString(&c.AsynqRedisAddr, v) }},
	"ASYNQ_REDIS_PASSWORD":         {set: func(c *Config, v any) bool { return setString(&c.AsynqRedisPass, v) }},
	"ASYNQ_REDIS_DB":               {set: func(c *Config, v any) bool { return setInt(&c.AsynqRedisDB, v) }, msg: "ASYNQ_REDIS_DB must be an integer"},
	"ALARM_QUEUE":                  {set: func(c *Config, v any) bool { return setString(&c.AsynqQueue, v) }},
	"ALARM_QUEUE_SHARDS":           {set: func(c *Config, v any) bool { return setInt(&c.AsynqQueueShards, v) }, msg: "ALARM_QUEUE_SHARDS must be an integer"},
	"ASYNQ_CONCURRENCY":            {set: func(c *Config, v any) bool { return setInt(&c.AsynqConcurrency, v) }, msg: "ASYNQ_CONCURRENCY must be an integer"},
	"KAFKA_BROKERS":                {set: func(c *Config, v any) bool { return setCSV(&c.KafkaBrokers, v) }},
	"KAFKA_CLIENT_ID":              {set: func(c *Config, v any) bool { return setString(&c.KafkaClientID, v) }},
	"KAFKA_CONSUMER_GROUP":         {set: func(c *Config, v any) bool { return setString(&c.KafkaGroupID, v) }},
	"KAFKA_RETRY_MAX":              {set: func(c *Config, v any) bool { return setInt(&c.KafkaRetryMax, v) }, msg: "KAFKA_RETRY_MAX must be an integer"},
	"KAFKA_WRITE_TIMEOUT_MS":       {set: func(c *Config, v any) bool { return setInt(&c.KafkaWriteMS, v) }, msg: "KAFKA_WRITE_TIMEOUT_MS must be an integer"},
	"INFLUX_URL":                   {set: func(c *Config, v any) bool { return setString(&c.InfluxURL, v) }},
	"INFLUX_TOKEN":                 {set: func(c *Config, v any) bool { return setString(&c.InfluxToken, v) }},
	"INFLUX_ORG":                   {set: func(c *Config, v any) bool { return setString(&c.InfluxOrg, v) }},
	"INFLUX_BUCKET":                {set: func(c *Config, v any) bool { return setString(&c.InfluxBucket, v) }},
	"INFLUX_TIMEOUT_MS":            {set: func(c *Config, v any) bool { return setInt(&c.InfluxTimeoutMS, v) }, msg: "INFLUX_TIMEOUT_MS must be an integer"},
	"WEBHOOK_ALLOWLIST":            {set: func(c *Config, v any) bool { return setCSV(&c.WebhookAllowlist, v) }},
	"WEBHOOK_TRUSTED_PROXIES":      {set: func(c *Config, v any) bool { return setCSV(&c.WebhookTrustedProxies, v) }},
	"WEBHOOK_SIGNATURE_HEADER":     {set: func(c *Config, v any) bool { return setString(&c.WebhookSignatureHeader, v) }},
	"WEBHOOK_SIGNATURE_SECRET":     {set: func(c *Config, v any) bool { return setString(&c.WebhookSignatureSecret, v) }},
	"WEBHOOK_RATE_RPS":             {set: func(c *Config, v any) bool { return setFloat(&c.WebhookRateRPS, v) }, msg: "WEBHOOK_RATE_RPS must be a number"},
	"WEBHOOK_RATE_BURST":           {set: func(c *Config, v any) bool { return setInt(&c.WebhookRateBurst, v) }, msg: "WEBHOOK_RATE_BURST must be an integer"},
	"PANEL_CONNECT_TIMEOUT_MS":     {set: func(c *Config, v any) bool { return setInt(&c.PanelConnectTimeoutMS, v) }, msg: "PANEL_CONNECT_TIMEOUT_MS must be an integer"},
	"PANEL_REQUEST_TIMEOUT_MS":     {set: func(c *Config, v any) bool { return setInt(&c.PanelRequestTimeoutMS, v) }, msg: "PANEL_REQUEST_TIMEOUT_MS must be an integer"},
	"POLL_ENABLED":                 {set: func(c *Config, v any) bool { return setBool(&c.PollEnabled, v) }, msg: "POLL_ENABLED must be a boolean"},
	"POLL_INTERVAL_SECONDS":        {set: func(c *Config, v any) bool { return setInt(&c.PollIntervalSec, v) }, msg: "POLL_INTERVAL_SECONDS must be an integer"},
	"POLL_BATCH_SIZE":              {set: func(c *Config, v any) bool { return setInt(&c.PollBatchSize, v) }, msg: "POLL_BATCH_SIZE must be an integer"},
	"HEARTBEAT_ENABLED":            {set: func(c *Config, v any) bool { return setBool(&c.HeartbeatEnabled, v) }, msg: "HEARTBEAT_ENABLED must be a boolean"},
	"OFFLINE_THRESHOLD_SECONDS":    {set: func(c *Config, v any) bool { return setInt(&c.OfflineThresholdSec, v) }, msg: "OFFLINE_THRESHOLD_SECONDS must be an integer"},
	"DEDUP_WINDOW_SECONDS":         {set: func(c *Config, v any) bool { return setInt(&c.DedupWindowSec, v) }, msg: "DEDUP_WINDOW_SECONDS must be an integer"},
	"RETENTION_DAYS":               {set: func(c *Config, v any) bool { return setInt(&c.RetentionDays, v) }, msg: "RETENTION_DAYS must be an integer"},
	"RETENTION_KEEP_ALERTS":        {set: func(c *Config, v any) bool { return setBool(&c.RetentionKeepAlerts, v) }, msg: "RETENTION_KEEP_ALERTS must be a boolean"},
	"PRUNE_CHUNK_SIZE":             {set: func(c *Config, v any) bool { return setInt(&c.PruneChunkSize, v) }, msg: "PRUNE_CHUNK_SIZE must be an integer"},
	"CID_TABLE_PATH":               {set: func(c *Config, v any) bool { return setString(&c.CIDTablePath, v) }},
	"CID_STRICT":                   {set: func(c *Config, v any) bool { return setBool(&c.CIDStrict, v) }, msg: "CID_STRICT must be a boolean"},
	"DISPATCH_TIMEOUT_MS":          {set: func(c *Config, v any) bool { return setInt(&c.DispatchTimeoutMS, v) }, msg: "DISPATCH_TIMEOUT_MS must be an integer"},
	"OTEL_ENABLED":                 {set: func(c *Config, v any) bool { return setBool(&c.OtelEnabled, v) }, msg: "OTEL_ENABLED must be a boolean"},
	"OTEL_EXPORTER_OTLP_ENDPOINT":  {set: func(c *Config, v any) bool { return setString(&c.OtelEndpoint, v) }},
	"OTEL_EXPORTER_OTLP_INSECURE":  {set: func(c *Config, v any) bool { return setBool(&c.OtelInsecure, v) }, msg: "OTEL_EXPORTER_OTLP_INSECURE must be a boolean"},
	"OTEL_SAMPLE_RATIO":            {set: func(c *Config, v any) bool { return setFloat(&c.OtelSampleRatio, v) }, msg: "OTEL_SAMPLE_RATIO must be a number"},
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for key, spec := range fieldSpecs {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if !spec.set(cfg, raw) {
			*problems = append(*problems, Problem{Field: key, Message: problemMessage(key, spec)})
		}
	}
	// PORT is honored as a fallback alias for HTTP_PORT.
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
			if p, err := strconv.Atoi(raw); err == nil && p > 0 && p <= 65535 {
				cfg.HTTPPort = p
			} else {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			}
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		spec, ok := fieldSpecs[key]
		if !ok {
			continue
		}
		if !spec.set(cfg, v) {
			*problems = append(*problems, Problem{Field: key, Message: problemMessage(key, spec)})
		}
	}
}

func problemMessage(key string, spec fieldSpec) string {
	if spec.msg != "" {
		return spec.msg
	}
	return key + " is invalid"
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func setString(dst *string, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	if strings.TrimSpace(s) == "" {
		return true
	}
	*dst = strings.TrimSpace(s)
	return true
}

func setInt(dst *int, v any) bool {
	n, ok := asInt(v)
	if !ok {
		return false
	}
	*dst = n
	return true
}

func setFloat(dst *float64, v any) bool {
	f, ok := asFloat(v)
	if !ok {
		return false
	}
	*dst = f
	return true
}

func setBool(dst *bool, v any) bool {
	switch t := v.(type) {
	case bool:
		*dst = t
		return true
	case string:
		b, ok := asBool(t)
		if !ok {
			return false
		}
		*dst = b
		return true
	default:
		return false
	}
}

func setCSV(dst *[]string, v any) bool {
	switch t := v.(type) {
	case string:
		*dst = parseCSV(t)
		return true
	case []any:
		*dst = parseAnyCSV(t)
		return true
	default:
		return false
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
