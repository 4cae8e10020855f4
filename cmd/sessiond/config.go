package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/sessionkeeper/internal/app"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
)

const (
	defaultLoggingLevel      = logger.LevelInfo
	defaultEnvironment       = logger.EnvProduction
	defaultStorageBackend    = app.BackendPostgres
	defaultGCSchedule        = "*/5 * * * *"
	defaultHandlerGCSchedule = "0 * * * *"
	defaultJobTimeout        = time.Minute
	defaultTickInterval      = time.Minute
	defaultPayloadLifetime   = 24 * time.Hour
	defaultNamespace         = "default"
	defaultSessionName       = "SESSID"
	defaultAuditTopic        = "session-audit"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment (development, production)
	Environment string

	// postgres or redis
	StorageBackend string

	// Database to connect to
	DatabaseDSN string

	// Redis address when redis backend is used
	RedisAddr string

	// Cron expressions of the recurring jobs
	GCSchedule        string
	HandlerGCSchedule string

	// Deadline of one job run
	JobTimeout time.Duration

	// How often the scheduler is woken up
	TickInterval time.Duration

	// Handler payloads not written for this long are collected
	PayloadLifetime time.Duration

	// Handler scope
	Namespace   string
	SessionName string

	// Kafka brokers to mirror audit events to, disabled if empty
	AuditKafkaBrokers []string
	AuditKafkaTopic   string

	// OTLP gRPC endpoint for metrics, disabled if empty
	OTLPEndpoint string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:          defaultLoggingLevel,
		Environment:       defaultEnvironment,
		StorageBackend:    defaultStorageBackend,
		GCSchedule:        defaultGCSchedule,
		HandlerGCSchedule: defaultHandlerGCSchedule,
		JobTimeout:        defaultJobTimeout,
		TickInterval:      defaultTickInterval,
		PayloadLifetime:   defaultPayloadLifetime,
		Namespace:         defaultNamespace,
		SessionName:       defaultSessionName,
		AuditKafkaTopic:   defaultAuditTopic,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}

	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = strings.Split(value, ",")
			}
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"LOG_LEVEL":                   setString(&c.LogLevel),
		"ENVIRONMENT":                 setString(&c.Environment),
		"STORAGE_BACKEND":             setString(&c.StorageBackend),
		"DATABASE_URI":                setString(&c.DatabaseDSN),
		"REDIS_ADDR":                  setString(&c.RedisAddr),
		"GC_SCHEDULE":                 setString(&c.GCSchedule),
		"HANDLER_GC_SCHEDULE":         setString(&c.HandlerGCSchedule),
		"JOB_TIMEOUT":                 setDuration(&c.JobTimeout),
		"TICK_INTERVAL":               setDuration(&c.TickInterval),
		"PAYLOAD_LIFETIME":            setDuration(&c.PayloadLifetime),
		"SESSION_NAMESPACE":           setString(&c.Namespace),
		"SESSION_NAME":                setString(&c.SessionName),
		"AUDIT_KAFKA_BROKERS":         setList(&c.AuditKafkaBrokers),
		"AUDIT_KAFKA_TOPIC":           setString(&c.AuditKafkaTopic),
		"OTEL_EXPORTER_OTLP_ENDPOINT": setString(&c.OTLPEndpoint),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("sessiond", pflag.ContinueOnError)

	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")
	fs.StringVarP(&c.StorageBackend, "backend", "b", c.StorageBackend, "Storage backend (postgres, redis)")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address")
	fs.StringVar(&c.GCSchedule, "gc-schedule", c.GCSchedule, "Cron expression of session garbage collection")
	fs.StringVar(&c.HandlerGCSchedule, "handler-gc-schedule", c.HandlerGCSchedule, "Cron expression of payload garbage collection")
	fs.DurationVar(&c.JobTimeout, "job-timeout", c.JobTimeout, "Deadline of one job run")
	fs.DurationVar(&c.TickInterval, "tick", c.TickInterval, "How often due jobs are checked")
	fs.DurationVar(&c.PayloadLifetime, "payload-lifetime", c.PayloadLifetime, "Lifetime of handler payloads since last write")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "Session handler namespace")
	fs.StringVar(&c.SessionName, "session-name", c.SessionName, "Session handler name")
	fs.StringSliceVar(&c.AuditKafkaBrokers, "audit-kafka-brokers", c.AuditKafkaBrokers, "Kafka brokers for audit events")
	fs.StringVar(&c.AuditKafkaTopic, "audit-kafka-topic", c.AuditKafkaTopic, "Kafka topic for audit events")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", c.OTLPEndpoint, "OTLP gRPC endpoint for metrics")

	return fs.Parse(args)
}

func (c *Config) Backend() app.BackendConfig {
	return app.BackendConfig{
		Kind:        c.StorageBackend,
		DatabaseDSN: c.DatabaseDSN,
		RedisAddr:   c.RedisAddr,
		PayloadTTL:  c.PayloadLifetime,
	}
}
