package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BearBump/ScanBox/config"
	"github.com/BearBump/ScanBox/internal/broker/kafka"
	"github.com/BearBump/ScanBox/internal/cache"
	"github.com/BearBump/ScanBox/internal/cache/rediscache"
	"github.com/BearBump/ScanBox/internal/logger"
	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/services/dashboard"
	"github.com/BearBump/ScanBox/internal/services/receiving"
	"github.com/BearBump/ScanBox/internal/storage/memstore"
	"github.com/BearBump/ScanBox/internal/storage/pgconferencia"
)

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

// store is what both storage backends provide.
type store interface {
	receiving.Repository
	dashboard.Repository
	Ping(ctx context.Context) error
	Close()
}

type settings struct {
	httpAddr       string
	storage        string
	loc            *time.Location
	policy         models.UnmappedCarrierPolicy
	snapshotTTL    time.Duration
	logLevel       string
	logFormat      string
	allowedOrigins []string

	scannedTopic    string
	assignmentTopic string
	consumerGroup   string
}

// resolveSettings applies defaults to cfg and validates the enumerated values.
func resolveSettings(cfg *config.Config) (settings, error) {
	s := settings{
		httpAddr:        cfg.App.HTTPAddr,
		storage:         strings.ToLower(strings.TrimSpace(cfg.App.Storage)),
		logLevel:        cfg.App.LogLevel,
		logFormat:       cfg.App.LogFormat,
		allowedOrigins:  cfg.App.AllowedOrigins,
		scannedTopic:    cfg.Kafka.ScannedTopicName,
		assignmentTopic: cfg.Kafka.AssignmentTopicName,
		consumerGroup:   cfg.Kafka.ConsumerGroup,
		snapshotTTL:     time.Duration(cfg.Redis.SnapshotTTLSeconds) * time.Second,
	}
	if s.httpAddr == "" {
		s.httpAddr = ":8080"
	}
	if s.storage == "" {
		s.storage = storagePostgres
	}
	if s.storage != storagePostgres && s.storage != storageMemory {
		return settings{}, fmt.Errorf("unknown storage %q", cfg.App.Storage)
	}
	if s.scannedTopic == "" {
		s.scannedTopic = "goods.scanned"
	}
	if s.assignmentTopic == "" {
		s.assignmentTopic = "goods.assignments"
	}
	if s.consumerGroup == "" {
		s.consumerGroup = "scan-api"
	}
	if s.snapshotTTL <= 0 {
		s.snapshotTTL = 10 * time.Minute
	}

	tz := cfg.App.Timezone
	if tz == "" {
		tz = "America/Sao_Paulo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return settings{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	s.loc = loc

	policy, ok := models.ParseUnmappedCarrierPolicy(cfg.Dashboard.UnmappedCarrierPolicy)
	if !ok {
		return settings{}, fmt.Errorf("unknown unmapped carrier policy %q", cfg.Dashboard.UnmappedCarrierPolicy)
	}
	s.policy = policy

	return s, nil
}

type scanAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     scanAPIOpts
	svc      *receiving.Service
	ready    func(ctx context.Context) error
	consumer *kafka.Consumer
	closers  []func()
}

func mustBootstrapScanAPI() *scanAPIApp {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed, %v", err))
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		panic(err)
	}
	if err := logger.Setup(s.logLevel, s.logFormat, os.Stdout); err != nil {
		panic(err)
	}

	app := &scanAPIApp{}

	var st store
	switch s.storage {
	case storageMemory:
		st = memstore.New()
		logger.L.Warn("using in-memory storage, data is lost on restart")
	default:
		sslMode := cfg.Database.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
		st = mustOpenPostgresWithRetry(connString, 60*time.Second)
	}
	app.closers = append(app.closers, st.Close)
	app.ready = st.Ping

	var bc cache.BytesCache
	if cfg.Redis.Host != "" {
		rc := rediscache.NewWithPrefix(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port), cfg.Redis.KeyPrefix)
		bc = rc
		app.closers = append(app.closers, func() { _ = rc.Close() })
		app.ready = pingAll(st.Ping, rc.Ping)
	}

	eng := dashboard.New(st, bc, s.snapshotTTL).WithUnmappedPolicy(s.policy)
	svc := receiving.New(st, eng, s.loc)

	if cfg.Kafka.Host != "" {
		brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
		producer := kafka.NewProducer(brokers)
		svc.WithPublisher(producer, s.scannedTopic)
		app.consumer = kafka.NewConsumer(brokers, s.assignmentTopic, s.consumerGroup)
		app.closers = append(app.closers, func() { _ = producer.Close() })
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.svc = svc
	app.opts = scanAPIOpts{
		httpAddr:        s.httpAddr,
		swaggerPath:     swaggerPath,
		allowedOrigins:  s.allowedOrigins,
		assignmentTopic: s.assignmentTopic,
		consumerGroup:   s.consumerGroup,
	}

	logger.L.WithFields(logger.Fields{
		"storage":  s.storage,
		"timezone": s.loc.String(),
		"policy":   s.policy,
		"redis":    cfg.Redis.Host != "",
		"kafka":    cfg.Kafka.Host != "",
	}).Info("scan-api bootstrapped")
	return app
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgconferencia.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgconferencia.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func pingAll(checks ...func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Close is safe to call more than once.
func (a *scanAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
		a.consumer = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *scanAPIApp) Run() error {
	var consumer kafkaConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runScanAPI(a.ctx, a.opts, a.svc, a.ready, consumer)
}
