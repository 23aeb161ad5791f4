package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/ScanBox/internal/api/receiving_api"
	"github.com/BearBump/ScanBox/internal/broker/messages"
	"github.com/BearBump/ScanBox/internal/logger"
	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/services/receiving"
)

const consumerRestartDelay = time.Second

type scanAPIOpts struct {
	httpAddr       string
	swaggerPath    string
	allowedOrigins []string

	assignmentTopic string
	consumerGroup   string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error
}

// runScanAPI serves HTTP until ctx is cancelled. A nil consumer disables the
// assignments feed.
func runScanAPI(ctx context.Context, opts scanAPIOpts, svc *receiving.Service, ready func(ctx context.Context) error, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, newRouter(opts, svc, ready))
	}()

	if consumer != nil {
		go runAssignmentConsumer(ctx, opts, consumer, assignmentHandler(svc))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}

func runAssignmentConsumer(ctx context.Context, opts scanAPIOpts, consumer kafkaConsumer, handler func(ctx context.Context, key, value []byte) error) {
	log := logger.L.WithFields(logger.Fields{"topic": opts.assignmentTopic, "group": opts.consumerGroup})
	log.Info("kafka consumer started")
	for {
		err := consumer.Consume(ctx, handler)
		if ctx.Err() != nil {
			log.Info("kafka consumer stopped")
			return
		}
		log.WithError(err).Error("kafka consumer failed, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRestartDelay):
		}
	}
}

// assignmentHandler applies one goods.assignments message. The message key
// stands in for a missing code. Messages that can never apply are logged and
// acknowledged; anything else is returned so the message stays uncommitted.
func assignmentHandler(svc *receiving.Service) func(ctx context.Context, key, value []byte) error {
	return func(ctx context.Context, key, value []byte) error {
		var m messages.GoodsAssignment
		if err := json.Unmarshal(value, &m); err != nil {
			logger.ForContext(ctx).WithError(err).WithField("key", string(key)).Warn("skipping malformed goods assignment")
			return nil
		}
		if m.Code == "" {
			m.Code = string(key)
		}
		err := svc.ApplyAssignment(ctx, m)
		if models.IsValidation(err) || errors.Is(err, models.ErrNotFound) {
			logger.ForContext(ctx).WithError(err).WithField("code", m.Code).Warn("skipping goods assignment")
			return nil
		}
		return err
	}
}

func newRouter(opts scanAPIOpts, svc *receiving.Service, ready func(ctx context.Context) error) http.Handler {
	origins := opts.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(receiving_api.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders: []string{"Content-Disposition", "X-Correlation-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	receiving_api.New(svc).Register(r)
	return r
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L.WithField("addr", lis.Addr().String()).Info("HTTP server listening")
	err := srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
