package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"liftcloud/internal/accounts"
	"liftcloud/internal/alarms"
	apihttp "liftcloud/internal/api/http"
	"liftcloud/internal/auth"
	"liftcloud/internal/counters"
	"liftcloud/internal/engine"
	"liftcloud/internal/floors"
	"liftcloud/internal/logging"
	"liftcloud/internal/motion"
	"liftcloud/internal/observability/metrics"
	"liftcloud/internal/scheduler"
	"liftcloud/internal/tbadapter"
	thingsboard "liftcloud/internal/telemetry/interfaces/thingsboard"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Service: "liftcloud",
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	registry, err := accounts.Load(nil)
	if err != nil {
		logger.Fatal("account config error", zap.Error(err))
	}
	for _, acc := range registry.List() {
		logger.Info("platform account configured",
			zap.String("account", acc.ID),
			zap.String("base_url", acc.BaseURL))
	}

	metrics.Init()

	tbClient, err := tbadapter.NewClient(registry, logger, tbadapter.WithTimeout(cfg.PlatformTimeout))
	if err != nil {
		logger.Fatal("platform client error", zap.Error(err))
	}

	resolver, err := floors.NewResolver(tbClient, logger, floors.WithTTL(cfg.FloorCacheTTL))
	if err != nil {
		logger.Fatal("floor resolver error", zap.Error(err))
	}

	aggregator := counters.NewAggregator(logger,
		counters.WithMovementThreshold(cfg.MovementThresholdMM),
		counters.WithTimezone(cfg.Timezone))
	flusher := counters.NewFlusher(aggregator, tbClient, logger)

	trackerOpts := []motion.Option{
		motion.WithDeadband(cfg.DeadbandMM),
		motion.WithLongOpen(cfg.DoorLongOpen),
	}
	calcTracker := motion.NewTracker(trackerOpts...)
	alarmTracker := motion.NewTracker(trackerOpts...)

	alarmEngine := alarms.NewEngine(
		alarms.NewBucketStore(),
		alarmTracker,
		engine.NewPlatformSink(resolver, tbClient),
		logger,
		alarms.WithTolerance(cfg.FloorToleranceMM))

	core, err := engine.New(resolver, alarmEngine, calcTracker, alarmTracker, logger,
		engine.WithCounters(aggregator))
	if err != nil {
		logger.Fatal("engine error", zap.Error(err))
	}

	ingestHandler, err := thingsboard.NewIngestHandler(core, registry, logger)
	if err != nil {
		logger.Fatal("ingest handler error", zap.Error(err))
	}

	if cfg.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set, operator API auth disabled")
	}
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy(nil, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("/calculated-telemetry/", ingestHandler.HandleCalculatedTelemetry)
	mux.HandleFunc("/check_alarm/", ingestHandler.HandleCheckAlarm)
	mux.Handle("/my_devices/", apihttp.NewMyDevicesHandler(tbClient, registry, logger))
	mux.Handle("/api/v1/counters", apihttp.NewCountersHandler(aggregator, cfg.Timezone))
	mux.Handle("/api/v1/flush", apihttp.NewFlushHandler(flusher, cfg.Timezone, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", apihttp.HealthHandler{})

	sched := scheduler.New(flusher, logger,
		scheduler.WithAlarmInterval(cfg.AlarmInterval),
		scheduler.WithFlushInterval(cfg.FlushInterval),
		scheduler.WithFlushOnStart(cfg.FlushOnStart),
		scheduler.WithTimezone(cfg.Timezone))
	sched.Start()
	defer sched.Stop()

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: requestIDMiddleware(loggingMiddleware(authMiddleware.Wrap(mux), logger)),
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
}

type config struct {
	HTTPAddr            string
	JWTSecret           string
	Timezone            string
	LogLevel            string
	LogFormat           string
	LogFile             string
	PlatformTimeout     time.Duration
	FloorCacheTTL       time.Duration
	AlarmInterval       time.Duration
	FlushInterval       time.Duration
	FlushOnStart        bool
	MovementThresholdMM float64
	DeadbandMM          float64
	FloorToleranceMM    float64
	DoorLongOpen        time.Duration
}

func loadConfig() config {
	return config{
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8000"),
		JWTSecret:           getenvDefault("AUTH_JWT_SECRET", ""),
		Timezone:            getenvDefault("LC_TZ", "+05:30"),
		LogLevel:            getenvDefault("LOG_LEVEL", "info"),
		LogFormat:           getenvDefault("LOG_FORMAT", "json"),
		LogFile:             getenvDefault("LOG_FILE", ""),
		PlatformTimeout:     getenvDuration("TB_HTTP_TIMEOUT", 20*time.Second),
		FloorCacheTTL:       getenvDuration("FLOOR_CACHE_TTL", 5*time.Minute),
		AlarmInterval:       secondsEnv("TB_SCHEDULER_INTERVAL", 30*time.Second),
		FlushInterval:       secondsEnv("LC_TB_FLUSH_INTERVAL_SEC", 24*time.Hour),
		FlushOnStart:        getenvBool("LC_TB_FLUSH_ON_START", false),
		MovementThresholdMM: getenvFloatDefault("LC_MOVEMENT_THRESHOLD_MM", counters.DefaultMovementThresholdMM),
		DeadbandMM:          getenvFloatDefault("LC_MOVE_DEADBAND_MM", motion.DefaultDeadbandMM),
		FloorToleranceMM:    getenvFloatDefault("LC_FLOOR_TOLERANCE_MM", alarms.DefaultToleranceMM),
		DoorLongOpen:        secondsEnv("LC_DOOR_OPEN_ALARM_SEC", motion.DefaultLongOpen),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// secondsEnv reads a plain-number env var as seconds.
func secondsEnv(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		r.Header.Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.String("request_id", r.Header.Get("X-Request-Id")),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
