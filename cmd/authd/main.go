// Command authd exposes the castellan engine over HTTP: login and factor
// confirmation, session logout and introspection, lockout administration,
// and a Prometheus metrics page.
//
// Configuration comes from the environment (a .env file is loaded when
// present): REDIS_ADDR, MONGO_URI, MONGO_DB, SMTP_HOST/SMTP_PORT/
// SMTP_USERNAME/SMTP_PASSWORD/SMTP_FROM, LISTEN_ADDR, LOG_LEVEL, LOG_DEV.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	castellan "github.com/castellan-auth/castellan"
	promexport "github.com/castellan-auth/castellan/metrics/export/prometheus"
	"github.com/castellan-auth/castellan/middleware"
	"github.com/castellan-auth/castellan/notify"
	mongoprovider "github.com/castellan-auth/castellan/provider/mongo"
)

func main() {
	// Best-effort: when no .env exists, real environment variables apply.
	_ = godotenv.Load()

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: envOr("REDIS_ADDR", "localhost:6379"),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		sugar.Fatalf("redis connect: %v", err)
	}
	defer redisClient.Close()

	mongoClient, err := mongoprovider.Connect(ctx, envOr("MONGO_URI", "mongodb://localhost:27017"))
	if err != nil {
		sugar.Fatalf("mongo connect: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			sugar.Warnf("mongo disconnect: %v", err)
		}
	}()
	users := mongoprovider.Users(mongoClient, envOr("MONGO_DB", "castellan"))

	var notifier castellan.Notifier
	if host := os.Getenv("SMTP_HOST"); host != "" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:        host,
			Port:        envOr("SMTP_PORT", "587"),
			Username:    os.Getenv("SMTP_USERNAME"),
			Password:    os.Getenv("SMTP_PASSWORD"),
			FromAddress: envOr("SMTP_FROM", "noreply@localhost"),
		})
	} else {
		sugar.Warn("SMTP not configured; one-time code delivery disabled")
		notifier = notify.NopNotifier{}
	}

	engine, err := castellan.New().
		WithRedis(redisClient).
		WithUserProvider(mongoprovider.NewProvider(users)).
		WithNotifier(notifier).
		WithAuditSink(castellan.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		sugar.Fatalf("engine build: %v", err)
	}
	defer engine.Close()

	api := &apiServer{engine: engine, log: sugar}

	router := mux.NewRouter()
	router.Use(sourceAddressMiddleware)
	router.HandleFunc("/api/login", api.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/login/confirm-code", api.handleConfirmCode).Methods(http.MethodPost)
	router.HandleFunc("/api/login/confirm-totp", api.handleConfirmTOTP).Methods(http.MethodPost)
	router.HandleFunc("/api/login/confirm-recovery", api.handleConfirmRecovery).Methods(http.MethodPost)
	router.HandleFunc("/api/logout", api.handleLogout).Methods(http.MethodPost)
	router.Handle("/api/session",
		middleware.RequireSession(engine)(http.HandlerFunc(api.handleWhoAmI))).Methods(http.MethodGet)
	router.Handle("/metrics", promexport.NewExporter(engine).Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              envOr("LISTEN_ADDR", "0.0.0.0:8420"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infof("authd listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func newLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	if os.Getenv("LOG_DEV") == "1" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		return cfg.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
