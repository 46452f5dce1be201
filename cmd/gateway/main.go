// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/streamgate/streamgate/pkg/logging"
	"github.com/streamgate/streamgate/services/gateway/config"
	"github.com/streamgate/streamgate/services/gateway/handlers"
	"github.com/streamgate/streamgate/services/gateway/observability"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/routes"
	"github.com/streamgate/streamgate/services/gateway/store"
	"github.com/streamgate/streamgate/services/gateway/tracking"
	"github.com/streamgate/streamgate/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gateway-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	appLogger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("GATEWAY_LOG_DIR"),
		Service: "gateway",
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// Shared store: Redis when configured, otherwise a process-local
	// store. Lightweight mode still enforces every ceiling, just not
	// across instances.
	var counterStore store.CounterStore
	if cfg.RedisAddr != "" {
		slog.Info("Using Redis shared store", "addr", cfg.RedisAddr)
		counterStore = store.NewRedisStoreFromAddr(cfg.RedisAddr)
	} else {
		slog.Warn("REDIS_ADDR not set. Running in lightweight single-instance mode.")
		counterStore = store.NewMemoryStore()
	}

	pool := resilience.NewPool(counterStore, resilience.PoolConfig{
		MaxGlobal:         cfg.MaxGlobalConnections,
		MaxPerUser:        cfg.MaxConnectionsPerUser,
		DegradedThreshold: cfg.PoolDegradedThreshold,
		CriticalThreshold: cfg.PoolCriticalThreshold,
	}, logger, metrics)

	registry := resilience.NewBreakerRegistry(counterStore, resilience.BreakerConfig{
		FailureThreshold: cfg.CBFailureThreshold,
		SuccessThreshold: cfg.CBSuccessThreshold,
		RecoveryTimeout:  cfg.CBRecoveryTimeout,
		CallTimeout:      cfg.CBTimeout,
	}, logger, metrics)

	limiter := resilience.NewRateLimiter(counterStore, resilience.RateLimiterConfig{
		Default:      cfg.RateLimitDefault,
		Premium:      cfg.RateLimitPremium,
		Burst:        cfg.RateLimitBurst,
		SyncInterval: cfg.LocalCacheSyncInterval,
	}, logger, metrics)
	limiter.Start()
	defer limiter.Close()

	tracker := tracking.NewTracker(tracking.Config{
		SamplingRate:       cfg.ExecutionSamplingRate,
		MaxRetainedSamples: cfg.MaxRetainedSamplesPerStage,
	}, logger, metrics)

	defaultClient, err := llm.NewClient(cfg.DefaultProvider)
	if err != nil {
		log.Fatalf("failed to initialize the default LLM provider: %v", err)
	}
	providers := handlers.NewProviderSet(defaultClient)
	for _, name := range []string{"openai", "anthropic", "ollama"} {
		if name == defaultClient.ProviderKey() {
			continue
		}
		client, err := llm.NewClient(name)
		if err != nil {
			slog.Warn("Skipping unavailable LLM provider", "provider", name, "error", err)
			continue
		}
		providers.Register(client)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("gateway-service"))
	routes.SetupRoutes(router, pool, registry, limiter, tracker, providers)

	slog.Info("Starting gateway", "port", cfg.Port, "default_provider", defaultClient.ProviderKey())
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
