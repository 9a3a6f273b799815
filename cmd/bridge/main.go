// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command bridge starts the RAG bridge HTTP server.
//
// The bridge sits between an LLM frontend and a home-automation
// controller: it analyzes the conversation, retrieves the relevant
// entities from Weaviate, and renders the context block the LLM answers
// from.
//
// # Environment Variables
//
//   - BRIDGE_PORT: HTTP server port (default: 8087)
//   - WEAVIATE_SERVICE_URL: Weaviate URL (e.g. http://weaviate:8080)
//   - EMBEDDING_BACKEND: local, openai, gemini (default: local)
//   - EMBED_DIM: expected vector dimensionality (default: 384)
//   - HOMEASSISTANT_URL, HOMEASSISTANT_TOKEN: live-state service
//   - INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, INFLUX_BUCKET: optional
//     time-series last-value lookup
//   - CROSS_ENCODER_URL: reranker sidecar (default: http://localhost:8002)
//   - LLM_GATEWAY_URL, OPENAI_API_KEY: optional gateway for the query
//     rewriter and the background enricher
//   - MEMORY_DIR: BadgerDB directory for conversation memory
//   - HUNGARIAN_PATTERN_FILE: optional pattern overrides, hot-reloaded
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default:
//     localhost:4317)
//
// # Usage
//
//	go build -o bridge ./cmd/bridge
//	./bridge
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/otthonlab/ragbridge/conversation"
	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/embedding"
	"github.com/otthonlab/ragbridge/formatter"
	"github.com/otthonlab/ragbridge/hungarian"
	"github.com/otthonlab/ragbridge/llmgw"
	"github.com/otthonlab/ragbridge/memory"
	"github.com/otthonlab/ragbridge/pipeline"
	"github.com/otthonlab/ragbridge/pkg/logging"
	"github.com/otthonlab/ragbridge/rerank"
	"github.com/otthonlab/ragbridge/retrieval"
	"github.com/otthonlab/ragbridge/routes"
	"github.com/otthonlab/ragbridge/statestore"
)

func main() {
	logger := logging.New(logging.Config{
		Service: "bridge",
		JSON:    true,
		Level:   logging.ParseLevel(getEnvString("LOG_LEVEL", "info")),
	})
	defer logger.Close()
	logger.SetDefault()

	if err := run(); err != nil {
		slog.Error("Bridge terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerCleanup, err := initTracer(ctx)
	if err != nil {
		// Tracing is best-effort; the bridge must come up without a collector.
		slog.Warn("Tracer initialization failed, continuing without export", "error", err)
		tracerCleanup = func(context.Context) {}
	}
	defer tracerCleanup(context.Background())

	weaviateClient, err := initWeaviate(ctx)
	if err != nil {
		return fmt.Errorf("weaviate init: %w", err)
	}
	entityStore := retrieval.NewWeaviateStore(weaviateClient)

	embedder, err := embedding.NewProvider(embedding.DefaultConfig())
	if err != nil {
		return fmt.Errorf("embedding init: %w", err)
	}
	wantDim := embedding.DefaultConfig().Dim
	if err := embedding.CheckDim(ctx, embedder, wantDim); err != nil {
		// Fatal for /health, not for startup: requests may proceed while
		// the operator fixes the configuration.
		slog.Error("Embedding dimension check failed", "error", err)
	}

	memStore, err := memory.NewStore(memory.DefaultConfig())
	if err != nil {
		return fmt.Errorf("memory store init: %w", err)
	}
	defer memStore.Close()

	cleanup := memory.NewCleanupScheduler(memStore,
		time.Duration(getEnvInt("MEMORY_CLEANUP_INTERVAL_SECONDS", 600))*time.Second)
	cleanup.Start()
	defer cleanup.Stop()

	llmClient := initLLM()

	enricher := memory.NewEnricher(llmClient, memStore, memory.DefaultEnricherConfig())
	enricher.Start()
	defer enricher.Stop()

	tables := hungarian.NewTables(hungarian.DefaultConfig(), entityStore)
	if path := os.Getenv("HUNGARIAN_PATTERN_FILE"); path != "" {
		if err := tables.LoadPatternFile(path); err != nil {
			slog.Warn("Pattern file load failed, using built-in tables", "path", path, "error", err)
		} else if err := tables.WatchPatternFile(path, ctx.Done()); err != nil {
			slog.Warn("Pattern file watch failed", "path", path, "error", err)
		}
	}

	analyzer := conversation.NewAnalyzer(tables, conversation.DefaultAnalyzerConfig())

	liveClient := statestore.NewLiveClient(
		getEnvString("HOMEASSISTANT_URL", "http://localhost:8123"),
		os.Getenv("HOMEASSISTANT_TOKEN"),
		time.Duration(getEnvInt("HTTP_TIMEOUT_SHORT_MS", 2000))*time.Millisecond)
	states := statestore.NewStore(statestore.DefaultConfig(), initTimeseries(), liveClient)

	areas, err := entityStore.Areas(ctx)
	if err != nil {
		slog.Warn("Area preload failed, formatting without alias display", "error", err)
	}
	areaIndex := make(map[string]datatypes.Area, len(areas))
	for _, a := range areas {
		areaIndex[a.Name] = a
	}

	pipe := pipeline.New(pipeline.Deps{
		Quick:    conversation.NewQuickPatternAnalyzer(tables),
		Analyzer: analyzer,
		Rewriter: conversation.NewRewriter(llmClient, tables, conversation.DefaultRewriterConfig()),
		Scope:    conversation.NewScopeDetector(tables, conversation.DefaultScopeConfig()),
		Retriever: retrieval.NewHybridRetriever(embedder, entityStore,
			retrieval.NewClusterIndex(entityStore, retrieval.DefaultConfig()),
			retrieval.DefaultConfig()),
		Booster:   memory.NewBooster(memStore),
		Memory:    memStore,
		Reranker:  rerank.NewReranker(rerank.NewScorer(rerank.NewHTTPCrossEncoder(), rerank.DefaultScorerConfig()), analyzer, states),
		Formatter: formatter.New(states, entityStore, areaIndex),
		Enricher:  enricher,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.Setup(router, routes.Deps{
		Pipeline: pipe,
		Caller:   liveClient,
		Sessions: memStore,
		Health: func(ctx context.Context) error {
			return embedding.CheckDim(ctx, embedder, wantDim)
		},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", getEnvInt("BRIDGE_PORT", 8087)),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Bridge listening", "addr", server.Addr, "embedding", embedder.Name())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// initTracer sets up OTLP gRPC trace export.
func initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("ragbridge")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down OTLP exporter", "error", err)
		}
	}, nil
}

// initWeaviate connects to the vector store and ensures the schema exists.
func initWeaviate(ctx context.Context) (*weaviate.Client, error) {
	raw := strings.Trim(getEnvString("WEAVIATE_SERVICE_URL", "http://localhost:8080"), "\"' ")
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", raw)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	if err := datatypes.EnsureWeaviateSchema(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to ensure Weaviate schema: %w", err)
	}
	slog.Info("Weaviate client initialized", "url", raw)
	return client, nil
}

// initTimeseries builds the optional InfluxDB last-value reader.
func initTimeseries() statestore.Reader {
	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		return nil
	}
	client := influxdb2.NewClient(influxURL, os.Getenv("INFLUX_TOKEN"))
	queryAPI := client.QueryAPI(getEnvString("INFLUX_ORG", "otthon"))
	slog.Info("Time-series reader enabled", "url", influxURL)
	return statestore.NewTimeSeriesReader(queryAPI,
		getEnvString("INFLUX_BUCKET", "homeassistant"), 5*time.Minute)
}

// initLLM builds the optional gateway client for the rewriter and the
// enricher; nil switches both to their rule-based paths.
func initLLM() llmgw.Client {
	if os.Getenv("LLM_GATEWAY_URL") == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Info("No LLM gateway configured, rewriter and enricher use rule paths")
		return nil
	}
	client, err := llmgw.NewOpenAIClient(llmgw.DefaultConfig())
	if err != nil {
		slog.Warn("LLM gateway init failed, using rule paths", "error", err)
		return nil
	}
	return client
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
