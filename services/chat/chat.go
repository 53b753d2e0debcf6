// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat provides the conversational turn service for CovelineChat.
//
// This package contains the main Service type that coordinates all
// components of the turn pipeline: HTTP routing, the safety gate, history
// assembly, retrieval grounding, the fallback generation chain, persistence
// with payload chunking, cold archival, and observability infrastructure.
//
// # Enterprise Integration
//
// The service supports dependency injection via extensions.ServiceOptions,
// enabling enterprise deployments to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuditLogger: Compliance audit logging
//   - MessageFilter: PII detection and redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := chat.Config{Port: 12310}
//	svc, err := chat.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Enterprise (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider: enterpriseAuth,
//	    AuditLogger:  enterpriseAudit,
//	}
//	svc, err := chat.New(cfg, opts)
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/CovelineAI/CovelineChat/pkg/extensions"
	"github.com/CovelineAI/CovelineChat/services/chat/archive"
	"github.com/CovelineAI/CovelineChat/services/chat/attribution"
	"github.com/CovelineAI/CovelineChat/services/chat/audit"
	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/history"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
	"github.com/CovelineAI/CovelineChat/services/chat/retrieval"
	"github.com/CovelineAI/CovelineChat/services/chat/routes"
	"github.com/CovelineAI/CovelineChat/services/chat/safety"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
	"github.com/CovelineAI/CovelineChat/services/chat/toggles"
	"github.com/CovelineAI/CovelineChat/services/chat/turn"
	"github.com/CovelineAI/CovelineChat/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the chat service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and alternative
// implementations. Run() blocks and should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and background workers, blocking until
	// shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds chat service configuration options.
//
// All fields are optional; New() applies defaults for zero values. Values
// can be populated from environment variables, config files, or
// programmatically for testing.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// WeaviateURL is the document store URL. If empty, the service runs
	// in lightweight mode on an in-memory store.
	// Example: "http://localhost:8080"
	WeaviateURL string

	// SearchURL is the retrieval service base URL. If empty, turns that
	// request retrieval hard-fail.
	// Example: "http://coveline-search:12320"
	SearchURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "coveline-otel-collector:4317"
	OTelEndpoint string

	// BlocklistPath is the path to the YAML safety blocklist. If empty,
	// only the moderation backend gates messages.
	BlocklistPath string

	// ModerationModel overrides the OpenAI moderation model.
	ModerationModel string

	// WindowSize is the recent-history window. Rounded up to even.
	// Default: 20
	WindowSize int

	// DisableSummarization turns off overflow synopsis and search-query
	// rewriting, leaving plain windowed history.
	DisableSummarization bool

	// ArchivePath is the BadgerDB directory for the cold conversation
	// archive. Default: "./data/archive"
	ArchivePath string

	// GCSBucket selects Google Cloud Storage as the cold archive backend
	// instead of the local BadgerDB store.
	GCSBucket string

	// GCSKeyPath is an optional service account key file for GCSBucket.
	GCSKeyPath string

	// MultiAgent enables the orchestrator generation strategy and
	// registers the orchestrator persona.
	MultiAgent bool

	// ToggleSweepInterval is how often expired feature toggles are swept.
	// Default: 5 minutes
	ToggleSweepInterval time.Duration

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: uses GIN_MODE env var or "debug"
	GinMode string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// Thread-safe after construction; all fields are read-only once New()
// returns. Background workers (blocklist watcher, toggle sweeper) are
// started by Run() and stopped through its context.
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	store         storage.Store
	chunked       *storage.ChunkedObjectStore
	llmClient     llm.LLMClient
	registry      *llm.AgentRegistry
	blocklist     *safety.Blocklist
	archiver      *archive.Archiver
	coldStore     archive.ColdStore
	toggleSweeper *toggles.Sweeper
	auditor       audit.TurnAuditor
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a chat Service with the given configuration.
//
// # Description
//
// New initializes all pipeline components in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Connects the document store (Weaviate, or in-memory fallback)
//  4. Creates the LLM client and agent registry
//  5. Builds the safety gate (moderation backend plus YAML blocklist)
//  6. Wires history assembly, retrieval, archival, toggles and audit
//  7. Sets up HTTP routes with extension options
//
// If opts is nil, DefaultOptions() is used (no-op implementations).
//
// # Outputs
//
//   - Service: Ready-to-run chat service
//   - error: Non-nil if a required component fails to initialize
//
// # Assumptions
//
//   - Environment variables are set for the LLM provider (API key)
//   - Network is available for external service connections
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}
	// Partially-populated options get no-op defaults for the missing seams.
	if s.opts.AuthProvider == nil {
		s.opts.AuthProvider = extensions.NopAuthProvider{}
	}
	if s.opts.AuditLogger == nil {
		s.opts.AuditLogger = extensions.NopAuditLogger{}
	}
	if s.opts.Filter == nil {
		s.opts.Filter = extensions.NopMessageFilter{}
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	observability.InitMetrics()

	if err := s.initStore(); err != nil {
		slog.Warn("Document store initialization failed, running on the in-memory store",
			"error", err)
		s.store = storage.NewMemoryStore()
	}
	s.chunked = storage.NewChunkedObjectStore(s.store, 0)

	if err := s.initLLM(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	gate, err := s.initSafety()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize safety gate: %w", err)
	}

	if err := s.initArchive(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize cold archive: %w", err)
	}

	toggleService := toggles.NewService(s.store)
	s.toggleSweeper = toggles.NewSweeper(toggleService, s.config.ToggleSweepInterval)

	// Turn audit fans out to the time series backend and the enterprise
	// compliance seam.
	s.auditor = audit.MultiAuditor{
		audit.NewInfluxAuditorFromEnv(),
		audit.NewExtensionAuditor(s.opts.AuditLogger),
	}

	assembler := history.NewAssembler(s.llmClient, history.Config{
		WindowSize:        s.config.WindowSize,
		SummarizeOverflow: !s.config.DisableSummarization,
		SummarizeSearch:   !s.config.DisableSummarization,
	})

	var augmentor *retrieval.Augmentor
	if s.config.SearchURL != "" {
		augmentor = retrieval.NewAugmentor(retrieval.NewHTTPSearcher(s.config.SearchURL, nil))
	} else {
		slog.Info("Search URL not configured, retrieval-grounded turns will fail")
	}

	controller := turn.NewController(turn.Config{
		Store:     s.store,
		Chunked:   s.chunked,
		Gate:      gate,
		Augmentor: augmentor,
		Assembler: assembler,
		Attrib:    attribution.NewAttributor(),
		Registry:  s.registry,
		Client:    s.llmClient,
		ToolLog:   llm.NewToolInvocationLog(),
		Auditor:   s.auditor,
		Filter:    s.opts.Filter,
	})

	s.initRouter(controller, toggleService)

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and background workers.
//
// Blocks until the server stops or a background worker fails. Cleanup is
// automatic on return.
func (s *service) Run() error {
	defer s.cleanup()

	g, ctx := errgroup.WithContext(context.Background())

	if err := s.toggleSweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start toggle sweeper: %w", err)
	}

	if s.blocklist != nil && s.config.BlocklistPath != "" {
		g.Go(func() error {
			if err := s.blocklist.Watch(ctx); err != nil {
				slog.Warn("Blocklist watcher stopped", "error", err)
			}
			// A dead watcher is not fatal; the loaded generation keeps
			// serving.
			return nil
		})
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", s.config.Port)
		slog.Info("Starting chat server", "port", s.config.Port)
		return s.router.Run(addr)
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "coveline-otel-collector:4317"
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = history.DefaultWindowSize
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./data/archive"
	}
	if cfg.ToggleSweepInterval == 0 {
		cfg.ToggleSweepInterval = toggles.DefaultSweepInterval
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// Uses an insecure gRPC connection, appropriate for internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chat-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore connects the Weaviate document store.
//
// An empty or malformed URL is not fatal: the caller falls back to the
// in-memory store for lightweight mode.
func (s *service) initStore() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, running in lightweight mode")
		s.store = storage.NewMemoryStore()
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	datatypes.EnsureWeaviateSchema(client)
	s.store = storage.NewWeaviateStore(client)
	slog.Info("Weaviate document store initialized", "url", weaviateURL)

	return nil
}

// initLLM creates the LLM client and the agent registry.
func (s *service) initLLM() error {
	client, err := llm.NewOpenAIClient()
	if err != nil {
		return err
	}
	s.llmClient = client

	s.registry = llm.NewAgentRegistry()
	persona := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")
	if persona == "" {
		persona = "You are a helpful assistant."
	}
	if err := s.registry.Register(llm.NewPersonaAgent("assistant", persona, true, client)); err != nil {
		return err
	}
	if s.config.MultiAgent {
		orchPersona := "You coordinate specialist agents and synthesize their findings into one answer."
		if err := s.registry.Register(llm.NewPersonaAgent(llm.OrchestratorAgentName, orchPersona, false, client)); err != nil {
			return err
		}
		slog.Info("Multi-agent orchestration enabled")
	}

	return nil
}

// initSafety builds the safety gate from the moderation backend and the
// optional YAML blocklist.
func (s *service) initSafety() (*safety.Gate, error) {
	var moderator safety.ModerationClient
	if oc, ok := s.llmClient.(*llm.OpenAIClient); ok {
		moderator = safety.NewOpenAIModerator(oc.API(), s.config.ModerationModel)
	} else {
		slog.Warn("LLM backend has no moderation API, safety relies on the blocklist only")
	}

	blocklist, err := safety.NewBlocklist(s.config.BlocklistPath)
	if err != nil {
		return nil, err
	}
	s.blocklist = blocklist

	return safety.NewGate(moderator, blocklist), nil
}

// initArchive selects the cold archive backend: GCS when a bucket is
// configured, local BadgerDB otherwise.
func (s *service) initArchive() error {
	var (
		cold archive.ColdStore
		err  error
	)
	if s.config.GCSBucket != "" {
		cold, err = archive.NewGCSColdStore(context.Background(), s.config.GCSBucket, s.config.GCSKeyPath)
		if err != nil {
			return err
		}
		slog.Info("Cold archive backed by GCS", "bucket", s.config.GCSBucket)
	} else {
		cold, err = archive.NewBadgerColdStore(archive.DefaultBadgerConfig(s.config.ArchivePath))
		if err != nil {
			return err
		}
		slog.Info("Cold archive backed by BadgerDB", "path", s.config.ArchivePath)
	}

	s.coldStore = cold
	s.archiver = archive.NewArchiver(s.store, cold)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(controller *turn.Controller, toggleService *toggles.Service) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("chat-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Controller: controller,
		Store:      s.store,
		Chunked:    s.chunked,
		Archiver:   s.archiver,
		Toggles:    toggleService,
		Auth:       s.opts.AuthProvider,
	})
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.toggleSweeper != nil {
		s.toggleSweeper.Stop()
	}

	if s.auditor != nil {
		s.auditor.Close()
	}

	if s.coldStore != nil {
		if err := s.coldStore.Close(); err != nil {
			slog.Warn("Cold archive close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
