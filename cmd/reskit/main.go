package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"reskit/internal/adapter/gateway"
	"reskit/internal/adapter/llm"
	"reskit/internal/infra/config"
	"reskit/internal/infra/logger"
	"reskit/internal/infra/middleware"
	"reskit/internal/infra/tracer"
	"reskit/internal/usecase"
	"reskit/internal/usecase/eventbus"
)

var version = "dev"

func main() {
	cmd := ""
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}
	for _, a := range os.Args[1:] {
		if a == "--help" || a == "-h" {
			cmd = "help"
		}
	}

	var err error
	switch cmd {
	case "", "serve":
		err = runServe()
	case "mcp":
		err = runMCP()
	case "help":
		showUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'reskit --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`reskit - research assistant chat service

USAGE:
    reskit [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the REST and websocket gateway (default)
    mcp         Serve the research tools over MCP on stdin/stdout

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml, or RESKIT_CONFIG
    Environment: RESKIT_* variables override config
    Quick start: RESKIT_LLM_API_KEY=sk-... RESKIT_GATEWAY_TOKENS=secret=user-1 reskit`)
}

// configPath resolves --config, then RESKIT_CONFIG, then ./config.yaml.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(args[i], "--config="):
			return strings.TrimPrefix(args[i], "--config=")
		}
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runServe() error {
	cfg, err := config.Load(configPath(os.Args[1:]))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := initStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	gateways, defaultGW, err := initLLM(cfg, log)
	if err != nil {
		return err
	}

	bus := eventbus.New(log, cfg.Agent.EventQueueSize)
	defer bus.Close()

	papers := initPapers(cfg.Arxiv, log)
	tools, err := initTools(cfg, gateways, papers, store, bus, log)
	if err != nil {
		return err
	}

	coord, err := initCluster(cfg.Cluster, log)
	if err != nil {
		return err
	}
	var locker *usecase.ChatLocker
	if coord != nil {
		defer coord.Stop()
		locker = usecase.NewChatLocker(coord)
		defer coord.Relay(bus)()
	} else {
		locker = usecase.NewChatLocker(nil)
	}

	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Gateway:  defaultGW,
		Tools:    tools,
		Messages: store,
		Chats:    store,
		ContextBuilder: usecase.NewContextBuilder(usecase.ContextBuilderConfig{
			SystemPrompt: cfg.Agent.SystemPrompt,
			Model:        cfg.Agent.Model,
			MaxTokens:    cfg.Agent.MaxTokens,
		}, store, log),
		Logger:         log,
		Bus:            bus,
		Locker:         locker,
		MaxIterations:  cfg.Agent.MaxIterations,
		GatewayTimeout: cfg.Agent.GatewayTimeout,
		ToolTimeout:    cfg.Agent.ToolTimeout,
	})
	dispatcher := usecase.NewDispatcher(orch, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			log.Warn("turns still running at shutdown", "error", err)
		}
	}()

	chat := usecase.NewChatService(usecase.ChatServiceDeps{
		Store:  store,
		Papers: papers,
		Turns:  dispatcher,
		Bus:    bus,
		Logger: log,
	})

	if cfg.Scheduler.Enabled {
		sched, err := initScheduler(cfg.Scheduler, store, dispatcher, log)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	if !cfg.Gateway.Enabled {
		log.Info("gateway disabled, waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	srv := initGateway(ctx, cfg, chat, bus, log)
	if coord != nil {
		if err := coord.SubscribeEvents(ctx, srv.Deliver); err != nil {
			return err
		}
	}

	log.Info("reskit started",
		"version", version,
		"store", cfg.Store.Driver,
		"model", cfg.Agent.Model,
		"cluster", coord != nil,
	)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutting down")
	return nil
}

// initGateway builds the HTTP and websocket server with its middleware chain.
func initGateway(ctx context.Context, cfg *config.Config, chat *usecase.ChatService, bus *eventbus.Bus, log *slog.Logger) *gateway.Server {
	auth := gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens)
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		log.Warn("gateway has no auth tokens configured; every request will be rejected")
	}

	metrics := gateway.NewMetrics()
	unobserve := metrics.Observe(bus)
	go func() {
		<-ctx.Done()
		unobserve()
	}()

	srv := gateway.NewServer(bus, auth, chat, cfg.Gateway.Addr, log,
		gateway.WithAllowedOrigins(cfg.Gateway.AllowedOrigins),
		gateway.WithMetrics(metrics),
		gateway.WithMiddleware(
			middleware.SecurityHeaders,
			middleware.CORS(cfg.Gateway.AllowedOrigins),
			middleware.RateLimit(ctx, middleware.RateLimitConfig{
				RequestsPerSecond: cfg.Gateway.RateLimit.RequestsPerSecond,
				Burst:             cfg.Gateway.RateLimit.Burst,
				Key:               gateway.RateLimitKey(auth, nil),
			}),
		),
	)
	gateway.RegisterAPI(srv, gateway.APIDeps{
		Chat:           chat,
		Auth:           auth,
		Metrics:        metrics,
		MaxUploadBytes: cfg.Gateway.MaxUploadBytes,
		Logger:         log,
	})
	return srv
}

// registryNames lists the gateways registered in r, for error messages.
func registryNames(r *llm.Registry) string {
	return strings.Join(r.List(), ", ")
}
