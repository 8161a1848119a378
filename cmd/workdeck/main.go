// Workdeck entry point.
//
// Usage:
//
//	workdeck serve --config workdeck.yaml   # start the API server
//	workdeck run --goal "..."               # execute one workflow from the CLI
//	workdeck version                        # print version info
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/workdeck/api"
	"github.com/BaSui01/workdeck/config"
	"github.com/BaSui01/workdeck/internal/metrics"
	"github.com/BaSui01/workdeck/internal/store"
	"github.com/BaSui01/workdeck/llm"
	"github.com/BaSui01/workdeck/providers/openai"
	"github.com/BaSui01/workdeck/tools"
	"github.com/BaSui01/workdeck/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "run":
		if err := runOnce(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("workdeck", version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: workdeck <serve|run|version> [flags]")
}

// bootstrap loads config and builds the shared pieces: logger, provider,
// registry, metrics, and optional store.
func bootstrap(configPath string) (*config.Config, *zap.Logger, api.EngineFactory, *store.SQLiteStore, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	provider := openai.New(openai.Config{
		BaseURL:               cfg.LLM.BaseURL,
		APIKey:                cfg.LLM.APIKey,
		Model:                 cfg.LLM.Model,
		Timeout:               cfg.LLM.Timeout,
		NativeFunctionCalling: cfg.LLM.NativeFunctionCalling,
	}, logger)

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterFileTools(registry, tools.NewDirFileStore(".")); err != nil {
		return nil, nil, nil, nil, err
	}

	collector := metrics.NewCollector("workdeck", prometheus.DefaultRegisterer)

	var planCache *llm.CompletionCache
	if cfg.Cache.Enabled {
		cacheCfg := &llm.CacheConfig{
			LocalMaxSize: cfg.Cache.MaxEntries,
			LocalTTL:     cfg.Cache.TTL,
			RedisTTL:     cfg.Cache.TTL,
			EnableLocal:  true,
			EnableRedis:  cfg.Cache.RedisAddr != "",
		}
		var rdb *redis.Client
		if cfg.Cache.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
			})
		}
		planCache = llm.NewCompletionCache(rdb, cacheCfg, logger).WithMetrics(collector)
	}

	var runStore *store.SQLiteStore
	if cfg.Store.Enabled {
		runStore, err = store.NewSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	factory := func() *workflow.Engine {
		opts := []workflow.EngineOption{
			workflow.WithLogger(logger),
			workflow.WithMetrics(collector),
		}
		if runStore != nil {
			opts = append(opts, workflow.WithStore(runStore))
		}
		if planCache != nil {
			opts = append(opts, workflow.WithPlanCache(planCache))
		}
		return workflow.NewEngine(provider, registry, workflow.EngineConfig{
			Model:              cfg.LLM.Model,
			MaxSteps:           cfg.Workflow.MaxSteps,
			MaxConcurrentSteps: cfg.Workflow.MaxConcurrentSteps,
			StepTokenBudget:    cfg.Workflow.StepTokenBudget,
			Temperature:        cfg.Workflow.Temperature,
		}, opts...)
	}
	return cfg, logger, factory, runStore, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, factory, runStore, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if runStore != nil {
		defer runStore.Close()
	}

	var lister api.RunLister
	if runStore != nil {
		lister = storeLister{runStore}
	}
	server := api.NewServer(factory, lister, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// storeLister adapts the SQLite store to the API's listing interface.
type storeLister struct {
	store *store.SQLiteStore
}

func (l storeLister) ListRuns(ctx context.Context, limit int) ([]api.RunSummary, error) {
	runs, err := l.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]api.RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, api.RunSummary{
			ID:         r.ID,
			Status:     r.Status,
			Goal:       r.Goal,
			StartedAt:  r.StartedAt,
			DurationMs: r.DurationMs,
		})
	}
	return out, nil
}

func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	goal := fs.String("goal", "", "the request to execute")
	planning := fs.Bool("plan", true, "ask the model for a multi-step plan")
	reflection := fs.Bool("reflect", false, "run a self-assessment after each step")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall run timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *goal == "" {
		return fmt.Errorf("--goal is required")
	}

	cfg, logger, factory, runStore, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if runStore != nil {
		defer runStore.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := factory()
	events, err := engine.Run(ctx, workflow.Request{
		Message:          *goal,
		EnablePlanning:   *planning,
		EnableReflection: *reflection || cfg.Workflow.EnableReflection,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for ev := range events {
		if ev.Type == workflow.EventMessage && !ev.Done {
			fmt.Print(ev.Content)
			continue
		}
		if ev.Type == workflow.EventMessage && ev.Done {
			fmt.Println()
			continue
		}
		if ev.Type == workflow.EventStateSnapshot {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}

	state := engine.State()
	if state.Status != workflow.StatusDone {
		return fmt.Errorf("run ended with status %s: %s", state.Status, state.ErrorMessage)
	}
	return nil
}
