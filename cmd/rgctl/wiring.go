package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gearsrt/runtime/internal/async"
	"github.com/gearsrt/runtime/internal/config"
	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/policy"
	"github.com/gearsrt/runtime/internal/registry"
	"github.com/gearsrt/runtime/internal/sandbox"
)

// loadConfig layers a config file (if named) and environment variables over
// the defaults, then applies persistent-flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("redis") {
		cfg.Redis.Addr = redisAddr
	}
	if cmd.Flags().Changed("redis-pass") {
		cfg.Redis.Password = redisPass
	}
	if cmd.Flags().Changed("redis-db") {
		cfg.Redis.DB = redisDB
	}
	return cfg, nil
}

// runtimeDeps is the full set of live components one rgctl invocation needs.
// A one-off CLI command builds this, acts, and tears it down; serve keeps it
// running for the process lifetime.
type runtimeDeps struct {
	client   *redis.Client
	persist  *registry.PostgresPersistence
	sandbox  *sandbox.Manager
	registry *registry.Registry
	policy   *policy.Enforcer
	async    *async.Executor
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeDeps, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	persist, err := registry.NewPostgresPersistence(ctx, cfg.Postgres.DSN)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		persist.Close()
		client.Close()
		return nil, err
	}

	sb := sandbox.NewManager(sandbox.Config{
		WorkerBinaryPath: map[domain.Engine]string{
			domain.EngineJS: cfg.Sandbox.JSWorkerBin,
		},
		PortRangeMin:  cfg.Sandbox.PortRangeMin,
		PortRangeMax:  cfg.Sandbox.PortRangeMax,
		BootTimeout:   cfg.Sandbox.BootTimeout,
		InvokeTimeout: cfg.Sandbox.InvokeTimeout,
	})

	reg := registry.New(sb, persist, archiver)
	enforcer := policy.New()
	enforcer.SetRole(domain.RolePrimary)

	exec := async.New(async.Config{
		Workers:          cfg.Async.Workers,
		BlockAcquireWait: cfg.Async.BlockAcquireWait,
	}, enforcer)

	return &runtimeDeps{
		client:   client,
		persist:  persist,
		sandbox:  sb,
		registry: reg,
		policy:   enforcer,
		async:    exec,
	}, nil
}

func (d *runtimeDeps) Close(ctx context.Context) {
	d.async.Shutdown(ctx)
	d.sandbox.Shutdown()
	d.persist.Close()
	d.client.Close()
}
