package commands

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/usewisp/wisp/pkg/config"
	"github.com/usewisp/wisp/pkg/engine"
	"github.com/usewisp/wisp/pkg/policy"
	"github.com/usewisp/wisp/pkg/providers/cloudflare"
	"github.com/usewisp/wisp/pkg/providers/github"
	"github.com/usewisp/wisp/pkg/providers/openai"
	"github.com/usewisp/wisp/pkg/providers/screenshot"
	"github.com/usewisp/wisp/pkg/providers/vercel"
	"github.com/usewisp/wisp/pkg/stores"
	"github.com/usewisp/wisp/pkg/telemetry"
)

// runtime holds what a command opened, so it can be closed in one place.
type runtime struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore

	redis  *redis.Client
	locker engine.Locker
	guard  *policy.Engine

	orchestrator *engine.Orchestrator
}

// runtimeOptions selects what openRuntime builds beyond config, telemetry
// and the store.
type runtimeOptions struct {
	// pipeline builds the providers and the orchestrator.
	pipeline bool

	// skipCodegen leaves the code generator out; feature commits and fixes
	// are then skipped.
	skipCodegen bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = version
	return cfg, nil
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return store, nil
}

func openRuntime(ctx context.Context, opts runtimeOptions) (rt *runtime, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	rt.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return rt, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return rt, err
	}
	if err := rt.store.Migrate(ctx); err != nil {
		return rt, fmt.Errorf("failed to run migrations: %w", err)
	}

	if !opts.pipeline {
		return rt, nil
	}
	return rt, rt.buildPipeline(ctx, opts)
}

func (rt *runtime) buildPipeline(ctx context.Context, opts runtimeOptions) error {
	cfg := rt.cfg
	zlog := rt.tel.Logger.Zerolog()

	if err := cfg.RequireProviders(opts.skipCodegen); err != nil {
		return fmt.Errorf("missing provider configuration: %w", err)
	}

	vcs, err := github.New(cfg.GitHub, zlog)
	if err != nil {
		return err
	}
	hosting, err := vercel.New(cfg.Vercel, zlog)
	if err != nil {
		return err
	}
	dns, err := cloudflare.New(cfg.Cloudflare, zlog)
	if err != nil {
		return err
	}

	rt.guard, err = policy.NewEngine(zlog)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := rt.guard.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	if cfg.Redis.URL != "" {
		rt.redis, err = stores.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.locker = stores.NewRedisLocker(rt.redis, cfg.Redis.Lease)
	} else {
		rt.locker = engine.NewLocalLocker()
	}

	deps := engine.Dependencies{
		Store:     rt.store,
		VCS:       vcs,
		Hosting:   hosting,
		DNS:       dns,
		Guard:     rt.guard,
		Locker:    rt.locker,
		Telemetry: rt.tel,
	}
	if !opts.skipCodegen {
		generator, err := openai.New(cfg.OpenAI, zlog)
		if err != nil {
			return err
		}
		deps.Generator = generator
	}
	if cfg.Screenshot.Enabled {
		shots, err := screenshot.New(ctx, cfg.Screenshot, zlog)
		if err != nil {
			return fmt.Errorf("failed to configure screenshots: %w", err)
		}
		deps.Screenshotter = shots
	}

	rt.orchestrator, err = engine.NewOrchestrator(deps, cfg.Pipeline)
	return err
}

// Close releases everything the runtime opened. Background pipelines must
// have ended before it is called.
func (rt *runtime) Close(ctx context.Context) {
	var errs *multierror.Error
	if rt.redis != nil {
		errs = multierror.Append(errs, rt.redis.Close())
	}
	if rt.store != nil {
		errs = multierror.Append(errs, rt.store.Close())
	}
	if rt.tel != nil {
		errs = multierror.Append(errs, rt.tel.Shutdown(ctx))
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
