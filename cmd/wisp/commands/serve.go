package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/usewisp/wisp/pkg/api"
	"github.com/usewisp/wisp/pkg/engine"
	"github.com/usewisp/wisp/pkg/policy"
)

func newServeCommand() *cobra.Command {
	var (
		addr        string
		skipCodegen bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the project API, run accepted pipelines in the background and
periodically fail pipelines that stopped making progress.

Routes:
  POST   /projects
  GET    /projects/:id
  DELETE /projects/:id?userId=
  GET    /users/:userId/projects
  DELETE /users/:userId
  GET    /healthz
  GET    /metrics

On SIGINT or SIGTERM the server stops accepting requests and running
pipelines get server.shutdown_timeout to finish.`,
		Example: `  wisp serve --config /etc/wisp/wisp.yaml
  wisp serve --addr :9000 --skip-codegen`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, runtimeOptions{pipeline: true, skipCodegen: skipCodegen})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			cfg := rt.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Telemetry.Environment == "production" {
				gin.SetMode(gin.ReleaseMode)
			}

			if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				loader := policy.NewLoader(rt.tel.Logger.Zerolog())
				if err := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
					return rt.guard.ReplacePolicies(ctx, policies)
				}); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
				defer func() { _ = loader.StopWatching() }()
			}

			var scheduler *cron.Cron
			if cfg.Reaper.Enabled {
				scheduler, err = startReaper(ctx, rt)
				if err != nil {
					return err
				}
			}

			server := api.NewServer(rt.orchestrator, api.Options{
				Metrics: rt.tel.Metrics.Handler(),
				Health:  rt.store.HealthCheck,
				Logger:  rt.tel.Logger,
				Service: cfg.Telemetry.ServiceName,
				Version: version,
			})
			httpServer := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      server.Handler(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP API listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()

			log.Info().Msg("Shutting down")
			if scheduler != nil {
				<-scheduler.Stop().Done()
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
			}
			if err := rt.orchestrator.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Strs("active", rt.orchestrator.Active()).Msg("Pipelines still running at shutdown")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&skipCodegen, "skip-codegen", false, "run without a code generator")

	return cmd
}

// startReaper schedules the stale pipeline sweep. Overlapping runs are
// skipped.
func startReaper(ctx context.Context, rt *runtime) (*cron.Cron, error) {
	cfg := rt.cfg
	zlog := rt.tel.Logger.Zerolog()
	reaper := engine.NewReaper(rt.store, rt.locker, cfg.Reaper.Threshold, cfg.Pipeline.LeaseKeyPrefix, zlog)

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	_, err := scheduler.AddFunc(cfg.Reaper.Schedule, func() {
		reaped, err := reaper.Sweep(ctx)
		if err != nil {
			zlog.Error().Err(err).Int("reaped", reaped).Msg("Stale pipeline sweep failed")
			return
		}
		if reaped > 0 {
			zlog.Info().Int("reaped", reaped).Msg("Marked abandoned pipelines as failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.Reaper.Schedule, err)
	}

	scheduler.Start()
	log.Info().
		Str("schedule", cfg.Reaper.Schedule).
		Dur("threshold", cfg.Reaper.Threshold).
		Msg("Stale pipeline reaper scheduled")
	return scheduler, nil
}
