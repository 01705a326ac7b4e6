package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"P2PLend-Chain/internal/api"
	"P2PLend-Chain/internal/auth"
	"P2PLend-Chain/internal/config"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
	"P2PLend-Chain/internal/observability/alerting"
	"P2PLend-Chain/internal/observability/metrics"
	"P2PLend-Chain/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var (
		addr    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job processor and HTTP API",
		Long: `Run the job processor together with the HTTP API (/api/v1/jobs, /healthz,
/metrics). Jobs are executed one flow at a time per signer; failed jobs are
retried only when no transaction was submitted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			cfg := a.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Address = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.TaskQueue.Workers = workers
			}
			ctx := cmd.Context()

			guard, err := authService(cfg.Server.Auth)
			if err != nil {
				return err
			}
			a.metrics = metrics.New()
			orch, client, err := a.orchestrator(ctx, "", modeService)
			if err != nil {
				return err
			}

			store, err := openJobStore(ctx, cfg.Storage.JobStore)
			if err != nil {
				return err
			}
			queue, err := openJobQueue(ctx, cfg.TaskQueue)
			if err != nil {
				_ = store.Close()
				return err
			}
			svc := job.NewService(store, queue, cfg.TaskQueue.MaxRetries)
			defer svc.Close()

			dispatcher := alerting.NewDispatcher(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout)
			processor := job.NewProcessor(orch, store, queue, queue,
				job.WithWorkerCount(cfg.TaskQueue.Workers),
				job.WithAlertDispatcher(dispatcher),
				job.WithObserver(a.metrics),
			)
			server := api.NewServer(cfg.Server.Address, svc,
				api.WithMetrics(a.metrics),
				api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
				api.WithAuth(guard),
			)

			logger.Named("serve").Info("job service starting",
				slog.String("network", client.Name()),
				slog.String("signer", orch.Signer().Hex()),
				slog.String("addr", cfg.Server.Address),
				slog.String("job_store", cfg.Storage.JobStore.Driver),
				slog.String("queue", cfg.TaskQueue.Driver),
				slog.String("auth", string(guard.Mode())),
				slog.Any("alert_channels", dispatcher.Channels()),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return processor.Start(gctx) })
			g.Go(func() error { return server.Start(gctx) })
			if err := g.Wait(); err != nil && !(ctx.Err() != nil && errors.Is(err, context.Canceled)) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.address)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Processor workers (default task_queue.workers)")
	return cmd
}

// authService reads token secrets from the environment variables named in
// the config.
func authService(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		token := auth.Token{Name: t.Name, SHA256: t.SHA256, Permissions: t.Permissions}
		if t.SecretEnv != "" {
			token.Secret = os.Getenv(t.SecretEnv)
		}
		tokens = append(tokens, token)
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: tokens})
}

func openJobStore(ctx context.Context, cfg config.JobStoreConfig) (job.Store, error) {
	switch cfg.Driver {
	case "mysql":
		store, err := job.NewMySQLStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return job.NewMemoryStore(), nil
	}
}

func openJobQueue(ctx context.Context, cfg config.TaskQueueConfig) (job.Queue, error) {
	switch cfg.Driver {
	case "redis":
		queue, err := job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "open redis queue",
				xerrors.WithMetadata("field", "task_queue.redis.addr"))
		}
		return queue, nil
	case "rabbitmq":
		queue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.Workers,
			Durable:  true,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "open rabbitmq queue",
				xerrors.WithMetadata("field", "task_queue.rabbitmq.url"))
		}
		return queue, nil
	default:
		return job.NewMemoryQueue(cfg.Buffer), nil
	}
}
