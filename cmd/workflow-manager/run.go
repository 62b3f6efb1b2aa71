package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xscopehub/grantflow/internal/config"
	"github.com/xscopehub/grantflow/internal/engine"
	"github.com/xscopehub/grantflow/internal/manager"
	"github.com/xscopehub/grantflow/internal/outbox"
	"github.com/xscopehub/grantflow/internal/server"
	logpkg "github.com/xscopehub/grantflow/pkg/log"
	"github.com/xscopehub/grantflow/pkg/telemetry"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process workflow events from the queue",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), map[string]string{
				"manager.cycle_duration":      "cycle-duration",
				"manager.maximum_batch_count": "maximum-batch-count",
				"manager.batch_size":          "batch-size",
				"queue.driver":                "queue",
				"server.address":              "admin-address",
				"workflows.definitions_file":  "definitions",
				"store.auto_migrate":          "migrate",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonMode {
				release, done, err := daemonize("workflow-manager.pid")
				if err != nil {
					return err
				}
				if done {
					return nil
				}
				defer release()
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(commandContext(cmd), cfg)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&daemonMode, "daemon", false, "run in background")
	f.Duration("cycle-duration", 0, "minimum length of one batch cycle")
	f.Int("maximum-batch-count", 0, "exit after this many batches (0 runs until stopped)")
	f.Int("batch-size", 0, "messages fetched per batch")
	f.String("queue", "", "queue driver (memory, nats, kafka, sqs)")
	f.String("admin-address", "", "admin HTTP listen address")
	f.String("definitions", "", "YAML file with extra workflow definitions")
	f.Bool("migrate", false, "apply the database schema before starting")
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	// SIGINT abandons the batch in progress; SIGTERM lets it finish.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var shutdown telemetry.Shutdown = telemetry.Noop
	if cfg.Telemetry.Enabled {
		var err error
		shutdown, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			Endpoint:       cfg.Telemetry.OtlpEndpoint,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			MetricInterval: cfg.Telemetry.MetricInterval,
		})
		if err != nil {
			return err
		}
	}
	// Built after Init so the otel format writes through the installed provider.
	logger := logpkg.New(cfg.Telemetry.ServiceName, cfg.Log.Level, cfg.Log.Format)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var cl closers
	defer cl.close()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cl.add(store.Close)
	dir, err := buildDirectory(cfg, store)
	if err != nil {
		return err
	}
	cache, err := buildCache(cfg, &cl)
	if err != nil {
		return err
	}
	source, err := buildSource(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}

	eng, err := engine.New(reg, store,
		engine.WithDirectory(dir),
		engine.WithCache(cache),
		engine.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mgr := manager.New(manager.Config{
		CycleDuration:     cfg.Manager.CycleDuration,
		MaximumBatchCount: cfg.Manager.MaximumBatchCount,
		BatchSize:         cfg.Manager.BatchSize,
		MaxDeliveries:     cfg.Manager.MaxDeliveries,
		DispatchRate:      cfg.Manager.DispatchRate,
		DispatchBurst:     cfg.Manager.DispatchBurst,
	}, source, eng, manager.WithLogger(logger), manager.WithRegisterer(promReg))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go watchSignals(sigCh, done, mgr.Stop, cancel, os.Exit, logger)

	// auxiliary goroutines stop when the manager returns
	auxCtx, auxCancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(auxCtx)
	if cfg.Outbox.Enabled {
		nc, err := nats.Connect(cfg.Outbox.NATSURL)
		if err != nil {
			auxCancel()
			return err
		}
		cl.add(func() { _ = nc.Drain() })
		pub := outbox.NewPublisher(store, nc, cfg.Outbox.Interval, cfg.Outbox.BatchSize, logger)
		g.Go(func() error {
			pub.Run(gctx)
			return nil
		})
	}
	if cfg.Server.Enabled {
		srv := server.New(server.Deps{
			Store:     store,
			Manager:   mgr,
			Engine:    eng,
			Registry:  reg,
			Gatherer:  promReg,
			Logger:    logger,
			Service:   cfg.Telemetry.ServiceName,
			ReadTime:  cfg.Server.ReadTimeout,
			WriteTime: cfg.Server.WriteTimeout,
		})
		g.Go(func() error { return srv.Run(gctx, cfg.Server.Address) })
	}

	runErr := mgr.Run(ctx)
	auxCancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("auxiliary service failed", "error", err)
	}
	logger.Info("workflow manager stopped", "stats", mgr.Stats())
	return runErr
}

// watchSignals handles signals until done closes. SIGTERM calls stop so the
// current batch finishes. The first SIGINT calls cancel; a second one exits
// with status 1.
func watchSignals(sigCh <-chan os.Signal, done <-chan struct{}, stop, cancel func(), exit func(int), logger *slog.Logger) {
	interrupted := false
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				logger.Info("received SIGTERM, finishing current batch")
				stop()
				continue
			}
			if interrupted {
				logger.Warn("received second interrupt, exiting immediately")
				exit(1)
				return
			}
			interrupted = true
			logger.Info("received interrupt, exiting")
			cancel()
		case <-done:
			return
		}
	}
}
