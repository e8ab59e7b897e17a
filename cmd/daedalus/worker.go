package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/server"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute nodes pulled from JetStream",
	Long:  "Pull execution requests from the JetStream request stream, execute them and publish results. Health and metrics are served on --metrics-addr.",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().String("consumer", "daedalus-worker", "Durable consumer name")
	workerCmd.Flags().Int("batch-size", 10, "Requests pulled per fetch")
	workerCmd.Flags().Int("workers", 0, "Worker goroutines (auto-detected when 0)")
	workerCmd.Flags().Duration("process-timeout", 5*time.Minute, "Timeout of a single node execution")
	workerCmd.Flags().Duration("heartbeat", 30*time.Second, "In-progress heartbeat interval (0 disables)")
	workerCmd.Flags().String("metrics-addr", ":9090", "Health and metrics listen address (empty disables)")

	for _, name := range []string{"consumer", "batch-size", "workers", "process-timeout", "heartbeat", "metrics-addr"} {
		_ = viper.BindPFlag(configKey(name), workerCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{service: "daedalus-worker", connect: true, requireNATS: true})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	consumer := viper.GetString("consumer")
	if err := a.client.Messages.EnsureTopology(consumer); err != nil {
		return err
	}

	workers := viper.GetInt("workers")
	if workers <= 0 {
		workers = a.concurrency.RunnerWorkers
	}
	r, err := runner.NewRunner(a.client.Messages, a.client.Messages, a.executor, runner.Config{
		Consumer:          consumer,
		BatchSize:         viper.GetInt("batch_size"),
		Workers:           workers,
		ProcessTimeout:    viper.GetDuration("process_timeout"),
		MaxDeliver:        a.client.Messages.Config().MaxDeliver,
		HeartbeatInterval: viper.GetDuration("heartbeat"),
		Limiter:           a.limiter,
		Results:           a.results,
		Store:             a.store,
		Logger:            a.logger.Named("runner"),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if addr := viper.GetString("metrics_addr"); addr != "" {
		srv := server.New(a.executor, server.Config{
			Addr:     addr,
			Limiter:  a.limiter,
			Gatherer: a.metrics,
			Checks:   a.healthChecks(),
			Logger:   a.logger.Named("http"),
		})
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}
	return g.Wait()
}
