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
	"github.com/wehubfusion/Daedalus/pkg/server"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve node execution over HTTP",
	Long:  "Serve synchronous execution, webhook triggers, stored results, health and metrics over HTTP. With --nats-url, async executions are queued on JetStream.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("webhooks", "", "YAML or JSON list of WEBHOOK nodes to expose")
	serveCmd.Flags().StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	serveCmd.Flags().Duration("execute-timeout", time.Minute, "Timeout of synchronous executions")

	for _, name := range []string{"addr", "webhooks", "cors-origins", "execute-timeout"} {
		_ = viper.BindPFlag(configKey(name), serveCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{service: "daedalus-server", connect: true})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	cfg := server.Config{
		Addr:           viper.GetString("addr"),
		AllowedOrigins: viper.GetStringSlice("cors_origins"),
		ExecuteTimeout: viper.GetDuration("execute_timeout"),
		Limiter:        a.limiter,
		Results:        a.results,
		Gatherer:       a.metrics,
		Checks:         a.healthChecks(),
		Logger:         a.logger.Named("http"),
	}
	if a.client != nil {
		cfg.Submitter = a.client
	}
	srv := server.New(a.executor, cfg)

	if file := viper.GetString("webhooks"); file != "" {
		nodes, err := readNodeList(file)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if err := srv.RegisterWebhook(node); err != nil {
				return err
			}
			a.logger.Info("Registered webhook", zap.String("node_id", node.ID))
		}
	}

	return srv.ListenAndServe(ctx)
}

func (a *app) healthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{}
	if a.client != nil {
		checks["nats"] = a.client.Ping
	}
	if a.store != nil {
		checks["storage"] = func(ctx context.Context) error {
			_, err := a.store.Get(ctx, "health/probe")
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	return checks
}
