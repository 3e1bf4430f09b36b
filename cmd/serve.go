package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/metrics"
	"github.com/maxkimambo/taskflow/internal/seed"
	"github.com/maxkimambo/taskflow/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation module with the admin HTTP server",
	Long: `Run the engine until interrupted. The admin server exposes:

  GET  /healthz                            component health, 503 when not healthy
  GET  /metrics                            Prometheus metrics
  POST /admin/families/{familyID}/rescan   manual dependency re-scan
  GET  /admin/cascades/{correlationID}     journaled events of one change`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (default from config)")
	serveCmd.Flags().Bool("seed-demo", false, "Load the built-in demo fixture before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	seedDemo, _ := cmd.Flags().GetBool("seed-demo")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsHandler, err := metrics.InitMeterProvider(ctx, "taskflow")
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	if err := metrics.InitInstruments(ctx); err != nil {
		return fmt.Errorf("failed to init metric instruments: %w", err)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if seedDemo {
		if err := loadDemo(ctx, a); err != nil {
			return err
		}
	}

	if listen == "" {
		listen = a.cfg.HTTP.Listen
	}
	srv := server.New(a.module, server.Options{Addr: listen, Metrics: metricsHandler})

	logger.User.Infof("Admin server listening on %s", listen)
	if err := server.Run(ctx, srv); err != nil {
		return fmt.Errorf("admin server failed: %w", err)
	}
	logger.User.Info("Admin server stopped")
	return nil
}

func loadDemo(ctx context.Context, a *app) error {
	fixture, err := seed.Demo()
	if err != nil {
		return err
	}
	summary, err := fixture.Apply(ctx, a.store)
	if err != nil {
		return fmt.Errorf("failed to load demo fixture: %w", err)
	}
	logger.Op.WithFields(map[string]interface{}{
		"families":  summary.Families,
		"instances": summary.Instances,
		"rules":     summary.Rules,
	}).Info("Demo fixture loaded")
	return nil
}
