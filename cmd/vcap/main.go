// Command vcap captures video frames from FPGA DMA engines.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/c35s/vcap/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// app is the state shared by the subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "vcap",
		Short:        "Capture video through FPGA DMA engines",
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "configuration file (TOML)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newCaptureCmd(a),
		newSelftestCmd(a),
		newInfoCmd(a),
	)

	return root
}

// load reads the configuration, applies flag overrides and installs the
// default logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		c, err := config.Load(a.configPath)
		if err != nil {
			return err
		}

		cfg = c
	}

	if err := cfg.Override(cmd.Flags()); err != nil {
		return err
	}

	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	slog.SetDefault(log)

	a.cfg = cfg
	a.log = log

	return nil
}

// serveMetrics serves the prometheus handler until ctx is done. It does
// nothing if no address is configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "err", err)
		}
	}()

	context.AfterFunc(ctx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		srv.Shutdown(ctx)
	})

	a.log.Info("serving metrics", "addr", a.cfg.MetricsAddr)
}
