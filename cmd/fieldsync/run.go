package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/skobkin/fieldsync/internal/app"
	"github.com/skobkin/fieldsync/internal/notifications"
)

const metricsShutdownTimeout = 3 * time.Second

type runOptions struct {
	MetricsAddr string
	Offline     bool
	NoDesktop   bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start syncing until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rtOpts := app.Options{Offline: opts.Offline}
			if !opts.NoDesktop {
				rtOpts.Sender = notifications.NewBeeepSender(app.Name, "", nil)
			}

			return withRuntime(cmd, global, rtOpts, func(rt *app.Runtime) error {
				return runUntilDone(cmd.Context(), rt, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. 127.0.0.1:9464")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start offline; actions are queued until restart")
	cmd.Flags().BoolVar(&opts.NoDesktop, "no-desktop", false, "log notifications instead of showing desktop notices")

	return cmd
}

func runUntilDone(ctx context.Context, rt *app.Runtime, opts *runOptions) error {
	logger := rt.LogManager.Logger("cli")
	if !rt.Auth.Session().Get() {
		logger.Warn("not logged in; activity and messaging stay disconnected until login")
	}
	if err := rt.Start(); err != nil {
		return err
	}

	addr := strings.TrimSpace(opts.MetricsAddr)
	if addr == "" {
		addr = strings.TrimSpace(rt.CurrentConfig().Metrics.ListenAddr)
	}
	if addr != "" {
		stopMetrics, err := serveMetrics(rt, addr, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	logger.Info("fieldsync running", "version", app.BuildVersionWithDate(), "offline", opts.Offline)
	<-ctx.Done()
	logger.Info("shutting down")

	return nil
}

func serveMetrics(rt *app.Runtime, addr string, logger *slog.Logger) (stop func(), err error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("serve metrics on %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	logger.Info("metrics endpoint listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("stop metrics endpoint", "error", err)
		}
	}, nil
}
