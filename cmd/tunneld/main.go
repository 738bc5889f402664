package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/duskrelay/tunnel/internal/config"
	"github.com/duskrelay/tunnel/internal/metrics"
	"github.com/duskrelay/tunnel/pkg/server"
)

func main() {
	var (
		configPath string
		metricsAddr string
	)

	klog.InitFlags(nil)

	cmd := &cobra.Command{
		Use:   "tunneld",
		Short: "Run the reverse tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the server config file (required)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	if err := cmd.Execute(); err != nil {
		klog.ErrorS(err, "tunneld exited with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New()
	srv, err := server.New(cfg.Server, m)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			klog.InfoS("serving metrics", "addr", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-sigCh:
		klog.InfoS("received shutdown signal")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server run: %w", err)
		}
	}

	klog.InfoS("tunneld stopped")
	return nil
}
