// Command echo-backend is a tiny HTTP server meant to sit behind a
// tunneld service: point a service's bind_addr at a tunnel client that
// forwards to this, and every visitor request comes back annotated with
// the connection it arrived on, which is useful for eyeballing that
// forwarding and pairing actually happened end to end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	var addr string

	cmd := &cobra.Command{
		Use:   "echo-backend",
		Short: "Run a minimal HTTP backend for exercising a tunneled service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "address to listen on")

	if err := cmd.Execute(); err != nil {
		klog.ErrorS(err, "echo-backend exited with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", echoHandler)
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("echo-backend listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	klog.InfoS("echo-backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	klog.V(4).InfoS("request", "req", reqID, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "echo-backend\nreq: %s\ntime: %s\nmethod: %s\npath: %s\nremote: %s\n",
		reqID, time.Now().Format(time.RFC3339), r.Method, r.URL.Path, r.RemoteAddr)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}
