// Command hypermerge runs a single repo backend process, exposing it to
// frontends over WebSocket and exposing its file blobs over HTTP.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robbynshaw/hypermerge/fileserver"
	"github.com/robbynshaw/hypermerge/repo"
	"github.com/robbynshaw/hypermerge/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		path   string
		memory bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "hypermerge",
		Short: "Run a hypermerge repo backend process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(path, memory, listen)
		},
	}

	cmd.Flags().StringVar(&path, "path", "default", "storage directory for feeds and the metadata database")
	cmd.Flags().BoolVar(&memory, "memory", false, "use an ephemeral in-memory database instead of --path")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address to serve WebSocket and file connections on")

	return cmd
}

func run(path string, memory bool, listen string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("hypermerge: build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	opts := []repo.Option{repo.WithLogger(log)}
	if memory {
		opts = append(opts, repo.WithMemory(true))
	} else {
		opts = append(opts, repo.WithPath(path))
	}

	rb, err := repo.New(opts...)
	if err != nil {
		return fmt.Errorf("hypermerge: open repo: %w", err)
	}

	gw := transport.NewGateway(rb)
	wsHandler := transport.NewHandler(rb, gw, log)
	files := fileserver.New(rb, gw, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", wsHandler.ServeHTTP)
	files.Mux(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: listen, Handler: mux}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("hypermerge: listen on %s: %w", listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.InjectGlobal(repo.FileServerReadyMsg{Path: "/files/"})

	errCh := make(chan error, 1)
	go func() {
		log.Infow("hypermerge listening", "addr", listen, "path", path, "memory", memory)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Errorw("server failed", "err", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown error", "err", err)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	return rb.Close(closeCtx)
}
