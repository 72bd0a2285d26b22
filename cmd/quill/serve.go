package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/HMasataka/quill/internal/config"
	"github.com/HMasataka/quill/internal/devserver"
	"github.com/HMasataka/quill/internal/eventbus"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func buildServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development realtime server",
		Long: `Run a realtime server speaking the client wire protocol over websocket
and HTTP long-poll. Events can be injected with "quill publish" and
sessions dropped with "quill kick".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from config)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(256)
	bus.Start(ctx)
	defer bus.Stop()

	bus.SubscribeAll(func(e *eventbus.Event) {
		logger.Debug("server event", "type", e.Type, "sid", e.Metadata["sid"], "event_id", e.ID)
	})

	srv := devserver.New(
		devserver.WithLogger(logger),
		devserver.WithEventBus(bus),
		devserver.WithPath(socketPath(cfg.Realtime.URL)),
	)
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("dev server listening", "addr", httpServer.Addr, "path", socketPath(cfg.Realtime.URL))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down dev server")

		// closing sessions first releases held long-poll requests
		srv.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// socketPath is the path component of the configured endpoint, so serve and
// watch agree on where the socket lives.
func socketPath(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Path == "" || u.Path == "/" {
		return devserver.DefaultOptions().Path
	}
	return u.Path
}
