package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/HMasataka/quill/internal/config"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/internal/metrics"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
	"github.com/HMasataka/quill/pkg/realtime/room"
	"github.com/HMasataka/quill/pkg/realtime/updates"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type watchOptions struct {
	token       string
	transports  []string
	rooms       []string
	articles    []string
	subscribe   []string
	metricsAddr string
}

func buildWatchCmd(flags *globalFlags) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the realtime server and log live updates",
		Example: `  # Watch notifications and presence as alice
  QUILL_TOKEN=alice quill watch

  # Join an article room and subscribe to its updates
  quill watch --token alice --article 42 --subscribe article:42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if opts.token == "" {
				opts.token = cfg.Realtime.Token
			}
			if len(opts.transports) == 0 {
				opts.transports = cfg.Realtime.Transports
			}
			return runWatch(cmd.Context(), cfg, logger, opts)
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "Access token (default $QUILL_TOKEN)")
	cmd.Flags().StringSliceVar(&opts.transports, "transport", nil, "Transports in fallback order (websocket, polling)")
	cmd.Flags().StringSliceVar(&opts.rooms, "room", nil, "Generic rooms to join")
	cmd.Flags().StringSliceVar(&opts.articles, "article", nil, "Article rooms to join")
	cmd.Flags().StringSliceVar(&opts.subscribe, "subscribe", nil, "Subscriptions as channel:id")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve client metrics on this address")

	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts *watchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.token == "" {
		return errors.New("a token is required: pass --token or set " + config.EnvToken)
	}

	factory, err := realtime.NewTransportFactory(logger, opts.transports...)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	manager := realtime.NewManager(realtime.Options{
		URL:         cfg.Realtime.URL,
		Factory:     factory,
		Credentials: realtime.NewTokenStore(opts.token),
		Logger:      logger,
		Observer:    metrics.NewClient(registry),
	})
	defer manager.Close()

	var agg *updates.Aggregator
	agg = updates.New(manager, updates.Options{
		Logger: logger,
		OnChange: func(c updates.Change) {
			logChange(logger, c, manager, agg)
		},
	})
	agg.Start()
	defer agg.Stop()

	for _, id := range opts.rooms {
		r := watchRoom(manager, id, room.KindRoom, logger)
		defer r.Stop()
	}
	for _, id := range opts.articles {
		r := watchRoom(manager, id, room.KindArticle, logger)
		defer r.Stop()
	}

	defer manager.On(domain.EventConnect, func(domain.Event) {
		for _, sub := range opts.subscribe {
			channel, id, _ := strings.Cut(sub, ":")
			if err := agg.Subscribe(channel, id); err != nil {
				logger.Warn("subscribe failed", "channel", channel, "id", id, "error", err)
			}
		}
	})()
	defer manager.On(domain.EventReconnectFailed, func(domain.Event) {
		logger.Error("giving up on the realtime server; press Ctrl+C to exit")
	})()

	g, gctx := errgroup.WithContext(ctx)

	if opts.metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    opts.metricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			logger.Info("serving client metrics", "addr", opts.metricsAddr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Close()
		})
	}

	g.Go(func() error {
		logger.Info("connecting", "url", cfg.Realtime.URL, "transports", opts.transports)
		manager.Connect()
		<-gctx.Done()

		info := manager.Snapshot()
		logger.Info("watch finished",
			"status", info.Status,
			"listening", info.Events,
			"notifications", len(agg.Notifications()),
			"unread", agg.UnreadCount(),
			"activities", len(agg.Activities()),
		)
		return nil
	})

	return g.Wait()
}

func logChange(logger *logging.Logger, c updates.Change, manager *realtime.Manager, agg *updates.Aggregator) {
	switch c {
	case updates.ChangeNotifications:
		notes := agg.Notifications()
		attrs := []any{"unread", agg.UnreadCount(), "total", len(notes)}
		if len(notes) > 0 {
			attrs = append(attrs, "latest", notes[0].Message, "type", notes[0].Type)
		}
		logger.Info("notifications", attrs...)

	case updates.ChangeActivities:
		acts := agg.Activities()
		if len(acts) > 0 {
			logger.Info("activity", "type", acts[0].Type, "id", acts[0].ID, "total", len(acts))
		}

	case updates.ChangePresence:
		ids := make([]string, 0, agg.OnlineCount())
		for _, u := range agg.OnlineUsers() {
			ids = append(ids, u.ID)
		}
		logger.Info("presence", "online", ids, "sid", manager.ID())
	}
}

func watchRoom(manager *realtime.Manager, id string, kind room.Kind, logger *logging.Logger) *room.Room {
	var r *room.Room
	r = room.New(manager, id, room.Options{
		Kind:   kind,
		Logger: logger,
		OnChange: func() {
			ids := []string{}
			for _, u := range r.Members() {
				ids = append(ids, u.ID)
			}
			logger.Info("room members", "room", id, "members", ids)
		},
	})
	r.Start()
	return r
}
