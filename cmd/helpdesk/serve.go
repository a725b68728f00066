package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/channelplay/helpdesk/internal/api"
	"github.com/channelplay/helpdesk/internal/config"
	"github.com/channelplay/helpdesk/internal/email/composer"
	"github.com/channelplay/helpdesk/internal/email/dedup"
	"github.com/channelplay/helpdesk/internal/email/dispatcher"
	"github.com/channelplay/helpdesk/internal/email/resolver"
	"github.com/channelplay/helpdesk/internal/repository"
	"github.com/channelplay/helpdesk/internal/runner"
	"github.com/channelplay/helpdesk/internal/runner/tasks"
	"github.com/channelplay/helpdesk/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background mail poller",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "[HELPDESK] ", log.LstdFlags)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	app, err := buildApp(cfg, db, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	defer app.runner.Stop()

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           app.router.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %v, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// app bundles the wired components a command needs.
type app struct {
	pipeline *service.InboundPipeline
	replies  *service.ReplyService
	runner   *runner.Runner
	router   *api.Router
}

func buildApp(cfg *config.Config, db *sqlx.DB, logger *log.Logger) (*app, error) {
	ticketRepo := repository.NewTicketRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	deskRepo := repository.NewDeskRepository(db)

	var store dedup.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = dedup.NewRedisStore(client, "helpdesk:dedup:")
	} else {
		store = dedup.NewMemoryStore()
	}
	filter := dedup.NewFilter(store,
		dedup.WithFilterLogger(logger),
		dedup.WithFilterWindows(cfg.Email.DedupTTL, cfg.Email.ParentWindow, cfg.Email.FingerprintWindow),
		dedup.WithThreadMarkerCheck(resolver.HasThreadMarkers),
	)

	res := resolver.New(ticketRepo, deskRepo,
		resolver.WithLogger(logger),
		resolver.WithMessageDirectory(messageRepo),
		resolver.WithMinFuzzyLength(cfg.Email.MinFuzzySubjectLen),
	)

	metrics := service.NewMetrics(prometheus.DefaultRegisterer)

	pipeline := service.NewInboundPipeline(ticketRepo, messageRepo, deskRepo, res, filter,
		service.WithPipelineLogger(logger),
		service.WithPipelineMetrics(metrics),
	)

	comp := composer.New(composer.WithLogger(logger))
	disp := dispatcher.New(
		dispatcher.WithLogger(logger),
		dispatcher.WithAttemptObserver(func(channel string, level dispatcher.Level, err error) {
			metrics.ObserveAttempt(channel, string(level), err)
		}),
	)
	replies := service.NewReplyService(ticketRepo, messageRepo, deskRepo, comp, disp,
		service.WithReplyLogger(logger),
		service.WithReplyMetrics(metrics),
	)

	registry := runner.NewTaskRegistry()
	registry.Register(tasks.NewMailPollTask(deskRepo, pipeline,
		tasks.WithSchedule(cfg.Email.PollSchedule),
	))
	run := runner.NewRunner(registry)

	router := api.NewRouter(pipeline, replies, ticketRepo, messageRepo,
		api.WithRouterLogger(logger),
		api.WithMailChecker(func(ctx context.Context) error {
			return run.RunOnce(ctx, "mail-poll")
		}),
	)

	return &app{
		pipeline: pipeline,
		replies:  replies,
		runner:   run,
		router:   router,
	}, nil
}
