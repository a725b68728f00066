package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/channelplay/helpdesk/internal/config"
	"github.com/channelplay/helpdesk/internal/email/dedup"
	"github.com/channelplay/helpdesk/internal/email/resolver"
	"github.com/channelplay/helpdesk/internal/repository"
	"github.com/channelplay/helpdesk/internal/runner/tasks"
	"github.com/channelplay/helpdesk/internal/service"
)

var checkMailCmd = &cobra.Command{
	Use:   "check-mail",
	Short: "Poll every desk mailbox once and process new mail",
	RunE:  runCheckMail,
}

func runCheckMail(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "[CHECK-MAIL] ", log.LstdFlags)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ticketRepo := repository.NewTicketRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	deskRepo := repository.NewDeskRepository(db)

	filter := dedup.NewFilter(dedup.NewMemoryStore(),
		dedup.WithFilterLogger(logger),
		dedup.WithThreadMarkerCheck(resolver.HasThreadMarkers),
	)
	res := resolver.New(ticketRepo, deskRepo,
		resolver.WithLogger(logger),
		resolver.WithMessageDirectory(messageRepo),
	)
	pipeline := service.NewInboundPipeline(ticketRepo, messageRepo, deskRepo, res, filter,
		service.WithPipelineLogger(logger),
		service.WithPipelineMetrics(service.NewMetrics(prometheus.NewRegistry())),
	)

	task := tasks.NewMailPollTask(deskRepo, pipeline, tasks.WithMailPollLogger(logger))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return task.Run(ctx)
}
