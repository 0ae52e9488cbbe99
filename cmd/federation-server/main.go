package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"uk.co.dudmesh.federate/internal/boot"
	"uk.co.dudmesh.federate/internal/handlers"
	"uk.co.dudmesh.federate/internal/service/discovery"
	"uk.co.dudmesh.federate/internal/service/dispatch"
	"uk.co.dudmesh.federate/internal/service/inbox"
	"uk.co.dudmesh.federate/internal/service/moderation"
	"uk.co.dudmesh.federate/internal/store"
	"uk.co.dudmesh.federate/internal/task"
	"uk.co.dudmesh.federate/internal/transport"
)

type engine struct {
	outboxStore  *store.OutboxStore
	inboxStore   *store.InboxStore
	gate         *moderation.Gate
	inboxService *inbox.Service
	dispatcher   *dispatch.Service
	runner       *task.Runner
}

func newEngine(config *boot.Config) (*engine, error) {
	db, err := store.Open(path.Join(config.DataDirectory(), "federate.db"))
	if err != nil {
		return nil, err
	}

	outboxStore, err := store.NewOutboxStore(db)
	if err != nil {
		return nil, err
	}
	inboxStore, err := store.NewInboxStore(db)
	if err != nil {
		return nil, err
	}
	blockStore, err := store.NewBlockStore(db)
	if err != nil {
		return nil, err
	}
	followerStore, err := store.NewFollowerStore(db)
	if err != nil {
		return nil, err
	}
	actorStore, err := store.NewActorStore(db)
	if err != nil {
		return nil, err
	}

	resolver := discovery.New()
	gate := moderation.New(blockStore, resolver, moderation.StaticDisallowList(config.Disallowed()))
	inboxService := inbox.New(inboxStore, gate, inbox.DefaultStoragePolicy())

	runner := task.NewRunner()
	deliverer := transport.NewHTTPDeliverer("federate/1.0 (+"+config.BaseURL+")", nil)
	providers := []dispatch.InboxProvider{
		&dispatch.MentionedActors{Resolver: resolver},
		&dispatch.ReplyTargets{Fetcher: resolver, Resolver: resolver},
		&dispatch.Relays{Inboxes: config.Relays()},
	}
	dispatcher := dispatch.New(outboxStore, actorStore, followerStore, deliverer, runner, providers, dispatch.Options{
		BatchSize:       config.Dispatch.BatchSize,
		MaxAttempts:     config.Dispatch.MaxAttempts,
		RetryDelay:      config.Dispatch.RetryDelay,
		RetryableCodes:  config.RetryableStatusCodes(),
		SendConcurrency: config.Dispatch.SendConcurrency,
		SendRate:        config.Dispatch.SendRate,
	})

	return &engine{
		outboxStore:  outboxStore,
		inboxStore:   inboxStore,
		gate:         gate,
		inboxService: inboxService,
		dispatcher:   dispatcher,
		runner:       runner,
	}, nil
}

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	engine, err := newEngine(config)
	if err != nil {
		log.Fatalf("building engine: %+v", err)
	}
	defer engine.runner.Close()

	server := echo.New()
	server.Use(middleware.BodyLimit("1M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("federate"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization}
	server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{config.Server.Origins},
		AllowHeaders:     headers,
		AllowCredentials: true,
	}))

	server.POST("/inbox", handlers.SharedInbox(engine.inboxService))
	server.POST("/actors/:actorID/inbox", handlers.ActorInbox(engine.inboxService))
	server.GET("/actors/:actorID/inbox", handlers.GetInboxItem(engine.inboxStore))
	server.POST("/actors/:actorID/outbox", handlers.PostOutbox(engine.outboxStore, engine.dispatcher, engine.runner))
	server.POST("/blocks", handlers.AddBlock(engine.gate))
	server.DELETE("/blocks", handlers.RemoveBlock(engine.gate))

	go func() {
		metrics := echo.New()
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger.Fatal(err)
	}
}
