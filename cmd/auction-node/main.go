package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vmware/weathervane-sub001/internal/auctioneer"
	"github.com/vmware/weathervane-sub001/internal/config"
	"github.com/vmware/weathervane-sub001/internal/coordination"
	"github.com/vmware/weathervane-sub001/internal/database"
	"github.com/vmware/weathervane-sub001/internal/handlers"
	"github.com/vmware/weathervane-sub001/internal/liveauction"
	"github.com/vmware/weathervane-sub001/internal/logging"
	"github.com/vmware/weathervane-sub001/internal/messaging"
	redisstore "github.com/vmware/weathervane-sub001/internal/redis"
	"github.com/vmware/weathervane-sub001/internal/store"
	"github.com/vmware/weathervane-sub001/internal/websocket"
)

func main() {
	app := &cli.App{
		Name:  "auction-node",
		Usage: "live auction bidding node",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "join the cluster and serve live auctions",
				Action: run,
			},
			{
				Name:   "archive",
				Usage:  "archive high bid events to PostgreSQL",
				Action: archive,
			},
			{
				Name:  "seed",
				Usage: "load a demo auction into the shared store",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "auction", Value: 1, Usage: "auction id"},
					&cli.IntFlag{Name: "items", Value: 5, Usage: "number of items"},
					&cli.IntFlag{Name: "bidders", Value: 10, Usage: "number of bidders"},
					&cli.DurationFlag{Name: "start-in", Value: 0, Usage: "delay before the auction starts"},
					&cli.StringFlag{Name: "starting-bid", Value: "10", Usage: "starting bid of every item"},
					&cli.StringFlag{Name: "credit", Value: "1000", Usage: "credit limit of every bidder"},
				},
				Action: seed,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("auction-node failed")
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func run(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	logger := log.WithField("node", cfg.NodeID)
	logger.Info("Starting live auction node")

	ctx, stop := signalContext(c.Context)
	defer stop()

	shared, err := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer shared.Close()

	db, err := database.NewPostgresClient(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	conn, err := messaging.Connect(cfg.NatsURL, "auction-node-"+cfg.NodeID)
	if err != nil {
		return err
	}
	defer conn.Close()

	bus, err := messaging.NewBus(ctx, conn)
	if err != nil {
		return err
	}
	coord, err := coordination.New(ctx, bus.JetStream(), cfg.NodeID, cfg.MemberTTL, cfg.LeaderTTL)
	if err != nil {
		return err
	}

	sched := auctioneer.NewGoScheduler()
	svc := liveauction.NewService(coord, bus, shared, db, sched, liveauction.Options{
		AuctionMaxIdleTime:      cfg.AuctionMaxIdleTime,
		AuctionQueueUpdateDelay: cfg.AuctionQueueUpdateDelay,
		MembershipChangeDelay:   cfg.MembershipChangeDelay,
		MemberPollInterval:      cfg.MemberTTL / 3,
		JoinDelay:               cfg.JoinDelay,
		LongPollTimeout:         cfg.LongPollTimeout,
	})

	clients := websocket.NewManager()
	svc.SetBroadcaster(clients)

	router := handlers.NewHandler(svc).SetupRoutes()
	websocket.NewHandler(clients).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.LongPollTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		clients.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.ServerAddr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc.PrepareForShutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	sched.Wait()
	logger.Info("Node stopped")
	return err
}

func archive(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	db, err := database.NewPostgresClient(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	conn, err := messaging.Connect(cfg.NatsURL, "auction-archiver-"+cfg.NodeID)
	if err != nil {
		return err
	}
	defer conn.Close()

	bus, err := messaging.NewBus(ctx, conn)
	if err != nil {
		return err
	}
	return messaging.NewArchiver(bus.JetStream(), db).Run(ctx)
}

func seed(c *cli.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	startingBid, err := decimal.NewFromString(c.String("starting-bid"))
	if err != nil {
		return errors.Wrap(err, "invalid starting bid")
	}
	credit, err := decimal.NewFromString(c.String("credit"))
	if err != nil {
		return errors.Wrap(err, "invalid credit limit")
	}

	shared, err := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer shared.Close()

	return store.Seed(c.Context, shared, store.SeedPlan{
		AuctionID:   c.Int64("auction"),
		Items:       c.Int("items"),
		Bidders:     c.Int("bidders"),
		StartTime:   time.Now().Add(c.Duration("start-in")),
		StartingBid: startingBid,
		CreditLimit: credit,
	})
}
