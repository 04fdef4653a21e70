package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/rmiagent/internal/api"
	"github.com/mattjoyce/rmiagent/internal/auth"
	"github.com/mattjoyce/rmiagent/internal/builtin"
	"github.com/mattjoyce/rmiagent/internal/callmodel"
	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/config"
	"github.com/mattjoyce/rmiagent/internal/consumer"
	"github.com/mattjoyce/rmiagent/internal/events"
	"github.com/mattjoyce/rmiagent/internal/ipc"
	"github.com/mattjoyce/rmiagent/internal/journal"
	"github.com/mattjoyce/rmiagent/internal/lock"
	"github.com/mattjoyce/rmiagent/internal/log"
	"github.com/mattjoyce/rmiagent/internal/metrics"
	"github.com/mattjoyce/rmiagent/internal/presence"
	"github.com/mattjoyce/rmiagent/internal/rmi"
	"github.com/mattjoyce/rmiagent/internal/storage"
	"github.com/mattjoyce/rmiagent/internal/tracker"
	"github.com/mattjoyce/rmiagent/internal/transport"
)

// buildCatalog registers every namespace the agent serves. The worker
// process builds the same catalog without a tracker; admin methods never run
// there.
func buildCatalog(name string, tr *tracker.Tracker, m *metrics.Metrics) (*catalog.Catalog, *ipc.Kinds, error) {
	cat := catalog.New()
	if err := rmi.RegisterAdmin(cat, rmi.NewAdmin(name, tr, cat, m)); err != nil {
		return nil, nil, err
	}
	if err := builtin.Register(cat); err != nil {
		return nil, nil, err
	}
	kinds := ipc.NewKinds()
	builtin.RegisterKinds(kinds)
	return cat, kinds, nil
}

func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	return cfg, configPath, err
}

func openLedger(cfg *config.Config, db *sql.DB) (tracker.Ledger, error) {
	if cfg.Ledger.Driver == "sqlite" {
		return tracker.NewSQLiteLedger(db), nil
	}
	return tracker.NewFileLedger(cfg.LedgerDir())
}

func runAgentStart(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("rmiagent starting", "version", version, "config", path)

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath())
	if err != nil {
		logger.Error("failed to acquire PID lock (another agent may be running)", "path", cfg.LockPath(), "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("agent failed", "error", err)
		return 1
	}
	logger.Info("rmiagent stopped")
	return 0
}

// serve wires the agent together and runs it until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.OpenSQLite(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ledger, err := openLedger(cfg, db)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	tr, err := tracker.New(ledger, log.WithComponent("tracker"))
	if err != nil {
		return fmt.Errorf("load cancelled ledger: %w", err)
	}

	m := metrics.New()
	hub := events.NewHub(256)
	store := journal.NewStore(db)

	cat, kinds, err := buildCatalog(cfg.Service.Name, tr, m)
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	self, err := callmodel.SelfCommand("agent", "worker",
		"--log-level", cfg.Service.LogLevel,
		"--ping-interval", cfg.Isolated.PingInterval.String(),
		"--name", cfg.Service.Name,
	)
	if err != nil {
		return err
	}
	models := map[string]callmodel.Model{
		catalog.ModelDirect: callmodel.NewDirect(cat),
		catalog.ModelIsolated: callmodel.NewIsolated(self,
			ipc.NewReplyRegistry(kinds, log.WithComponent("ipc")),
			callmodel.IsolatedConfig{PollInterval: cfg.Isolated.PollInterval, Grace: cfg.Isolated.Grace},
			log.WithComponent("isolated")),
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	// The consumer name is stable across restarts so a restarted agent
	// requeues what its predecessor left unacknowledged.
	reader := transport.NewRedisReader(client, cfg.Redis.Prefix, cfg.Consumer.Queue, cfg.Service.Name, log.WithComponent("transport"))
	producer := transport.NewRedisProducer(client, cfg.Redis.Prefix)

	dispatcher := rmi.NewDispatcher(rmi.Config{ReportTimeout: cfg.Progress.ReportTimeout}, cat, models, producer, tr,
		log.WithComponent("rmi"), rmi.WithJournal(store), rmi.WithMetrics(m), rmi.WithEvents(hub))
	cons := consumer.New(consumer.Config{
		Queue:       cfg.Consumer.Queue,
		Wait:        cfg.Consumer.Wait,
		ReopenDelay: cfg.Consumer.ReopenDelay,
		RateLimit:   cfg.Consumer.RateLimit,
		Burst:       cfg.Consumer.Burst,
	}, reader, producer, tr, dispatcher, log.WithConsumer(cfg.Consumer.Queue),
		consumer.WithMetrics(m), consumer.WithEvents(hub))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cons.Run(gctx) })

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		cancel := func(sn string, spec map[string]any) ([]string, error) {
			cancelled, err := rmi.CancelRequests(tr, sn, spec)
			m.Cancelled(len(cancelled))
			return cancelled, err
		}
		srv := api.New(api.Config{Listen: cfg.API.Listen, Agent: cfg.Service.Name, Tokens: tokens},
			tr, cancel, store, hub, m.Handler(), log.WithComponent("api"))
		g.Go(func() error { return srv.Start(gctx) })
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if len(cfg.Presence.Endpoints) > 0 {
		etcd, err := presence.Dial(cfg.Presence.Endpoints)
		if err != nil {
			return err
		}
		defer etcd.Close()
		host, _ := os.Hostname()
		rec := presence.Record{
			ID:        cfg.Service.Name + "-" + uuid.NewString(),
			Name:      cfg.Service.Name,
			Queue:     cfg.Consumer.Queue,
			Host:      host,
			PID:       os.Getpid(),
			StartedAt: time.Now().UTC(),
		}
		if cfg.API.Enabled {
			rec.API = cfg.API.Listen
		}
		p := presence.New(etcd, etcd, cfg.Presence.Prefix, cfg.Presence.TTL, rec, log.WithComponent("presence"))
		g.Go(func() error { return p.Run(gctx) })
	}

	logger.Info("agent running",
		"queue", cfg.Consumer.Queue,
		"redis", cfg.Redis.Addr,
		"ledger", cfg.Ledger.Driver,
		"outstanding_cancelled", len(tr.Entries()),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runAgentWorker(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	level := fs.String("log-level", "info", "Log level")
	ping := fs.Duration("ping-interval", callmodel.DefaultPingInterval, "Liveness ping interval")
	name := fs.String("name", "rmiagent", "Agent name")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	// The parent decides when a call ends; terminal interrupts reach it too.
	signal.Ignore(syscall.SIGINT)

	log.SetupWriter(os.Stderr, *level)
	logger := log.WithComponent("worker")
	cat, _, err := buildCatalog(*name, nil, nil)
	if err != nil {
		logger.Error("build catalog failed", "error", err)
		return 2
	}
	if err := callmodel.ServeWorker(context.Background(), cat, callmodel.WorkerConfig{PingInterval: *ping}, logger); err != nil {
		logger.Error("worker failed", "error", err)
		return 2
	}
	return 0
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Configuration valid: %s\n", path)
	fmt.Fprintf(stdout, "  queue:  %s (redis %s, prefix %q)\n", cfg.Consumer.Queue, cfg.Redis.Addr, cfg.Redis.Prefix)
	fmt.Fprintf(stdout, "  state:  %s (ledger %s)\n", cfg.Service.StateDir, cfg.Ledger.Driver)
	if cfg.API.Enabled {
		fmt.Fprintf(stdout, "  api:    %s (%d tokens)\n", cfg.API.Listen, len(cfg.API.Tokens))
	}
	if len(cfg.Presence.Endpoints) > 0 {
		fmt.Fprintf(stdout, "  etcd:   %v\n", cfg.Presence.Endpoints)
	}
	return 0
}
