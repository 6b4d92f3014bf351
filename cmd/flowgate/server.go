package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/flowgate/internal/config"
	"github.com/rsclarke/flowgate/internal/db"
	"github.com/rsclarke/flowgate/internal/events"
	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/flow"
	"github.com/rsclarke/flowgate/internal/identity"
	"github.com/rsclarke/flowgate/internal/logging"
	"github.com/rsclarke/flowgate/internal/persist"
	"github.com/rsclarke/flowgate/internal/server"
)

var serverFlags struct {
	configPath string
	dbPath     string
	listen     string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the decision engine and companion API",
	Long: `Run the decision engine, the companion API and the interception hook
endpoints.

Settings come from defaults, the optional --config YAML file, FLOWGATE_*
environment variables and flags, in increasing precedence. On first start a
companion key is generated and printed once.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverFlags.configPath, "config", os.Getenv("FLOWGATE_CONFIG"), "path to a YAML config file")
	serverCmd.Flags().StringVar(&serverFlags.dbPath, "db", "", "database path")
	serverCmd.Flags().StringVar(&serverFlags.listen, "listen", "", "listen address (unix:///path or tcp://host:port)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverFlags.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = serverFlags.dbPath
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = serverFlags.listen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync(log)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := ensureCompanionKey(cmd.OutOrStdout(), database); err != nil {
		return err
	}

	store := persist.NewStore(database, log)
	initial, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	hub := events.NewHub(log)
	resolver := identity.NewProcessResolver()

	ecfg := filter.DefaultEngineConfig(resolver, log)
	ecfg.SystemUIDCutoff = cfg.SystemUIDCutoff
	ecfg.CompanionTimeout = cfg.CompanionTimeout
	ecfg.StreamTTL = cfg.StreamTTL
	ecfg.Persister = store
	ecfg.Notifier = hub
	engine := filter.New(ecfg, initial)
	defer engine.Close()

	proxy := flow.NewProxy(engine, flow.DefaultProxyConfig(log))

	pid := int32(os.Getpid())
	apiSrv := &server.APIServer{
		DB:          database,
		Engine:      engine,
		Proxy:       proxy,
		Hub:         hub,
		Logger:      log.Named("api"),
		Executables: resolver,
		Stats: func(ctx context.Context) (identity.SelfStats, error) {
			return identity.Self(ctx, pid)
		},
	}

	apiServer := server.NewManagedServer("api", server.DefaultServerConfig(cfg.Listen, apiSrv.Handler(), log.Named("api")))
	apiServer.Start()
	if err := apiServer.WaitForStartup(100 * time.Millisecond); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				ended := engine.Sweep()
				pruned := proxy.Prune(cfg.FlowTimeout)
				if len(ended) > 0 || pruned > 0 {
					log.Debug("sweep", zap.Uint32s("suspensions_ended", ended), zap.Int("flows_pruned", pruned))
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case err, ok := <-apiServer.Err():
			if ok && err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
		if err := engine.Flush(); err != nil {
			log.Error("final state save failed", zap.Error(err))
		}
		return nil
	})

	log.Info("flowgate started",
		logging.Addr(cfg.Listen),
		zap.Uint32("system_uid_cutoff", cfg.SystemUIDCutoff),
		zap.Duration("companion_timeout", cfg.CompanionTimeout),
	)
	return g.Wait()
}
