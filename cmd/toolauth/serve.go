package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/toolauth/internal/authn"
	"github.com/rsclarke/toolauth/internal/config"
	"github.com/rsclarke/toolauth/internal/db"
	"github.com/rsclarke/toolauth/internal/logging"
	"github.com/rsclarke/toolauth/internal/metrics"
	"github.com/rsclarke/toolauth/internal/replay"
	"github.com/rsclarke/toolauth/internal/server"
)

const (
	replayMemory = "memory"
	replaySQLite = "sqlite"
	replayRedis  = "redis"
)

var serveFlags struct {
	addr           string
	toolID         string
	configPath     string
	dbPath         string
	audit          bool
	replayBackend  string
	replayShards   uint64
	redisAddr      string
	redisPrefix    string
	purgeInterval  time.Duration
	reloadDebounce time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a tool behind signed HTTP authentication",
	Long: `Serve the echo tool on POST /invoke, authenticating leaders with signed
HTTP according to the config file named by --config or NEXUS_TOOLKIT_CONFIG_PATH.

With no config path, signed HTTP is disabled and every request is accepted.
The config file and the allowlist it references are watched and reloaded on
change; a failed reload keeps the previous config. SIGHUP forces a reload.

Replay backends:
  memory   per-process, lost on restart
  sqlite   durable, stored in --db
  redis    shared between replicas, at --redis-addr`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", getEnv("TOOLAUTH_ADDR", ":8080"), "address to listen on")
	f.StringVar(&serveFlags.toolID, "tool-id", os.Getenv("TOOLAUTH_TOOL_ID"), "identity of this tool")
	f.StringVar(&serveFlags.configPath, "config", config.PathFromEnv(), "config file path (env: "+config.EnvConfigPath+")")
	f.StringVar(&serveFlags.dbPath, "db", getEnv("TOOLAUTH_DB", "toolauth.db"), "database path for the sqlite replay backend and audit log")
	f.BoolVar(&serveFlags.audit, "audit", getEnv("TOOLAUTH_AUDIT", "") == "1", "record verified invocations in the database")
	f.StringVar(&serveFlags.replayBackend, "replay", getEnv("TOOLAUTH_REPLAY", replayMemory), "replay backend: memory, sqlite or redis")
	f.Uint64Var(&serveFlags.replayShards, "replay-shards", getEnvUint("TOOLAUTH_REPLAY_SHARDS", 64), "shard count for the memory replay backend")
	f.StringVar(&serveFlags.redisAddr, "redis-addr", getEnv("TOOLAUTH_REDIS_ADDR", "localhost:6379"), "redis address for the redis replay backend")
	f.StringVar(&serveFlags.redisPrefix, "redis-prefix", os.Getenv("TOOLAUTH_REDIS_PREFIX"), "key prefix for the redis replay backend")
	f.DurationVar(&serveFlags.purgeInterval, "purge-interval", getEnvDuration("TOOLAUTH_PURGE_INTERVAL", time.Minute), "how often expired replay records are purged")
	f.DurationVar(&serveFlags.reloadDebounce, "reload-debounce", getEnvDuration("TOOLAUTH_RELOAD_DEBOUNCE", config.DefaultDebounce), "quiet period before a changed config is reloaded")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveFlags.toolID == "" {
		return fmt.Errorf("tool id required (use --tool-id flag or TOOLAUTH_TOOL_ID env var)")
	}
	if serveFlags.purgeInterval <= 0 {
		return fmt.Errorf("purge interval must be positive, got %s", serveFlags.purgeInterval)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	watcher, err := config.NewWatcher(serveFlags.configPath, config.Options{
		Logger:   logger.Named("config"),
		Metrics:  m,
		Debounce: serveFlags.reloadDebounce,
		Validate: func(s *config.Snapshot) error { return s.RequireTool(serveFlags.toolID) },
	})
	if err != nil {
		return err
	}
	snap := watcher.Current()
	logger.Info("config loaded",
		logging.ConfigPath(serveFlags.configPath),
		logging.Mode(string(snap.Mode)),
		logging.Generation(snap.Generation),
	)

	var database *sql.DB
	if serveFlags.audit || serveFlags.replayBackend == replaySQLite {
		database, err = db.Open(serveFlags.dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
	}

	guard, closeGuard, err := newGuard(cmd.Context(), database)
	if err != nil {
		return err
	}
	defer closeGuard()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("config watcher stopped", zap.Error(err))
		}
	}()
	go replay.RunJanitor(ctx, guard, serveFlags.purgeInterval, nil, logger.Named("replay"))

	invokeSrv := &server.InvokeServer{
		Auth: &authn.Authenticator{
			ToolID:  serveFlags.toolID,
			Source:  watcher,
			Guard:   guard,
			Logger:  logger.Named("authn"),
			Metrics: m,
		},
		Tool:     server.EchoTool{},
		Watcher:  watcher,
		Gatherer: reg,
		Logger:   logger.Named("api"),
	}
	if serveFlags.audit {
		invokeSrv.DB = database
	}

	cfg := server.DefaultServerConfig(serveFlags.addr, invokeSrv.Handler(), logger.Named("http"))
	srv := server.NewManagedServer("toolauth", cfg)
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("serving tool",
		logging.ToolID(serveFlags.toolID),
		logging.Addr(srv.Addr()),
		zap.String("replay", serveFlags.replayBackend),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("reload requested")
				_ = watcher.Reload()
				continue
			}
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case err, ok := <-srv.Err():
			if ok && err != nil {
				logger.Error("server error", zap.Error(err))
			}
		}
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	return nil
}

func newGuard(ctx context.Context, database *sql.DB) (replay.Guard, func(), error) {
	switch serveFlags.replayBackend {
	case replayMemory:
		return replay.NewMemory(int(serveFlags.replayShards)), func() {}, nil
	case replaySQLite:
		return replay.NewSQLite(database), func() {}, nil
	case replayRedis:
		client := redis.NewClient(&redis.Options{Addr: serveFlags.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", serveFlags.redisAddr, err)
		}
		return replay.NewRedis(client, serveFlags.redisPrefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown replay backend %q (want memory, sqlite or redis)", serveFlags.replayBackend)
	}
}
