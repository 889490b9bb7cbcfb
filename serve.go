package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"RehabSessionHub/api/handlers"
	"RehabSessionHub/internal/config"
	"RehabSessionHub/internal/database"
	"RehabSessionHub/internal/grpcserver"
	"RehabSessionHub/internal/httpserver"
	"RehabSessionHub/internal/logger"
	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
	"RehabSessionHub/internal/store/memory"
	"RehabSessionHub/internal/store/postgres"
)

// sessionStore 协调器与历史查询共用的存储
type sessionStore interface {
	session.Store
	session.Query
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP / gRPC 服务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	manager := config.NewManager(config.WithConfigPath(configPath), config.WithWatchEnabled(true))
	cfg, err := manager.Load()
	if err != nil {
		return err
	}

	base, level, err := logger.InitLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	wsLogger := logger.InitGlobalLogger(base)
	manager.Subscribe(func(next *config.Config) {
		if err := logger.SetLevel(level, next.Logging.Level); err != nil {
			slog.Warn("ignoring logging level change", "error", err)
			return
		}
		slog.Info("logging level updated", "level", level.Level().String())
	})
	if file := manager.ConfigFileUsed(); file != "" {
		slog.Info("config loaded", "file", file)
	}

	registry := module.DefaultRegistry()
	store, pool, err := openStore(ctx, cfg, registry)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	coord := session.NewCoordinator(store, registry, session.WithStoreTimeout(cfg.Storage.OperationTimeout))
	if restored, err := coord.Restore(ctx, store); err != nil {
		return fmt.Errorf("restore session slot: %w", err)
	} else if restored != nil {
		slog.Info("session slot restored", "session_id", restored.ID, "status", restored.Status)
	}

	stream := httpserver.NewSessionStream(coord)
	api := httpserver.NewAPIServer(httpserver.Config{
		Addr:               cfg.Server.HTTPAddr,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		EngineSecret:       cfg.Engine.ClientSecret,
	}, httpserver.Routes{
		Engine:    handlers.NewEngineHandler(coord),
		Dashboard: handlers.NewDashboardHandler(coord, session.NewHistory(store, store, registry), registry),
		System: handlers.NewSystemHandler(string(cfg.Storage.Backend), pool, coord, map[string]handlers.ClientCounter{
			"session": stream,
			"logs":    wsLogger.Hub(),
		}),
		SessionStream: stream,
		LogStream:     http.HandlerFunc(wsLogger.HandleWebSocket),
	})

	if cfg.Engine.ClientSecret == "" {
		slog.Warn("engine.client_secret is empty; engine endpoints are unauthenticated")
	}

	var lis net.Listener
	if cfg.Server.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsLogger.Run(gctx)
		return nil
	})
	g.Go(func() error {
		stream.Run(gctx)
		return nil
	})
	g.Go(api.Start)

	if lis != nil {
		engine := grpcserver.NewEngineServer(coord)
		grpcServer := grpcserver.NewServer(engine, cfg.Engine.ClientSecret)
		g.Go(func() error {
			slog.Info("starting gRPC engine server", "addr", lis.Addr().String())
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			engine.Shutdown()
			grpcserver.StopWithin(grpcServer, cfg.Server.ShutdownTimeout)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})

	logger.LogSuccess("system", "session hub started", "")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("session hub stopped")
	return nil
}

// openStore 按配置创建存储；postgres 后端同时返回连接池
func openStore(ctx context.Context, cfg *config.Config, registry *module.Registry) (sessionStore, *pgxpool.Pool, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool, registry)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		for _, u := range seedUsers(cfg.Storage.SeedUsers) {
			if err := store.UpsertUser(ctx, u); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("seed user %s: %w", u.ID, err)
			}
		}
		return store, pool, nil
	default:
		return memory.New(seedUsers(cfg.Storage.SeedUsers)...), nil, nil
	}
}

func seedUsers(seeds []config.SeedUser) []session.User {
	users := make([]session.User, 0, len(seeds))
	for _, s := range seeds {
		users = append(users, session.User{ID: s.ID, Name: s.Name, Email: s.Email, MobileNo: s.MobileNo})
	}
	return users
}
