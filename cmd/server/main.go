package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"helpdesk/assets/internal/config"
	"helpdesk/assets/internal/db"
	"helpdesk/assets/internal/directory"
	helpdeskgrpc "helpdesk/assets/internal/grpc"
	internalhttp "helpdesk/assets/internal/http"
	"helpdesk/assets/internal/jobs"
	"helpdesk/assets/internal/kv"
	"helpdesk/assets/internal/logger"
	"helpdesk/assets/internal/repository"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Debug: cfg.LogDebug}); err != nil {
		logger.Fatal().Err(err).Msg("logger init failed")
	}
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()

	base := db.NewStore(pool)
	if cfg.AutoMigrate {
		if err := base.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("db migration failed")
		}
		log.Info().Msg("db schema applied")
	}
	store := repository.NewStore(base, cfg.CredentialsRPCName)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Warn().Err(err).Msg("redis close error")
			}
		}()
	}
	guard := kv.NewGuard(redisClient, "helpdesk")

	server := internalhttp.NewServer(cfg, store, guard)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken != "" {
		serviceAuthInterceptor, err := helpdeskgrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
		if err != nil {
			log.Fatal().Err(err).Msg("grpc service auth init failed")
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
		helpdeskgrpc.RegisterDirectoryServiceServer(grpcServer, helpdeskgrpc.NewDirectoryServer(directory.NewService(store)))
		helpdeskgrpc.RegisterHealth(grpcServer)
	} else {
		log.Warn().Msg("grpc disabled: SERVICE_AUTH_TOKEN not set")
	}

	syncer := jobs.NewDeviceSyncer(directory.NewService(store), store, guard, cfg.DeviceSyncTimeout)
	jobs.StartDeviceSyncJob(ctx, cfg, syncer)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("helpdesk http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if grpcServer != nil {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("grpc listen error")
			}
			log.Info().Str("addr", cfg.GRPCAddr).Msg("helpdesk grpc listening")
			if err := grpcServer.Serve(listener); err != nil {
				log.Fatal().Err(err).Msg("grpc server error")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}
