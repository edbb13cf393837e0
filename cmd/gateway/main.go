package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/thryfted-gateway/internal/adapter/cache"
	"github.com/smallbiznis/thryfted-gateway/internal/config"
	httptransport "github.com/smallbiznis/thryfted-gateway/internal/http"
	"github.com/smallbiznis/thryfted-gateway/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/thryfted-gateway/internal/http/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/jwt"
	apimiddleware "github.com/smallbiznis/thryfted-gateway/internal/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/proxy"
	"github.com/smallbiznis/thryfted-gateway/internal/server"
	"github.com/smallbiznis/thryfted-gateway/internal/service"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

func main() {
	fx.New(options()).Run()
}

func options() fx.Option {
	return fx.Options(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			telemetry.NewRegistry,
			telemetry.NewMetrics,
			newRedisClient,
			cacheadapter.NewClient,
			newSnapshotStore,
			newVerifier,
			newRateLimiter,
			newAuthMiddleware,
			proxy.NewTable,
			proxy.NewPipeline,
			newDispatcher,
			newHealthService,
			handler.NewHealthHandler,
			newSessionHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(useTelemetry, logRoutes, startHTTPServer),
	)
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

// newRedisClient fails startup when the cache cannot be reached.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newSnapshotStore(client *cacheadapter.Client, cfg config.Config) *cacheadapter.SnapshotStore {
	return cacheadapter.NewSnapshotStore(client, cfg.UserCacheTTL)
}

func newVerifier(client *cacheadapter.Client, cfg config.Config, logger *zap.Logger) *jwt.Verifier {
	return jwt.NewVerifier([]byte(cfg.JWTSecret), client, logger)
}

func newRateLimiter(client *cacheadapter.Client, cfg config.Config, logger *zap.Logger, metrics *telemetry.Metrics) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(client, cfg, logger, metrics)
}

func newAuthMiddleware(verifier *jwt.Verifier, snapshots *cacheadapter.SnapshotStore, logger *zap.Logger, metrics *telemetry.Metrics) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(verifier, snapshots, logger, metrics)
}

func newDispatcher(lc fx.Lifecycle, cfg config.Config, table *proxy.Table, pipeline *proxy.Pipeline, logger *zap.Logger, metrics *telemetry.Metrics) *proxy.Dispatcher {
	dispatcher := proxy.NewDispatcher(cfg, table, pipeline, logger, metrics)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			dispatcher.Close()
			return nil
		},
	})
	return dispatcher
}

func newHealthService(client *cacheadapter.Client, cfg config.Config, logger *zap.Logger) *service.HealthService {
	return service.NewHealthService(client, cfg, logger)
}

func newSessionHandler(verifier *jwt.Verifier, snapshots *cacheadapter.SnapshotStore, dispatcher *proxy.Dispatcher, logger *zap.Logger) *handler.SessionHandler {
	return handler.NewSessionHandler(verifier, snapshots, dispatcher, logger)
}

func logRoutes(table *proxy.Table, cfg config.Config, logger *zap.Logger) {
	logger.Info("gateway configured",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.HTTPPort),
		zap.String("rate_limit_failure_mode", cfg.RateLimitFailureMode),
	)
	for _, route := range table.Routes() {
		logger.Info("route",
			zap.String("prefix", route.Prefix),
			zap.String("rewrite", route.Rewrite),
			zap.String("service", route.Service.Name),
			zap.String("url", route.Service.URL),
			zap.String("auth", route.Policy),
			zap.Bool("websocket", route.WebSocket),
		)
	}
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("api gateway listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
