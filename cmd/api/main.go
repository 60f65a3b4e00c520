package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"dicegame-backend/internal/config"
	"dicegame-backend/internal/handlers"
	"dicegame-backend/internal/logging"
	"dicegame-backend/internal/middleware"
	"dicegame-backend/internal/models"
	"dicegame-backend/internal/services"
	"dicegame-backend/internal/simchain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetupJSON(cfg.LogLevel)

	redisService, err := services.NewRedisService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisService.Close()

	serverSeed, err := resolveServerSeed(cfg)
	if err != nil {
		return err
	}

	chain := simchain.New(redisService.Client(), serverSeed)
	genesis, err := simchain.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	if _, err := chain.Bootstrap(ctx, genesis); err != nil {
		return fmt.Errorf("bootstrap chain: %w", err)
	}

	jwtService := services.NewJWTService(cfg)

	hub := handlers.NewWebSocketHub(cfg.TokenDecimals)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	gameplay := services.NewGameplayService(chain, redisService, services.GameplayOptions{
		Decimals:    cfg.TokenDecimals,
		BoardTTL:    cfg.BoardCacheTTL,
		Broadcaster: hub,
	})

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gameplay.Sweep(cfg.SessionIdleTimeout)
			}
		}
	}()

	routes := &handlers.Routes{
		JWT:       jwtService,
		Redis:     redisService,
		Auth:      handlers.NewAuthHandler(redisService, jwtService),
		User:      handlers.NewUserHandler(redisService, gameplay, cfg.TokenDecimals),
		Game:      handlers.NewGameHandler(gameplay, cfg.TokenDecimals, chain.ServerSeedHash(), simchain.RollDice),
		WebSocket: handlers.NewWebSocketHandler(hub, gameplay),
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(), middleware.CORS())
	routes.Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		serr := srv.ListenAndServe()
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
			return
		}
		errCh <- nil
	}()

	slog.Info("API started", "port", cfg.Port, "env", cfg.Env, "server_hash", chain.ServerSeedHash())

	select {
	case <-ctx.Done():
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}
		return nil
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the hub closes them.
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// resolveServerSeed requires SERVER_SEED in production. Elsewhere a random
// seed is generated per process.
func resolveServerSeed(cfg *config.Config) (string, error) {
	if cfg.ServerSeed != "" {
		return cfg.ServerSeed, nil
	}
	if cfg.IsProduction() {
		return "", fmt.Errorf("%w: SERVER_SEED", config.ErrMissingRequired)
	}

	seed, err := models.GenerateClientSeed()
	if err != nil {
		return "", err
	}
	slog.Warn("SERVER_SEED not set, using a random seed for this process")
	return seed, nil
}
