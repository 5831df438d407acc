package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fedreg/adapters/api"
	"fedreg/internal"
	"fedreg/internal/config"
	"fedreg/internal/container"
	"fedreg/internal/phase"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := internal.NewLogger(internal.ParseLogLevel(appConfig.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appContainer, err := container.New(appConfig, logger)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}
	cacheDir := appConfig.Cache.Dir
	if cacheDir == "" {
		cacheDir = "cache"
	}
	if err := appContainer.InitCoordinator(ctx, cacheDir); err != nil {
		log.Fatalf("Failed to initialize coordinator: %v", err)
	}
	defer appContainer.Shutdown(context.Background())

	localDispatcher, err := appContainer.Dispatcher(phase.RoleLocal)
	if err != nil {
		log.Fatalf("Failed to create local dispatcher: %v", err)
	}
	remoteDispatcher, err := appContainer.Dispatcher(phase.RoleRemote)
	if err != nil {
		log.Fatalf("Failed to create remote dispatcher: %v", err)
	}

	events := api.NewEventHub(logger)
	defer events.Close()

	gin.SetMode(appConfig.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewPhaseHandler(localDispatcher, remoteDispatcher, events, logger).Register(router)

	server := &http.Server{
		Addr:              ":" + appConfig.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("fedreg listening on :%s (strategy=%s, cache=%s)", appConfig.Server.Port, appConfig.Protocol.Strategy, appConfig.Cache.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
}
