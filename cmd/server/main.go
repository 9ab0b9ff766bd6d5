// Standalone server for the counseling chat service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/campuswell/counselchat"
	"github.com/campuswell/counselchat/internal/config"
	"github.com/campuswell/counselchat/internal/constants"
	"github.com/campuswell/counselchat/internal/util"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "counselchat: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := util.NewLogger(cfg.Log.Level)

	mongoClient, err := connectMongo(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := util.NewTimeoutContext(context.Background(), constants.DefaultContextTimeout)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to disconnect from MongoDB")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	svc, err := counselchat.Register(router, cfg, logger, mongoClient)
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	server := newHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), router)

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := util.NewTimeoutContext(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Service shutdown incomplete")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info().Msg("Server stopped")
	return nil
}

func connectMongo(cfg *config.Config, logger zerolog.Logger) (*mongo.Client, error) {
	ctx, cancel := util.NewTimeoutContext(context.Background(), cfg.Database.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Database.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	logger.Info().Str("database", cfg.Database.Database).Msg("Connected to MongoDB")
	return client, nil
}

// newHTTPServer applies production-safe timeout defaults.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}
