package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/4xmen/hamgam/internal/auth"
	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/handlers"
	"github.com/4xmen/hamgam/internal/logging"
	"github.com/4xmen/hamgam/internal/ws"
	"github.com/4xmen/hamgam/pkg/config"
	"github.com/4xmen/hamgam/pkg/i18n"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

var __ = i18n.Translate

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		if err := runCommand(cfg, logger, os.Args[1:]); err != nil {
			logger.Fatal("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		}
		return
	}

	if err := runServer(cfg, logger); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}

func runCommand(cfg *config.Config, logger *zap.Logger, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "token":
		return runToken(cfg, os.Stdout, args[1:])
	case "purge-typing":
		return runPurgeTyping(cfg, os.Stdout, args[1:])
	case "watch":
		return runWatch(cfg, logger, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  hamgam [serve]                 Start the realtime server")
	fmt.Fprintln(out, "  hamgam status [--json]         Show store statistics")
	fmt.Fprintln(out, "  hamgam token <user-id> [--ttl 24h]")
	fmt.Fprintln(out, "                                 Print a signed client token")
	fmt.Fprintln(out, "  hamgam purge-typing [--dry-run] [--database path]")
	fmt.Fprintln(out, "                                 Remove typing flags left by a crash (server stopped)")
	fmt.Fprintln(out, "  hamgam watch --user <id> [--server url] [--token t]")
	fmt.Fprintln(out, "                                 Follow a user's friends and unread counts")
}

type server struct {
	store *db.DB
	hub   *ws.Hub
	auth  *auth.Service
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	sugar := logger.Sugar()
	database, err := db.New(cfg.DatabasePath, sugar.Named("db"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &server{
		store: database,
		hub:   ws.NewHub(database, sugar.Named("ws")),
		auth:  auth.NewWithTokenTTL(cfg.JWTSecret, cfg.TokenTTL),
	}
	hubDone := make(chan struct{})
	go func() {
		srv.hub.Run(ctx)
		close(hubDone)
	}()

	router, err := newRouter(cfg, logger, srv)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", httpServer.Addr), zap.String("environment", cfg.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("failed to shut down: %w", err)
	}

	// Sessions run their disconnect actions before the store closes.
	stop()
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out closing websocket sessions")
	}
	return serveErr
}

func newRouter(cfg *config.Config, logger *zap.Logger, srv *server) (*gin.Engine, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	rate, err := limiter.NewRateFromFormatted(cfg.WSRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket rate limit %q: %w", cfg.WSRateLimit, err)
	}
	wsLimiter := limiter.New(memory.NewStore(), rate)

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(serverErrorLogger(logger))
	router.Use(panicRecovery(logger))
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	authHandler := handlers.NewAuthHandler(srv.auth)
	dataHandler := handlers.NewDataHandler(srv.store, srv.hub, logger.Sugar().Named("handlers"))

	protected := router.Group("/api")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/data/*path", dataHandler.GetData)
		protected.GET("/stats", dataHandler.GetStats)
	}

	router.GET("/ws", rateLimitMiddleware(wsLimiter), authHandler.AuthMiddleware(), srv.hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": srv.hub.SessionCount()})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	return router, nil
}

func corsConfig(origins string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}

	var list []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			list = append(list, o)
		}
	}
	if len(list) == 0 || (len(list) == 1 && list[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = list
	cfg.AllowCredentials = true
	return cfg
}
