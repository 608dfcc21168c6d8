package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-tracker/api"
	"task-tracker/domain"
	"task-tracker/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	shutdownTracing := setupTracing()

	store, err := storage.New(cfg.StorageConnStr, cfg.TasksTable, cfg.UsersTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	board, err := domain.LoadBoardConfig(cfg.BoardConfigPath)
	if err != nil {
		log.Fatalf("board: %v", err)
	}

	rc := redis.NewClient(redisOptions(cfg.RedisConnStr))
	defer rc.Close()
	deduper := api.NewRedisDeduper(rc, cfg.DeduperTTL)

	taskCfg := domain.TaskServiceConfig{Board: board, Retries: cfg.UpdateRetries}
	if cfg.ActivityQueue != "" {
		q, err := storage.NewActivityQueue(cfg.StorageConnStr, cfg.ActivityQueue)
		if err != nil {
			log.Fatalf("activity queue: %v", err)
		}
		taskCfg.Publisher = q
	}
	if cfg.AttachmentsContainer != "" {
		blobs, err := storage.NewBlobStore(cfg.StorageConnStr, cfg.AttachmentsContainer)
		if err != nil {
			log.Fatalf("attachments: %v", err)
		}
		taskCfg.Blobs = blobs
	} else {
		log.Info("ATTACHMENTS_CONTAINER not set, attachments disabled")
	}
	tasks := domain.NewTaskService(storage.NewCache(store, rc, cfg.TasksCacheTTL), taskCfg)
	users := domain.NewUserService(store)

	authCfg := api.AuthConfig{
		Audience:    cfg.AuthAudience,
		LocalSecret: []byte(cfg.LocalSecret),
		TokenTTL:    cfg.TokenTTL,
		KeyCacheTTL: cfg.JWKSCacheTTL,
		RoleClaim:   cfg.RoleClaim,
	}
	if cfg.AuthDomain != "" {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		authCfg.JWKS = jwks
		authCfg.Issuer = "https://" + cfg.AuthDomain + "/"
	}
	auth, err := api.NewAuth(authCfg)
	if err != nil {
		log.Fatal(err)
	}
	defer auth.Close()
	var issuer api.TokenIssuer
	if cfg.LocalSecret != "" {
		issuer = auth
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(log.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware())
	e.Use(echoprometheus.NewMiddleware("task_tracker"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Deps{
		Tasks:   tasks,
		Users:   users,
		Auth:    auth,
		Issuer:  issuer,
		Deduper: deduper,
		Health:  []api.HealthChecker{deduper},
		Logger:  logger,
	})

	go func() {
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Errorf("tracing shutdown: %v", err)
	}
}
