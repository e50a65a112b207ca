// main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vwr-system/config"
	"vwr-system/dispatch"
	"vwr-system/handlers"
	"vwr-system/monitoring"
	"vwr-system/security"
	"vwr-system/services"
	"vwr-system/utils"
)

func main() {
	// Load configuration; missing required secrets must prevent the process
	// from serving traffic at all.
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize monitoring
	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor(redisClient)
	}

	// Initialize services
	ledger := services.NewLedger(redisClient, cfg.PositionTTL)
	tokens := services.NewTokenService(cfg.TokenSecret, cfg.TokenTTL)
	admission := services.NewAdmissionService(ledger, tokens, cfg, monitor)
	advancer := services.NewAdvancer(ledger, cfg, monitor)

	// Initialize work dispatch
	backend := dispatch.NewBackendClient(cfg.BackendBaseURL, cfg.InternalAuthSecret, cfg.BackendTimeout)
	consumer := dispatch.NewConsumer(redisClient, backend, cfg, monitor)

	// Initialize handlers
	vwrHandler := handlers.NewVWRHandler(admission, cfg)
	edgeFilter := security.NewEdgeFilter(tokens, cfg.ProtectedPrefixes, cfg.BypassedPrefixes, cfg.WaitingRoomURL, monitor)

	// Create context for background tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the work dispatch consumer
	if err := consumer.EnsureGroup(ctx); err != nil {
		log.Fatalf("dispatch group setup failed: %v", err)
	}
	go consumer.Start(ctx)

	// Start the serving-counter advancer behind the asynq scheduler
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisURL, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	go startAdvancerServer(redisOpt, advancer)

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.AllowedOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, "x-queue-entry-token"},
	}))
	e.Use(edgeFilter.Middleware())

	setupRoutes(e, vwrHandler, cfg)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}

func setupRoutes(e *echo.Echo, vwrHandler *handlers.VWRHandler, cfg *config.Config) {
	// Waiting room endpoints
	e.POST("/vwr/assign/:eventId", vwrHandler.Assign)
	e.GET("/vwr/check/:eventId/:requestId", vwrHandler.Check)
	e.GET("/vwr/status/:eventId", vwrHandler.Status)

	// Operator endpoints
	e.POST("/vwr/admin/events/:eventId/activate", vwrHandler.ActivateEvent)
	e.POST("/vwr/admin/events/:eventId/deactivate", vwrHandler.DeactivateEvent)

	// Health check
	e.GET("/health", vwrHandler.Health)

	if cfg.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
}

// startAdvancerServer runs the asynq scheduler and worker that drive the
// serving-counter advancer: the scheduler fires one task per minute and the
// handler subdivides that minute into sub-cycles.
func startAdvancerServer(redisOpt asynq.RedisClientOpt, advancer *services.Advancer) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			// One advancement run at a time; overlap is safe behind the
			// ledger's conditional guard but wasteful.
			Concurrency: 1,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(services.TypeAdvanceServing, advancer.HandleAdvanceTask)

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("* * * * *", asynq.NewTask(services.TypeAdvanceServing, nil)); err != nil {
		log.Fatal("Scheduler registration failed:", err)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatal("Scheduler failed to start:", err)
		}
	}()

	if err := srv.Run(mux); err != nil {
		log.Fatal("Advancer server failed to start:", err)
	}
}
