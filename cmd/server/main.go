package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codeclash/internal/cache"
	"codeclash/internal/config"
	"codeclash/internal/repository"
	"codeclash/internal/sandbox"
	"codeclash/internal/service"
	"codeclash/internal/state"
	"codeclash/internal/transport/rest"
	"codeclash/internal/transport/ws"
)

func main() {
	log.Println("started")
	ctx := context.Background()

	cfg := config.Load()

	// MongoDB connection
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer mongoClient.Disconnect(ctx)

	// Ping MongoDB
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		log.Fatal("Failed to ping MongoDB:", err)
	}
	log.Println("Connected to MongoDB")

	db := mongoClient.Database(cfg.MongoDB)

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	// The cache tier is optional: a dead Redis degrades to memory+durable.
	var battleCache cache.BattleCache
	var leaderboard cache.LeaderboardCache
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Printf("Warning: Redis unavailable, running without cache tier: %v", err)
	} else {
		log.Println("Connected to Redis")
		battleCache = cache.NewBattleCache(rdb, cfg.BattleStateTTL)
		leaderboard = cache.NewLeaderboardCache(rdb)
	}

	// Initialize WebSocket hub
	wsHub := ws.NewHub()
	log.Println("WebSocket hub started")

	// Initialize repositories
	roomRepo := repository.NewRoomRepo(db)
	subRepo := repository.NewSubmissionRepo(db)
	problemRepo := repository.NewProblemRepo(db)

	// Initialize the live state store and its reconciler
	store := state.NewStore(roomRepo, subRepo, battleCache, leaderboard)
	rec := state.NewReconciler(store, roomRepo, subRepo, state.ReconcilerConfig{
		QuietPeriod:   cfg.DebounceQuiet,
		MaxRetries:    cfg.WriteRetries,
		RetryBackoff:  cfg.RetryBackoff,
		SweepInterval: cfg.SweepInterval,
		IdleThreshold: cfg.IdleThreshold,
	})
	store.AttachReconciler(rec)

	recCtx, recCancel := context.WithCancel(ctx)
	defer recCancel()
	go rec.Run(recCtx)

	// Initialize sandboxes
	scriptRunner := sandbox.NewScriptRunner(cfg.ScriptTimeout)
	var containerRunner sandbox.ContainerRunner
	dockerRunner, err := sandbox.NewDockerRunner(
		cfg.SandboxMemoryMB, cfg.SandboxCPUQuota, cfg.SandboxPidsLimit,
		cfg.SandboxTimeout, cfg.MaxResultBytes,
	)
	if err != nil {
		log.Printf("Warning: Docker unavailable, container languages disabled: %v", err)
	} else {
		containerRunner = dockerRunner
	}

	// Initialize services
	authSvc := service.NewAuthService(cfg.HostUsername, cfg.HostPassword, cfg.JWTSecret)
	evaluator := service.NewEvaluatorService(scriptRunner, containerRunner, cfg.SandboxImage, service.EvalLimits{
		MaxSourceBytes: cfg.MaxSourceBytes,
		MaxArgBytes:    cfg.MaxArgBytes,
		MaxResultBytes: cfg.MaxResultBytes,
	})
	scoring := service.NewScoringService()
	battleSvc := service.NewBattleService(
		store, rec, roomRepo, problemRepo, scoring, evaluator, leaderboard,
		cfg.MaxParticipants, cfg.DefaultMinutes, cfg.BattleStateTTL,
	)

	// Inject broadcaster (wsHub implements service.Broadcaster)
	battleSvc.SetBroadcaster(wsHub)

	// Create router with container
	container := &rest.Container{
		AuthService:   authSvc,
		BattleService: battleSvc,
		WSHub:         wsHub,
	}

	router := rest.NewRouter(container)

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on :%s", cfg.HTTPPort)
		log.Println("Endpoints:")
		log.Println("  POST /v1/auth/login")
		log.Println("  POST /v1/rooms")
		log.Println("  POST /v1/rooms/{code}/join")
		log.Println("  POST /v1/rooms/{id}/start")
		log.Println("  POST /v1/rooms/{id}/submit")
		log.Println("  POST /v1/rooms/{id}/end")
		log.Println("  GET  /v1/rooms/{id}/lobby")
		log.Println("  GET  /v1/rooms/{id}/leaderboard")
		log.Println("  WS   /v1/ws/rooms/{id}/host")
		log.Println("  WS   /v1/ws/rooms/{id}/participant")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ListenAndServe:", err)
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}
