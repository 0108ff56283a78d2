package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/risk-engine/core/internal/config"
	"github.com/risk-engine/core/services"
	"github.com/risk-engine/core/workers"
)

func main() {
	log.Println("Starting risk-engine workers...")

	configPath := os.Getenv("RISK_ENGINE_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}
	if config.App.RedisURL == "" {
		log.Fatal("REDIS_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Consistent time handling across workers.
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("Connected to database")

	redisOpts, err := redis.ParseURL(config.App.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}

	log.Println("Connected to redis")

	incidentService := services.NewIncidentService(pg)
	coordService := services.NewCoordinationService(rdb)
	notifier := services.NewNotifier(rdb, config.App.EventStreamName)
	queue := services.NewAnomalyQueue(pg, config.App.AnomalyQueueName, time.Duration(config.App.QueueVisibilityTimeoutSecs)*time.Second)

	anomalyWorker := workers.NewAnomalyWorker(queue, incidentService, coordService, notifier, config.App)
	sweeper := workers.NewSweeperWorker(incidentService, coordService, notifier, config.App)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		anomalyWorker.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Start(ctx)
	}()

	go startHealthServer(pg, rdb)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Workers started. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down workers...")
	cancel()
	wg.Wait()
}

// startHealthServer exposes liveness plus dependency checks for the deploy's
// probes.
func startHealthServer(pg *sql.DB, rdb *redis.Client) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		health := gin.H{
			"status":    "ok",
			"service":   "worker-anomaly",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}

		if err := pg.Ping(); err != nil {
			status = http.StatusServiceUnavailable
			health["status"] = "degraded"
			health["database"] = err.Error()
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			status = http.StatusServiceUnavailable
			health["status"] = "degraded"
			health["redis"] = err.Error()
		}

		c.JSON(status, health)
	})

	addr := ":" + config.App.Port
	log.Printf("Health server listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Printf("Health server stopped: %v", err)
	}
}
