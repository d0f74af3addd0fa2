package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/pagerloop/pagerloop/internal/config"
	"github.com/pagerloop/pagerloop/services"
	"github.com/pagerloop/pagerloop/workers"
)

func main() {
	log.Println("Starting workers...")

	configPath := os.Getenv("PAGERLOOP_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("Connected to database")

	var rdb *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("Warning: Redis unreachable, notification worker idle: %v", err)
		}
	}

	// Initialize services
	notifier := services.NewRedisNotificationSender(rdb, config.App.NotificationQueue)
	rotationService := services.NewRotationService(pg)
	scheduleService := services.NewScheduleService(pg, rotationService)
	groupService := services.NewGroupService(pg)
	escalationService := services.NewEscalationService(pg, scheduleService, groupService, notifier)

	pollInterval := time.Duration(config.App.EscalationPollSeconds) * time.Second
	escalationWorker := workers.NewEscalationWorker(pg, escalationService, pollInterval)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		escalationWorker.Start()
	}()

	var notificationWorker *workers.NotificationWorker
	if rdb != nil {
		notificationWorker = workers.NewNotificationWorker(rdb, config.App.NotificationQueue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			notificationWorker.Start()
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Workers started. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down workers...")
	escalationWorker.Stop()
	if notificationWorker != nil {
		notificationWorker.Stop()
	}
	wg.Wait()
}
