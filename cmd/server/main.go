package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/campaign"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/events"
	"github.com/ignite/audience-engine/internal/mail"
	"github.com/ignite/audience-engine/internal/scheduler"
	"github.com/ignite/audience-engine/internal/scoring"
	"github.com/ignite/audience-engine/internal/segment"
	"github.com/ignite/audience-engine/internal/subscriber"
	"github.com/ignite/audience-engine/internal/template"
	"github.com/ignite/audience-engine/internal/token"
	"github.com/ignite/audience-engine/internal/web"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, continuing without member-set mirror: %v", err)
			rdb = nil
		}
	}

	// Stores and core engines.
	subscriberStore := subscriber.NewStore(db)
	builder := subscriber.NewBuilder(subscriberStore)
	subscriberService := subscriber.NewService(subscriberStore, cfg.Privacy.AnonymizeSalt)

	segmentStore := segment.NewStore(db)
	resolver := segment.NewResolver(segmentStore, builder, rdb)

	scoringEngine := scoring.NewEngine(builder, subscriberStore, scoring.DefaultWeights())

	templateStore := template.NewStore(db)
	renderer := template.NewRenderer()

	sender, err := mail.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		log.Fatalf("Failed to initialize SES sender: %v", err)
	}

	tokens := token.NewService(cfg.Tokens.Secret)
	tracking := campaign.NewTrackingBuilder(tokens, cfg.Sender.BaseURL)

	campaignStore := campaign.NewStore(db)
	audience := campaign.NewAudienceResolver(resolver, subscriberStore)
	campaignEngine := campaign.NewEngine(
		campaignStore, audience, subscriberStore, templateStore, renderer,
		sender, tracking, cfg.Sender.FromName, cfg.Sender.FromEmail,
	)

	automationStore := automation.NewStore(db)
	automationEngine := automation.NewEngine(automationStore, subscriberService, resolver, builder, campaignEngine)

	eventService := events.NewService(automationEngine, scoringEngine, subscriberService)

	// Background tasks.
	sched := scheduler.New(
		scheduler.Task{Name: "automation-tick", Every: cfg.Scheduler.AutomationTick(), Run: automationEngine.Tick},
		scheduler.Task{Name: "inactivity-sweep", Every: cfg.Scheduler.InactivitySweep(), Run: automationEngine.SweepInactivity},
		scheduler.Task{Name: "campaign-dispatch", Every: cfg.Scheduler.CampaignDispatch(), Run: campaignEngine.DispatchDue},
		scheduler.Task{Name: "segment-refresh", Every: cfg.Scheduler.SegmentRefresh(), Run: resolver.ResolveAll},
		scheduler.Task{Name: "score-recompute", Every: cfg.Scheduler.ScoreRecompute(), Run: scoringEngine.RecomputeAll},
	)
	sched.Start()

	handler := web.NewHandler(tokens, subscriberService, campaignEngine, eventService, os.Getenv("WEBHOOK_SECRET"))
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
