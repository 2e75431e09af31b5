// Command aixgo runs the autonomous bot: it loads configuration from
// the environment, wires every pipeline component, subscribes to the
// configured relays, and serves the observability surface until it
// receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aixgo-dev/aixgo/internal/accounting"
	"github.com/aixgo-dev/aixgo/internal/aiclient"
	"github.com/aixgo-dev/aixgo/internal/breaker"
	"github.com/aixgo-dev/aixgo/internal/config"
	"github.com/aixgo-dev/aixgo/internal/dedup"
	"github.com/aixgo-dev/aixgo/internal/dispatcher"
	"github.com/aixgo-dev/aixgo/internal/domain"
	obstrace "github.com/aixgo-dev/aixgo/internal/observability"
	"github.com/aixgo-dev/aixgo/internal/processor"
	"github.com/aixgo-dev/aixgo/internal/profile"
	"github.com/aixgo-dev/aixgo/internal/ratelimit"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/relay/nostrrelay"
	"github.com/aixgo-dev/aixgo/internal/signer/nostrsigner"
	"github.com/aixgo-dev/aixgo/internal/store"
	"github.com/aixgo-dev/aixgo/internal/store/firestorestore"
	"github.com/aixgo-dev/aixgo/internal/store/redisstore"
	"github.com/aixgo-dev/aixgo/internal/workqueue"
	"github.com/aixgo-dev/aixgo/pkg/observability"
)

// Version is set via ldflags at build time.
var Version = "dev"

// maxHealthyQueueDepth is the queue-length ceiling the health check
// uses per spec.md §6: at or above it, /health reports unhealthy even
// if every other component looks fine.
const maxHealthyQueueDepth = 9000

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := obstrace.InitFromEnv(); err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obstrace.Shutdown(ctx)
	}()

	observability.InitMetrics()
	observability.SetVersion(Version)

	sign, err := nostrsigner.New(cfg.BotPrivateKey)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		os.Exit(1)
	}
	self := sign.PublicKey()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	eventSet := dedup.NewEventSet(dedup.EventIDCap)
	fingerprints := dedup.NewFingerprint(dedup.FingerprintTTL)

	limiter := ratelimit.New(cfg.RateLimitMaxTokens, cfg.RateLimitRefillRate)
	defer limiter.Stop()

	// The Dispatcher's Dispatch method is the Supervisor's event handler,
	// but the Dispatcher itself needs the Supervisor as its Publisher —
	// this closure breaks the construction cycle; it isn't invoked until
	// Run starts streaming, by which point disp is assigned below.
	var disp *dispatcher.Dispatcher
	startupSince := domain.Timestamp(time.Now().Unix())
	selfTag := map[string][]string{"p": {string(self)}}
	sup := relay.New(relay.Config{
		Dial: nostrrelay.Dial(sign),
		Filters: []domain.Filter{
			{Kinds: []domain.EventKind{domain.KindPrivateMessage}, Tags: selfTag, Since: startupSince},
			{Kinds: []domain.EventKind{domain.KindPublicPost}, Tags: selfTag, Since: startupSince},
			{Kinds: []domain.EventKind{domain.KindReceipt}, Tags: selfTag, Since: startupSince},
			{Kinds: []domain.EventKind{domain.KindBalanceQuery}, Tags: selfTag, Since: startupSince},
		},
		Handler:        func(evt *domain.Event) { disp.Dispatch(evt) },
		PublishTimeout: cfg.RelayPublishTimeout,
		Logger:         logger,
	})

	profiles := profile.New(st, sup, profile.Config{
		TTL:         cfg.UserMetadataCacheTTL,
		FastTimeout: cfg.UserMetadataFastTimeout,
	})

	acct := accounting.New(st, sup, self, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ai, err := aiclient.New(ctx, aiclient.Config{
		APIKey:                   cfg.GeminiAPIKey,
		BotName:                  cfg.BotName,
		EnableSessionReuse:       cfg.EnableChatSessionReuse,
		MaxChatSessions:          cfg.MaxChatSessions,
		ChatTTL:                  cfg.ChatSessionTTL,
		EnableMemorySummary:      cfg.EnableMemorySummary,
		MemorySummaryMinMessages: cfg.MemorySummaryMinMessages,
	})
	if err != nil {
		logger.Error("ai client init failed", "error", err)
		os.Exit(1)
	}

	queue := workqueue.New(workqueue.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxQueueSize:  cfg.MaxQueueSize,
		TaskTimeout:   cfg.QueueTimeout,
	})

	proc := processor.New(processor.Config{
		Self:          self,
		Store:         st,
		Signer:        sign,
		Profiles:      profiles,
		Fingerprints:  fingerprints,
		Accounting:    acct,
		AI:            ai,
		Publisher:     sup,
		ResponseDelay: cfg.BotResponseDelay,
		Logger:        logger,
	})
	defer proc.Stop()

	disp = dispatcher.New(dispatcher.Config{
		Self:       self,
		EventSet:   eventSet,
		Limiter:    limiter,
		Queue:      queue,
		Accounting: acct,
		Processor:  proc,
		Publisher:  sup,
		Signer:     sign,
		Logger:     logger,
	})

	var relayWG sync.WaitGroup
	for _, url := range cfg.NostrRelays {
		relayWG.Add(1)
		go func(url string) {
			defer relayWG.Done()
			sup.Run(ctx, url)
		}(url)
	}

	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(&observability.HealthCheck{
		Name:     "pipeline",
		Critical: true,
		CheckFunc: func(context.Context) error {
			stats := queue.Stats()
			if stats.QueueLen >= maxHealthyQueueDepth {
				return fmt.Errorf("queue depth %d at or above limit %d", stats.QueueLen, maxHealthyQueueDepth)
			}
			if ai.BreakerState() == breaker.Open {
				return fmt.Errorf("ai breaker open")
			}
			return nil
		},
	})

	startedAt := time.Now()
	obsServer := observability.NewServer(cfg.WebPort, cfg.DashboardPassword, func() any {
		qstats := queue.Stats()
		calls, aiErrors, fallbacks := ai.Stats()
		return map[string]any{
			"uptime_seconds": time.Since(startedAt).Seconds(),
			"version":        Version,
			"dispatcher":     disp.Stats(),
			"queue":          qstats,
			"rate_limiter":   map[string]any{"tracked_principals": limiter.BucketCount()},
			"ai": map[string]any{
				"calls":          calls,
				"errors":         aiErrors,
				"fallbacks":      fallbacks,
				"breaker_state":  int(ai.BreakerState()),
				"chat_sessions":  ai.ChatSessionCount(),
			},
			"processor_errors": proc.Errors(),
			"relays":           sup.HealthSnapshot(),
		}
	})

	errChan := make(chan error, 2)
	go func() {
		logger.Info("starting observability server", "port", cfg.WebPort)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("observability server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("fatal component error", "error", err)
	case <-quit:
		logger.Info("shutdown signal received")
	}

	cancel() // stop relay subscriptions

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown incomplete", "error", err)
	}
	relayWG.Wait()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability server shutdown error", "error", err)
	}

	logger.Info("aixgo stopped")
}

// openStore constructs the configured store.Store backend along with
// its Close func.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "firestore":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		be, err := firestorestore.New(ctx, firestorestore.Config{ProjectID: cfg.FirestoreProject})
		if err != nil {
			return nil, nil, fmt.Errorf("firestore: %w", err)
		}
		return be, func() { _ = be.Close() }, nil
	default:
		be, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return be, func() { _ = be.Close() }, nil
	}
}
