package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursechat/backend/internal/audit"
	"github.com/coursechat/backend/internal/block"
	"github.com/coursechat/backend/internal/chat"
	"github.com/coursechat/backend/internal/config"
	"github.com/coursechat/backend/internal/conn"
	"github.com/coursechat/backend/internal/gate"
	"github.com/coursechat/backend/internal/generate"
	"github.com/coursechat/backend/internal/mirror"
	"github.com/coursechat/backend/internal/ratelimit"
	"github.com/coursechat/backend/internal/relay"
	"github.com/coursechat/backend/internal/retry"
	"github.com/coursechat/backend/internal/server"
	"github.com/coursechat/backend/internal/session"
	"github.com/coursechat/backend/internal/sweep"
)

func main() {
	log.Println("Starting course chat server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Redis session store ---
	store, err := session.NewRedisStore(cfg.RedisAddr, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer store.Close()

	// --- backup mirror ---
	strategy := mirror.SharedFile
	if cfg.MirrorPerUser {
		strategy = mirror.PerUserFile
	}
	m, err := mirror.New(cfg.MirrorPath, strategy)
	if err != nil {
		log.Fatalf("failed to open mirror at %s: %v", cfg.MirrorPath, err)
	}
	defer m.Close()

	registry := conn.NewRegistry()
	sessions := session.NewManager(store, registry, m)

	// --- generator ---
	gen := generate.NewClient(generate.ClientConfig{
		URL:          cfg.GeneratorURL,
		APIKey:       cfg.GeneratorKey,
		Model:        cfg.GeneratorModel,
		SystemPrompt: cfg.GeneratorPrompt,
	})

	// --- relay (only built when dispatch is relayed) ---
	var relayClient *relay.Client
	if cfg.Dispatch == config.DispatchRelayed {
		policy := retry.Policy{Attempts: cfg.RelayAttempts, Backoff: cfg.RelayBackoff}

		switch cfg.RelayTransport {
		case config.RelayNATS:
			natsCfg := relay.DefaultNATSConfig()
			natsCfg.URL = cfg.NATSURL
			bus, err := relay.NewNATSRelay(natsCfg)
			if err != nil {
				log.Fatalf("failed to connect relay to NATS: %v", err)
			}
			defer bus.Close()
			relayClient = relay.NewClient(bus, bus, policy, cfg.RelayTimeout)
		default:
			producer := relay.NewHTTPProducer(cfg.ProducerURL, nil)
			consumer := relay.NewHTTPConsumer(cfg.ConsumerURL, nil)
			relayClient = relay.NewClient(producer, consumer, policy, cfg.RelayTimeout)
		}
	}

	// --- audit store (optional) ---
	var auditor chat.Auditor
	if cfg.AuditDBURL != "" {
		auditStore, err := audit.Open(cfg.AuditDBURL)
		if err != nil {
			log.Fatalf("failed to open audit store: %v", err)
		}
		defer auditStore.Close()
		auditor = auditStore
	} else {
		log.Println("[main] AUDIT_DB_URL not set, flagged-query auditing disabled")
	}

	turns := chat.New(sessions, gate.NewListFilter(nil), gen, relayClient, auditor, chat.Options{
		Dispatch:     cfg.Dispatch,
		ContextTurns: cfg.ContextTurns,
		WindowSize:   cfg.WindowSize,
	})
	turns.SetBlocker(block.NewStore(store.Client()))

	limiter := ratelimit.NewLimiter(store.Client())

	srv := server.New(cfg, sessions, turns, limiter)

	// --- background sweeper ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := sweep.New(sessions, registry, store, cfg.SweepInterval)
	sweeper.OnDelete(turns.DropWindow)
	go sweeper.Run(ctx)

	log.Printf("  listen_addr:    %s", cfg.ListenAddr)
	log.Printf("  redis_addr:     %s", cfg.RedisAddr)
	log.Printf("  session_ttl:    %s", cfg.SessionTTL)
	log.Printf("  idle_timeout:   %s", cfg.IdleTimeout)
	log.Printf("  dispatch:       %s", cfg.Dispatch)
	log.Printf("  on_error:       %s", cfg.OnError)
	if cfg.Dispatch == config.DispatchRelayed {
		log.Printf("  relay:          %s", cfg.RelayTransport)
	}
	log.Printf("  mirror:         %s (per_user=%v)", cfg.MirrorPath, cfg.MirrorPerUser)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server: %v", err)
		}
	}()

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("course chat server stopped")
}
