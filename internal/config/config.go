// Package config loads runtime configuration from the environment.
// Every field has a production default; individual env vars override
// single fields. A .env file in the working directory is loaded first
// when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Dispatch selects how a turn's answer is produced.
type Dispatch string

const (
	// DispatchDirect calls the response generator in-process.
	DispatchDirect Dispatch = "direct"
	// DispatchRelayed drives the turn through the producer/consumer relay.
	DispatchRelayed Dispatch = "relayed"
)

// OnError selects what happens to a WebSocket connection after a
// mid-turn failure has been reported to the client.
type OnError string

const (
	OnErrorContinue  OnError = "continue"
	OnErrorTerminate OnError = "terminate"
)

// RelayTransport selects the relay bus implementation.
type RelayTransport string

const (
	RelayHTTP RelayTransport = "http"
	RelayNATS RelayTransport = "nats"
)

// Config holds all tunable parameters for the chat server.
type Config struct {
	ListenAddr  string        // address for the HTTP/WebSocket listener
	RedisAddr   string        // primary session store
	SessionTTL  time.Duration // expiry applied to session and index records
	IdleTimeout time.Duration // WebSocket read deadline between client queries

	SweepInterval time.Duration // cleanup sweeper period

	Dispatch     Dispatch // direct | relayed
	OnError      OnError  // continue | terminate
	ContextTurns int      // trailing turns passed to the generator
	WindowSize   int      // rolling in-memory window, in role/content entries

	RelayTransport RelayTransport // http | nats
	ProducerURL    string         // HTTP relay producer base URL
	ConsumerURL    string         // HTTP relay consumer base URL
	NATSURL        string         // NATS relay server URL
	RelayAttempts  int            // attempts per relay network phase
	RelayBackoff   time.Duration  // base backoff between relay attempts
	RelayTimeout   time.Duration  // per-attempt relay call timeout

	MirrorPath    string // backup mirror file (or directory when per-user)
	MirrorPerUser bool   // one mirror file per user instead of one shared file

	AuditDBURL string // Postgres DSN for the flagged-query audit store; empty disables

	GeneratorURL    string // chat-completions endpoint
	GeneratorKey    string // API key for the generator
	GeneratorModel  string // model name
	GeneratorPrompt string // optional system prompt override
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		RedisAddr:      "localhost:6379",
		SessionTTL:     24 * time.Hour,
		IdleTimeout:    300 * time.Second,
		SweepInterval:  60 * time.Second,
		Dispatch:       DispatchDirect,
		OnError:        OnErrorContinue,
		ContextTurns:   5,
		WindowSize:     20,
		RelayTransport: RelayHTTP,
		ProducerURL:    "http://localhost:8500",
		ConsumerURL:    "http://localhost:8001",
		NATSURL:        "nats://localhost:4222",
		RelayAttempts:  3,
		RelayBackoff:   2 * time.Second,
		RelayTimeout:   10 * time.Second,
		MirrorPath:     "chat_history.json",
		GeneratorURL:   "https://api.mistral.ai/v1/chat/completions",
		GeneratorModel: "mistral-small-latest",
	}
}

// Load builds a Config from defaults plus environment overrides.
func Load() (Config, error) {
	// Missing .env is the common case in production.
	_ = godotenv.Load()

	cfg := Default()

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setSeconds(&cfg.SessionTTL, "SESSION_TTL")
	setSeconds(&cfg.IdleTimeout, "IDLE_TIMEOUT")
	setSeconds(&cfg.SweepInterval, "SWEEP_INTERVAL")
	setInt(&cfg.ContextTurns, "CONTEXT_TURNS")
	setInt(&cfg.WindowSize, "HISTORY_WINDOW")
	setString(&cfg.ProducerURL, "PRODUCER_URL")
	setString(&cfg.ConsumerURL, "CONSUMER_URL")
	setString(&cfg.NATSURL, "NATS_URL")
	setInt(&cfg.RelayAttempts, "RELAY_ATTEMPTS")
	setSeconds(&cfg.RelayBackoff, "RELAY_BACKOFF")
	setSeconds(&cfg.RelayTimeout, "RELAY_TIMEOUT")
	setString(&cfg.MirrorPath, "MIRROR_PATH")
	setBool(&cfg.MirrorPerUser, "MIRROR_PER_USER")
	setString(&cfg.AuditDBURL, "AUDIT_DB_URL")
	setString(&cfg.GeneratorURL, "GENERATOR_URL")
	setString(&cfg.GeneratorKey, "GENERATOR_API_KEY")
	setString(&cfg.GeneratorModel, "GENERATOR_MODEL")
	setString(&cfg.GeneratorPrompt, "GENERATOR_PROMPT")

	if v := os.Getenv("DISPATCH_MODE"); v != "" {
		switch Dispatch(v) {
		case DispatchDirect, DispatchRelayed:
			cfg.Dispatch = Dispatch(v)
		default:
			return cfg, fmt.Errorf("config: invalid DISPATCH_MODE %q", v)
		}
	}
	if v := os.Getenv("ON_ERROR"); v != "" {
		switch OnError(v) {
		case OnErrorContinue, OnErrorTerminate:
			cfg.OnError = OnError(v)
		default:
			return cfg, fmt.Errorf("config: invalid ON_ERROR %q", v)
		}
	}
	if v := os.Getenv("RELAY_TRANSPORT"); v != "" {
		switch RelayTransport(v) {
		case RelayHTTP, RelayNATS:
			cfg.RelayTransport = RelayTransport(v)
		default:
			return cfg, fmt.Errorf("config: invalid RELAY_TRANSPORT %q", v)
		}
	}

	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setSeconds accepts either a bare integer (seconds) or a Go duration
// string such as "24h".
func setSeconds(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}
