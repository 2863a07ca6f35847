// Package main is the entry point for the LLM gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llm-gateway/gateway/internal/admin"
	"github.com/llm-gateway/gateway/internal/auth"
	"github.com/llm-gateway/gateway/internal/config"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/httpapi"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/ledgerstore"
	"github.com/llm-gateway/gateway/internal/logging"
	"github.com/llm-gateway/gateway/internal/metrics"
	"github.com/llm-gateway/gateway/internal/orchestrator"
	"github.com/llm-gateway/gateway/internal/provider"
	"github.com/llm-gateway/gateway/internal/ratelimit"
	"github.com/llm-gateway/gateway/internal/storage"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.Init(cfg.LogLevel, cfg.Debug)
	log := logging.From(context.Background())

	ctx := context.Background()

	pool, err := storage.NewPool(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("run schema migration")
	}
	if cfg.DefaultModel != "" {
		if err := storage.SeedDefaultModel(ctx, pool, cfg.DefaultModel, defaultProviderFor(cfg), 0); err != nil {
			log.Fatal().Err(err).Msg("seed default model")
		}
	}

	catalog, err := storage.LoadModels(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("load model catalog")
	}

	meterProvider, promHandler, shutdownMetrics, err := metrics.InitProvider("llm-gateway")
	if err != nil {
		log.Fatal().Err(err).Msg("init metrics provider")
	}
	defer shutdownMetrics(ctx)

	m, err := metrics.New(meterProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("init metrics instruments")
	}

	dialogs := dialogstore.NewPostgresStore(pool)
	bus := events.NewBus()
	bus.Register(func(ctx context.Context, e events.Event) {
		logging.From(ctx).Info().
			Str("event_type", string(e.Type)).
			Int64("user_id", e.UserID).
			Str("dialog_id", e.DialogID).
			Msg("domain event")
	})

	l := ledger.New(ledgerstore.NewPostgresStore(pool), bus)
	registry := provider.NewRegistry(catalog, buildAdapters(cfg))
	orch := orchestrator.New(dialogs, registry, l, bus, time.Duration(cfg.LLMTimeoutSeconds)*time.Second)
	adm := admin.New(dialogs, l, bus)

	verifier := auth.NewVerifier(auth.Config{
		Secret:  []byte(cfg.JWT.Secret),
		JWKSURL: cfg.JWT.JWKSURL,
	})

	limiter := ratelimit.New(
		ratelimit.NewRedisCounter(redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})),
		cfg.RateLimit.Limit,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
	)

	handler := httpapi.New(httpapi.Deps{
		Dialogs:      dialogs,
		Registry:     registry,
		Ledger:       l,
		Orchestrator: orch,
		Admin:        adm,
		Verifier:     verifier,
		Limiter:      limiter,
		Metrics:      m,
		PromHandler:  promHandler,
		Debug:        cfg.Debug,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info().Int("port", cfg.Server.Port).Msg("llm gateway listening")
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// buildAdapters constructs one Provider per configured upstream, keyed
// by the name the model catalog's provider column references.
func buildAdapters(cfg *config.Config) map[string]provider.Provider {
	adapters := make(map[string]provider.Provider)
	if cfg.Providers.OpenAI.APIKey != "" {
		adapters["openai"] = provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, http.DefaultClient)
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		adapters["anthropic"] = provider.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL, http.DefaultClient)
	}
	if cfg.Providers.GigaChat.AuthKey != "" {
		adapters["gigachat"] = provider.NewGigaChatProvider(cfg.Providers.GigaChat.AuthKey, cfg.Providers.GigaChat.Scope, cfg.Providers.GigaChat.VerifyTLS)
	}
	return adapters
}

// defaultProviderFor picks which adapter backs the seeded default model:
// whichever upstream has credentials configured, preferring OpenAI.
func defaultProviderFor(cfg *config.Config) string {
	switch {
	case cfg.Providers.OpenAI.APIKey != "":
		return "openai"
	case cfg.Providers.Anthropic.APIKey != "":
		return "anthropic"
	case cfg.Providers.GigaChat.AuthKey != "":
		return "gigachat"
	default:
		return "openai"
	}
}
