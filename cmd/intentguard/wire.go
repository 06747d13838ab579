package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/intentguard/internal/api/controlplane"
	"github.com/tjfontaine/intentguard/internal/backend/gemini"
	"github.com/tjfontaine/intentguard/internal/backend/openai"
	"github.com/tjfontaine/intentguard/internal/backend/rules"
	"github.com/tjfontaine/intentguard/internal/cache"
	"github.com/tjfontaine/intentguard/internal/calendar"
	"github.com/tjfontaine/intentguard/internal/config"
	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
	"github.com/tjfontaine/intentguard/internal/domains"
	"github.com/tjfontaine/intentguard/internal/domains/registry"
	"github.com/tjfontaine/intentguard/internal/email"
	"github.com/tjfontaine/intentguard/internal/judgment"
	"github.com/tjfontaine/intentguard/internal/pipeline"
	"github.com/tjfontaine/intentguard/internal/resilience"
	"github.com/tjfontaine/intentguard/internal/storage/memory"
	"github.com/tjfontaine/intentguard/internal/storage/sqldb"
	"github.com/tjfontaine/intentguard/internal/tokens"
)

var (
	defaultFlightKeys   = []string{"skyscanner.net", "skyscanner.com", "skyscanner.co.uk"}
	defaultShoppingKeys = []string{"amazon.co.uk", "amazon.com", "amazon.de", "amazon.fr", "amazon.es", "amazon.it"}
)

func tracedClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func openStore(cfg config.StorageConfig) (ports.Store, error) {
	if cfg.Type == "memory" {
		return memory.New(), nil
	}
	return sqldb.New(sqldb.Config{Driver: cfg.Type, DSN: cfg.DSN})
}

// calendarSource merges stored events with the user's iCal subscriptions.
func calendarSource(cfg config.CalendarConfig, store ports.Store, logger *slog.Logger) (ports.CalendarRepository, error) {
	if !cfg.FeedsEnabled {
		return store, nil
	}
	feedCache, err := cache.New(cfg.CacheMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed cache: %w", err)
	}
	client := tracedClient()
	client.Timeout = cfg.FetchTimeout
	feeds := calendar.NewFeedReader(store,
		calendar.WithHTTPClient(client),
		calendar.WithCache(feedCache, cfg.CacheTTL),
		calendar.WithMaxFeedBytes(cfg.MaxFeedBytes),
		calendar.WithLogger(logger),
	)
	return calendar.NewComposite(store, feeds), nil
}

const emailCacheBytes = 8 << 20

// emailSource reads the configured Gmail mailboxes. It returns nil when no
// user has a token.
func emailSource(cfg config.EmailConfig, logger *slog.Logger) (ports.EmailSource, error) {
	if len(cfg.Tokens) == 0 {
		return nil, nil
	}
	msgCache, err := cache.New(emailCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create email cache: %w", err)
	}
	client := tracedClient()
	client.Timeout = cfg.Timeout
	src := email.NewClient(cfg.Tokens,
		email.WithBaseURL(cfg.BaseURL),
		email.WithHTTPClient(client),
		email.WithMaxMessages(cfg.MaxMessages),
		email.WithCache(msgCache, cfg.CacheTTL),
		email.WithLogger(logger),
	)
	logger.Info("email source ready", slog.Int("mailboxes", len(cfg.Tokens)))
	return src, nil
}

func buildRegistry(cfg *config.Config, store ports.Store, cal ports.CalendarRepository, mail ports.EmailSource, logger *slog.Logger) (*registry.Registry, error) {
	opts := []domains.Option{domains.WithLogger(logger)}
	if mail != nil {
		opts = append(opts, domains.WithEmail(mail))
	}
	fallback := domains.NewFallbackHandler(store, cfg.Domains.FallbackLookbackDays, domains.WithLogger(logger))
	flight := domains.NewFlightHandler(cal, store, domains.FlightConfig{
		TravelBuffer:            cfg.Flight.TravelBuffer,
		BookingWindowDays:       cfg.Flight.BookingWindowDays,
		DestinationLookbackDays: cfg.Flight.DestinationLookbackDays,
		EarlyDepartureHour:      cfg.Flight.EarlyDepartureHour,
		LateArrivalHour:         cfg.Flight.LateArrivalHour,
	}, opts...)
	shopping := domains.NewShoppingHandler(store, domains.ShoppingConfig{
		DuplicateLookbackDays:    cfg.Shopping.DuplicateLookbackDays,
		RecentDays:               cfg.Shopping.RecentDays,
		CategoryLookbackDays:     cfg.Shopping.CategoryLookbackDays,
		SpendingWindowDays:       cfg.Shopping.SpendingWindowDays,
		ImpulseCategoryThreshold: cfg.Shopping.ImpulseCategoryThreshold,
		MonthlyBudget:            cfg.Shopping.MonthlyBudget,
	}, opts...)

	return registry.NewBuilder(fallback).
		Register(flight, append(defaultFlightKeys, cfg.Domains.Flight...)...).
		Register(shopping, append(defaultShoppingKeys, cfg.Domains.Shopping...)...).
		Build()
}

func buildBackend(ctx context.Context, role string, cfg config.BackendConfig) (judgment.Backend, error) {
	switch cfg.Type {
	case "openai":
		opts := []openai.ClientOption{openai.WithHTTPClient(tracedClient())}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, openai.Config{
			Name:        role + "-openai",
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, opts...), nil
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			Name:        role + "-gemini",
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.BaseURL,
			HTTPClient:  tracedClient(),
		})
	case "rules":
		return rules.New(), nil
	default:
		return nil, fmt.Errorf("unknown %s backend %q", role, cfg.Type)
	}
}

func buildJudgment(ctx context.Context, cfg config.JudgmentConfig, logger *slog.Logger) (*judgment.Service, error) {
	audit, err := buildBackend(ctx, "audit", cfg.Audit)
	if err != nil {
		return nil, err
	}

	onChange := resilience.WithStateChange(func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})
	opts := []judgment.Option{
		judgment.WithBreakers(
			resilience.NewBreaker("audit", cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown, onChange),
			resilience.NewBreaker("drafting", cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown, onChange),
		),
		judgment.WithTokenCounter(tokens.NewDefaultRegistry()),
		judgment.WithLogger(logger),
	}
	if cfg.Drafting.Type != "" {
		drafting, err := buildBackend(ctx, "drafting", cfg.Drafting)
		if err != nil {
			return nil, err
		}
		opts = append(opts, judgment.WithDraftingBackend(drafting))
	}
	return judgment.NewService(audit, opts...), nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.Config{
		Router: pipeline.RouterConfig{FetchTimeout: cfg.Pipeline.FetchTimeout},
		Economics: pipeline.EconomicsConfig{
			CostPerMillionTokens:  cfg.Economics.CostPerMillionTokens,
			EstimatedTokensPerRun: cfg.Economics.EstimatedTokensPerRun,
			PlatformFee:           cfg.Economics.PlatformFee,
			FeeMultiplier:         cfg.Economics.FeeMultiplier,
		},
		AuditTimeout:       cfg.Judgment.Audit.Timeout,
		DraftingTimeout:    cfg.Judgment.Drafting.Timeout,
		StorageTimeout:     cfg.Pipeline.StorageTimeout,
		StoreDomainRecords: cfg.Pipeline.StoreDomainRecords,
	}
	if len(cfg.Pipeline.SourceTimeouts) > 0 {
		pc.Router.SourceTimeouts = make(map[domain.SourceName]time.Duration, len(cfg.Pipeline.SourceTimeouts))
		for name, d := range cfg.Pipeline.SourceTimeouts {
			pc.Router.SourceTimeouts[domain.SourceName(name)] = d
		}
	}
	return pc
}

func overview(cfg *config.Config, reg *registry.Registry) controlplane.Overview {
	drafting := cfg.Judgment.Drafting.Type
	if drafting == "" {
		drafting = cfg.Judgment.Audit.Type
	}
	return controlplane.Overview{
		Storage:          cfg.Storage.Type,
		AuditBackend:     cfg.Judgment.Audit.Type,
		DraftingBackend:  drafting,
		Domains:          reg.Keys(),
		FallbackHandler:  reg.Fallback().Name(),
		CalendarFeeds:    cfg.Calendar.FeedsEnabled,
		EmailMailboxes:   len(cfg.Email.Tokens),
		StoreDomainData:  cfg.Pipeline.StoreDomainRecords,
		RateLimitPerIP:   cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:   cfg.RateLimit.Burst,
		AuditTimeout:     cfg.Judgment.Audit.Timeout.String(),
		DraftingTimeout:  cfg.Judgment.Drafting.Timeout.String(),
		SourceTimeout:    cfg.Pipeline.FetchTimeout.String(),
		EconomicsPerMTok: cfg.Economics.CostPerMillionTokens,
	}
}
