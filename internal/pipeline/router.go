package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// DefaultFetchTimeout bounds each context fetch unless overridden.
const DefaultFetchTimeout = 2 * time.Second

// HandlerResolver maps a website domain to its handler.
type HandlerResolver interface {
	Resolve(domain string) (h ports.DomainHandler, matched bool)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// FetchTimeout bounds every fetch that has no entry in SourceTimeouts.
	FetchTimeout time.Duration

	// SourceTimeouts overrides FetchTimeout per source.
	SourceTimeouts map[domain.SourceName]time.Duration
}

// Router resolves handlers and gathers their context concurrently.
type Router struct {
	resolver HandlerResolver
	cfg      RouterConfig
	logger   *slog.Logger
}

// NewRouter creates a router over a read-only resolver.
func NewRouter(resolver HandlerResolver, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{resolver: resolver, cfg: cfg, logger: logger}
}

// Resolve returns the handler for the envelope's domain.
func (r *Router) Resolve(env *domain.IntentEnvelope) (ports.DomainHandler, bool) {
	return r.resolver.Resolve(env.Domain)
}

func (r *Router) timeoutFor(s domain.SourceName) time.Duration {
	if d, ok := r.cfg.SourceTimeouts[s]; ok && d > 0 {
		return d
	}
	return r.cfg.FetchTimeout
}

// Gather fetches every source the handler declares, one goroutine per
// source. It returns once every fetch has settled; failed and timed out
// sources are marked unavailable in the bundle. Gather itself only fails
// when ctx is canceled.
func (r *Router) Gather(ctx context.Context, h ports.DomainHandler, env *domain.IntentEnvelope) (*domain.ContextBundle, error) {
	sources := dedupeSources(h.ContextRequirements(env.Intent))
	results := make([]domain.SourceResult, len(sources))

	var g errgroup.Group
	for i, source := range sources {
		g.Go(func() error {
			results[i] = r.fetch(ctx, h, env, source)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, domain.NewError(domain.ErrorKindCanceled, "gather", "request canceled while gathering context", err)
	}
	return domain.NewContextBundle(sources, results), nil
}

type fetchResult struct {
	records any
	err     error
}

// fetch runs one handler fetch under its own deadline. The handler call runs
// in its own goroutine so a fetch that ignores its context cannot hold up
// fan-in past the deadline.
func (r *Router) fetch(ctx context.Context, h ports.DomainHandler, env *domain.IntentEnvelope, source domain.SourceName) domain.SourceResult {
	timeout := r.timeoutFor(source)
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fetchResult{err: fmt.Errorf("fetch panicked: %v", p)}
			}
		}()
		recs, err := h.FetchContext(fctx, source, env)
		done <- fetchResult{records: recs, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-fctx.Done():
		res = fetchResult{err: fctx.Err()}
	}
	latency := time.Since(start)

	if res.err == nil && fctx.Err() != nil {
		res.err = fctx.Err()
	}
	if res.err != nil {
		reason := res.err.Error()
		if errors.Is(res.err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", timeout)
		}
		err := domain.FetchUnavailable(source, res.err)
		r.logger.Warn("context source unavailable",
			slog.String("handler", h.Name()),
			slog.String("source", string(source)),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		return domain.SourceResult{Source: source, Reason: reason, Latency: latency}
	}

	r.logger.Debug("context source fetched",
		slog.String("handler", h.Name()),
		slog.String("source", string(source)),
		slog.Duration("latency", latency),
	)
	return domain.SourceResult{Source: source, Records: res.records, Available: true, Latency: latency}
}

func dedupeSources(in []domain.SourceName) []domain.SourceName {
	seen := make(map[domain.SourceName]struct{}, len(in))
	out := make([]domain.SourceName, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
