package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"imagesource/risservice/internal/domain"
	"imagesource/risservice/internal/engines"
	"imagesource/risservice/internal/metrics"
	"imagesource/risservice/internal/resolve"
)

var ErrInvalidImage = errors.New("image url and id are required")

const (
	defaultMaxResolves = 8
	defaultHitBuffer   = 64
)

// HitResolver turns a raw search hit into enriched provider data.
// resolve.ErrNoData marks hits no fetcher could serve.
type HitResolver interface {
	Resolve(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error)
}

// ResultCache is the persistent result layer consulted before and fed
// after every live search.
type ResultCache interface {
	IsImageNotFound(ctx context.Context, imageID string) (bool, error)
	MarkImageNotFound(ctx context.Context, imageID string) error
	CachedProviderData(ctx context.Context, providerID string) (domain.ProviderData, bool, error)
	CachedProviderDataByImage(ctx context.Context, imageID string) ([]domain.ProviderData, error)
	CacheProviderData(ctx context.Context, imageID string, data domain.ProviderData) error
}

// Coordinator fans an image out to every enabled engine, dedups the hit
// stream by provider id and resolves each unique hit exactly once.
type Coordinator struct {
	engines       map[string]engines.Engine
	resolver      HitResolver
	results       ResultCache
	cacheDisabled bool
	maxResolves   int64
	hitBuffer     int
	retry         RetryConfig
	limiters      map[string]*rate.Limiter
	logger        *slog.Logger

	healthMu sync.Mutex
	health   map[string]*engineHealth
}

type Option func(*Coordinator)

func WithResultCache(cache ResultCache) Option {
	return func(c *Coordinator) {
		c.results = cache
	}
}

func WithCacheDisabled(disabled bool) Option {
	return func(c *Coordinator) {
		c.cacheDisabled = disabled
	}
}

func WithMaxConcurrentResolves(n int64) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxResolves = n
		}
	}
}

func WithEngineRateLimit(engine string, limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		name := strings.ToLower(strings.TrimSpace(engine))
		if name == "" || limit <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiters[name] = rate.NewLimiter(limit, burst)
	}
}

func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Coordinator) {
		if cfg.MaxAttempts > 0 {
			c.retry = cfg
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCoordinator(engineList []engines.Engine, resolver HitResolver, opts ...Option) *Coordinator {
	registry := make(map[string]engines.Engine, len(engineList))
	for _, engine := range engineList {
		if engine == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(engine.Name()))
		if name == "" {
			continue
		}
		registry[name] = engine
	}

	c := &Coordinator{
		engines:     registry,
		resolver:    resolver,
		maxResolves: defaultMaxResolves,
		hitBuffer:   defaultHitBuffer,
		retry:       DefaultRetryConfig(),
		limiters:    make(map[string]*rate.Limiter),
		logger:      slog.Default(),
		health:      make(map[string]*engineHealth),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Engines() []domain.EngineInfo {
	if len(c.engines) == 0 {
		return nil
	}
	items := make([]domain.EngineInfo, 0, len(c.engines))
	for name, engine := range c.engines {
		info := engine.Info()
		if info.Name == "" {
			info.Name = name
		}
		if info.Label == "" {
			info.Label = info.Name
		}
		items = append(items, info)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

func (c *Coordinator) EngineNames() []string {
	names := make([]string, 0, len(c.engines))
	for name := range c.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search streams resolved results for one image. The channel is closed
// when the pipeline finishes or ctx is cancelled; results arrive in
// completion order with no cross-engine determinism.
func (c *Coordinator) Search(ctx context.Context, imageURL, imageID string, settings domain.UserSettings) (<-chan domain.ProviderData, error) {
	imageURL = strings.TrimSpace(imageURL)
	imageID = strings.TrimSpace(imageID)
	if imageURL == "" || imageID == "" {
		return nil, ErrInvalidImage
	}

	out := make(chan domain.ProviderData, c.hitBuffer)
	go c.run(ctx, imageURL, imageID, settings, out)
	return out, nil
}

func (c *Coordinator) run(ctx context.Context, imageURL, imageID string, settings domain.UserSettings, out chan<- domain.ProviderData) {
	defer close(out)

	cacheOn := settings.CacheEnabled && !c.cacheDisabled && c.results != nil

	if cacheOn {
		notFound, err := c.results.IsImageNotFound(ctx, imageID)
		switch {
		case err != nil:
			c.logger.Warn("result cache unavailable, searching without cache", "image_id", imageID, "error", err)
			cacheOn = false
		case notFound:
			c.logger.Debug("image has a no-found marker, skipping search", "image_id", imageID)
			return
		}
	}

	if cacheOn {
		cached, err := c.results.CachedProviderDataByImage(ctx, imageID)
		if err != nil {
			c.logger.Warn("cached result lookup failed, searching without cache", "image_id", imageID, "error", err)
			cacheOn = false
		} else if len(cached) > 0 {
			metrics.CacheHitsTotal.Inc()
			if settings.BestResultsOnly {
				cached = FilterByPriority(cached)
			}
			for _, item := range cached {
				if !emit(ctx, out, item) {
					return
				}
			}
			return
		} else {
			metrics.CacheMissesTotal.Inc()
		}
	}

	runnable := c.runnableEngines(settings)
	if len(runnable) == 0 {
		c.logger.Info("no engines available", "image_id", imageID, "user_id", settings.UserID)
		return
	}

	hits := make(chan domain.SearchHit, c.hitBuffer)
	var producers sync.WaitGroup
	for _, engine := range runnable {
		producers.Add(1)
		go func(engine engines.Engine) {
			defer producers.Done()
			c.runEngine(ctx, engine, imageURL, imageID, hits)
		}(engine)
	}
	go func() {
		producers.Wait()
		close(hits)
	}()

	sem := semaphore.NewWeighted(c.maxResolves)
	var resolvers sync.WaitGroup
	var mu sync.Mutex
	var deferred []domain.ProviderData
	found := 0

	deliver := func(data domain.ProviderData) bool {
		if settings.BestResultsOnly {
			mu.Lock()
			deferred = append(deferred, data)
			found++
			mu.Unlock()
			return true
		}
		if !emit(ctx, out, data) {
			return false
		}
		mu.Lock()
		found++
		mu.Unlock()
		return true
	}

	seen := make(map[string]struct{})
	stopped := false
	for hit := range hits {
		if stopped {
			continue
		}
		if strings.TrimSpace(hit.PlatformID) == "" {
			continue
		}
		providerID := hit.ProviderID()
		if _, dup := seen[providerID]; dup {
			continue
		}
		seen[providerID] = struct{}{}

		if cacheOn {
			data, ok, err := c.results.CachedProviderData(ctx, providerID)
			if err != nil {
				c.logger.Warn("provider cache lookup failed", "provider_id", providerID, "error", err)
			} else if ok {
				// Refresh the image link so the next search for this
				// image replays straight from the image-level cache.
				if err := c.results.CacheProviderData(ctx, imageID, data); err != nil {
					c.logger.Warn("image link refresh failed", "provider_id", providerID, "error", err)
				}
				if !deliver(data) {
					stopped = true
				}
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			stopped = true
			continue
		}
		resolvers.Add(1)
		go func(hit domain.SearchHit) {
			defer resolvers.Done()
			defer sem.Release(1)
			c.resolveHit(ctx, hit, imageID, cacheOn, deliver)
		}(hit)
	}
	resolvers.Wait()

	if ctx.Err() != nil {
		return
	}

	if settings.BestResultsOnly {
		for _, item := range FilterByPriority(deferred) {
			if !emit(ctx, out, item) {
				return
			}
		}
	}

	if found == 0 && cacheOn {
		if err := c.results.MarkImageNotFound(ctx, imageID); err != nil {
			c.logger.Warn("no-found marker write failed", "image_id", imageID, "error", err)
		} else {
			metrics.ImageNotFoundTotal.Inc()
			c.logger.Debug("image marked not found", "image_id", imageID)
		}
	}
}

// runnableEngines filters the registry down to engines the user enabled
// that are not currently blocked by the circuit breaker.
func (c *Coordinator) runnableEngines(settings domain.UserSettings) []engines.Engine {
	now := time.Now()
	names := c.EngineNames()
	runnable := make([]engines.Engine, 0, len(names))
	for _, name := range names {
		if !settings.EngineEnabled(name) {
			continue
		}
		if blocked, until, lastErr := c.isEngineBlocked(name, now); blocked {
			c.logger.Warn("engine temporarily blocked",
				"engine", name,
				"blocked_until", until.Format(time.RFC3339),
				"last_error", lastErr)
			continue
		}
		runnable = append(runnable, c.engines[name])
	}
	return runnable
}

func (c *Coordinator) runEngine(ctx context.Context, engine engines.Engine, imageURL, imageID string, hits chan<- domain.SearchHit) {
	name := engine.Name()
	if limiter := c.limiters[strings.ToLower(name)]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	start := time.Now()
	err := engine.Search(ctx, imageURL, imageID, hits)
	if errors.Is(err, context.Canceled) {
		return
	}
	c.recordEngineResult(name, err, time.Since(start), time.Now())
	if err != nil {
		c.logger.Warn("engine search failed", "engine", name, "image_id", imageID, "error", err)
	}
}

func (c *Coordinator) resolveHit(ctx context.Context, hit domain.SearchHit, imageID string, cacheOn bool, deliver func(domain.ProviderData) bool) {
	start := time.Now()
	var data domain.ProviderData
	err := RetryWithBackoff(ctx, c.retry, func() error {
		var resolveErr error
		data, resolveErr = c.resolver.Resolve(ctx, hit)
		return resolveErr
	})
	metrics.ResolveDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, resolve.ErrNoData):
			metrics.ResolveRequestsTotal.WithLabelValues("no_data").Inc()
			c.logger.Debug("hit could not be resolved", "provider_id", hit.ProviderID(), "engine", hit.SearchEngine)
		default:
			metrics.ResolveRequestsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("resolution failed", "provider_id", hit.ProviderID(), "error", err)
		}
		return
	}
	metrics.ResolveRequestsTotal.WithLabelValues("ok").Inc()

	if ctx.Err() != nil {
		return
	}
	if cacheOn {
		if err := c.results.CacheProviderData(ctx, imageID, data); err != nil {
			c.logger.Warn("provider data cache write failed", "provider_id", data.ProviderID, "error", err)
		}
	}
	deliver(data)
}

func emit(ctx context.Context, out chan<- domain.ProviderData, data domain.ProviderData) bool {
	select {
	case out <- data:
		return true
	case <-ctx.Done():
		return false
	}
}
