// internal/optimizer/optimizer.go
package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/cache"
	"github.com/xkilldash9x/critical-css/internal/extractor"
)

// Result is the outcome of one URL in a batch.
type Result struct {
	CSS string
	Err error
}

// Service validates requests, consults the cache and routes each URL to the
// extractor registered for the requested strategy.
type Service struct {
	extractors map[extractor.Strategy]extractor.Extractor
	cache      *cache.Cache
	logger     *zap.Logger
}

// New creates a Service. A nil cache disables caching.
func New(extractors map[extractor.Strategy]extractor.Extractor, c *cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		extractors: extractors,
		cache:      c,
		logger:     logger.Named("optimizer"),
	}
}

// Optimize returns the critical CSS of url. Invalid input fails with
// ValidationErrors before any extraction work starts.
func (s *Service) Optimize(ctx context.Context, strategy extractor.Strategy, url string) (string, error) {
	if errs := ValidateURLs([]string{url}); errs != nil {
		return "", errs
	}
	ex, err := s.extractorFor(strategy)
	if err != nil {
		return "", err
	}
	return s.extract(ctx, strategy, ex, url, s.logger)
}

// OptimizeBatch extracts every distinct URL concurrently and waits for all of them.
// A failing URL is reported in its own Result and never stops the others.
func (s *Service) OptimizeBatch(ctx context.Context, strategy extractor.Strategy, urls []string) (map[string]Result, error) {
	urls = lo.Uniq(urls)
	if errs := ValidateURLs(urls); errs != nil {
		return nil, errs
	}
	ex, err := s.extractorFor(strategy)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("batch_id", uuid.NewString()),
		zap.String("strategy", string(strategy)))
	log.Info("Batch started.", zap.Int("urls", len(urls)))
	start := time.Now()

	results := make(map[string]Result, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			css, err := s.extract(ctx, strategy, ex, u, log)
			mu.Lock()
			results[u] = Result{CSS: css, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()

	failed := lo.CountBy(lo.Values(results), func(r Result) bool { return r.Err != nil })
	log.Info("Batch finished.",
		zap.Int("urls", len(urls)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

func (s *Service) extractorFor(strategy extractor.Strategy) (extractor.Extractor, error) {
	ex, ok := s.extractors[strategy]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for strategy %q", strategy)
	}
	return ex, nil
}

func (s *Service) extract(ctx context.Context, strategy extractor.Strategy, ex extractor.Extractor, url string, log *zap.Logger) (string, error) {
	if s.cache == nil {
		return s.run(ctx, ex, url, log)
	}
	key := cache.Key{Strategy: string(strategy), URL: url}
	return s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (string, error) {
		return s.run(ctx, ex, url, log)
	})
}

func (s *Service) run(ctx context.Context, ex extractor.Extractor, url string, log *zap.Logger) (string, error) {
	css, err := ex.Extract(ctx, url)
	if err != nil {
		log.Warn("Extraction failed.", zap.String("url", url), zap.Error(err))
		return "", err
	}
	return css, nil
}
