// Package embedding wraps an external embedding provider with a
// content-addressed LRU cache, bounded retry, and a positional batch path.
//
// The provider is reached through the Genkit ai.Embedder interface; every
// other component treats this package as the only source of embeddings.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// VectorDimension is the corpus-wide embedding dimensionality. All stored
// vectors and all query vectors share it.
const VectorDimension = 3072

// Provider limits and cache sizing.
const (
	// DefaultCacheCapacity bounds the LRU cache independent of corpus size.
	DefaultCacheCapacity = 1000

	// batchChunkSize is the maximum number of texts sent to the provider in
	// a single request.
	batchChunkSize = 100
)

// ErrEmptyInput is returned when the input text is empty or whitespace-only.
var ErrEmptyInput = errors.New("embedding input text is empty")

// ProviderError wraps a terminal provider failure after the retry budget is
// exhausted.
type ProviderError struct {
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RetryPolicy describes the bounded retry loop wrapped around each provider
// call. Retryable decides whether an attempt's error is worth retrying;
// context cancellation never is.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy mirrors the provider wrapper this package replaces:
// 3 attempts with exponential backoff between 2s and 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Retryable:   retryableProviderError,
	}
}

// retryableProviderError treats everything except caller cancellation as a
// transient provider fault.
func retryableProviderError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Store is the caching, retrying embedding client.
//
// Store is safe for concurrent use; the cache is the only shared mutable
// state in the core and is guarded internally.
type Store struct {
	embedder ai.Embedder
	dim      int32
	retry    RetryPolicy
	limiter  *rate.Limiter
	logger   *slog.Logger
	cache    *lruCache

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithCacheCapacity overrides the default cache capacity.
func WithCacheCapacity(n int) Option {
	return func(s *Store) { s.cache = newLRUCache(n) }
}

// WithRateLimiter throttles provider calls. Nil disables throttling.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(s *Store) { s.limiter = l }
}

// New creates a Store around the given embedder.
func New(embedder ai.Embedder, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		embedder: embedder,
		dim:      VectorDimension,
		retry:    DefaultRetryPolicy(),
		logger:   logger,
		cache:    newLRUCache(DefaultCacheCapacity),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Embed returns the embedding vector for text.
//
// The cache is consulted before any network call. Provider failures are
// retried per the retry policy and surface as *ProviderError once the
// budget is exhausted. Empty input returns ErrEmptyInput without a call.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	key := textHash(text)
	if vec, ok := s.cache.get(key); ok {
		s.logger.Debug("embedding cache hit")
		return vec, nil
	}

	vec, err := s.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	s.cache.put(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts and returns a slice of the same length in the
// same order. Texts are sent in provider-sized chunks; when a chunk fails,
// each of its items is retried individually so one bad item cannot poison
// its neighbors. Items that still fail, including blank inputs, occupy
// their position with a nil vector instead of failing the batch.
func (s *Store) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	// Serve what we can from the cache, collect the rest per chunk.
	type pending struct {
		index int
		text  string
	}
	var misses []pending
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue // nil sentinel
		}
		if vec, ok := s.cache.get(textHash(text)); ok {
			results[i] = vec
			continue
		}
		misses = append(misses, pending{index: i, text: text})
	}

	for start := 0; start < len(misses); start += batchChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+batchChunkSize, len(misses))
		chunk := misses[start:end]

		chunkTexts := make([]string, len(chunk))
		for i, p := range chunk {
			chunkTexts[i] = p.text
		}

		vecs, err := s.embedChunk(ctx, chunkTexts)
		if err != nil {
			// Degrade to per-item calls; individual failures become nil
			// sentinels and the rest of the batch proceeds.
			s.logger.Warn("batch chunk failed, degrading to per-item calls",
				"chunk_size", len(chunk), "error", err)
			for _, p := range chunk {
				vec, itemErr := s.Embed(ctx, p.text)
				if itemErr != nil {
					if errors.Is(itemErr, context.Canceled) || errors.Is(itemErr, context.DeadlineExceeded) {
						return nil, itemErr
					}
					s.logger.Warn("batch item failed", "index", p.index, "error", itemErr)
					continue
				}
				results[p.index] = vec
			}
			continue
		}

		for i, p := range chunk {
			results[p.index] = vecs[i]
			s.cache.put(textHash(p.text), vecs[i])
		}
	}

	return results, nil
}

// Stats returns the cache hit/miss counters and current size.
func (s *Store) Stats() Stats {
	return s.cache.stats()
}

func (s *Store) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := s.retry.BaseDelay

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		vecs, err := s.embedChunk(ctx, []string{text})
		if err == nil {
			return vecs[0], nil
		}
		lastErr = err

		if s.retry.Retryable != nil && !s.retry.Retryable(err) {
			break
		}
		if attempt == s.retry.MaxAttempts {
			break
		}

		s.logger.Debug("embedding attempt failed, backing off",
			"attempt", attempt, "delay", delay, "error", err)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
		delay = min(delay*2, s.retry.MaxDelay)
	}

	return nil, &ProviderError{Attempts: s.retry.MaxAttempts, Err: lastErr}
}

// embedChunk performs one provider call for the given texts and returns one
// vector per text, in order.
func (s *Store) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := s.dim
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts",
			len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at position %d", i)
		}
		vecs[i] = e.Embedding
	}
	return vecs, nil
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
