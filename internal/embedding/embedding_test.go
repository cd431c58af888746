package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockEmbedder implements ai.Embedder for testing.
type mockEmbedder struct {
	embedErr   error // error to return
	failFirstN int   // fail the first N calls, then succeed
	failBatch  bool  // fail any request with more than one input
	callCount  int
	lastInputs []string
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

func (m *mockEmbedder) Register(api.Registry) {}

func (m *mockEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.callCount++

	m.lastInputs = m.lastInputs[:0]
	for _, doc := range req.Input {
		if len(doc.Content) > 0 {
			m.lastInputs = append(m.lastInputs, doc.Content[0].Text)
		}
	}

	if m.failBatch && len(req.Input) > 1 {
		return nil, errors.New("batch too large")
	}
	if m.failFirstN > 0 {
		m.failFirstN--
		return nil, errors.New("transient provider error")
	}
	if m.embedErr != nil {
		return nil, m.embedErr
	}

	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		// Derive a distinct vector per input so tests can tell them apart.
		seed := float32(len(doc.Content[0].Text))
		embeddings[i] = &ai.Embedding{Embedding: []float32{seed, seed + 1, seed + 2}}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

// newTestStore builds a Store with instant backoff.
func newTestStore(m *mockEmbedder, opts ...Option) *Store {
	s := New(m, nil, opts...)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestEmbed_EmptyInput(t *testing.T) {
	s := newTestStore(&mockEmbedder{})
	for _, text := range []string{"", "   ", "\t\n"} {
		if _, err := s.Embed(context.Background(), text); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Embed(%q) error = %v, want ErrEmptyInput", text, err)
		}
	}
}

func TestEmbed_CacheHit(t *testing.T) {
	m := &mockEmbedder{}
	s := newTestStore(m)
	ctx := context.Background()

	first, err := s.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	second, err := s.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if m.callCount != 1 {
		t.Errorf("provider called %d times, want 1", m.callCount)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Error("cached vector differs from original")
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestEmbed_RetriesThenSucceeds(t *testing.T) {
	m := &mockEmbedder{failFirstN: 2}
	s := newTestStore(m)

	vec, err := s.Embed(context.Background(), "retry me")
	if err != nil {
		t.Fatalf("Embed() error = %v, want success on third attempt", err)
	}
	if len(vec) == 0 {
		t.Error("Embed() returned empty vector")
	}
	if m.callCount != 3 {
		t.Errorf("provider called %d times, want 3", m.callCount)
	}
}

func TestEmbed_ProviderErrorAfterBudget(t *testing.T) {
	m := &mockEmbedder{embedErr: errors.New("quota exceeded")}
	s := newTestStore(m)

	_, err := s.Embed(context.Background(), "doomed")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("Embed() error = %v, want *ProviderError", err)
	}
	if perr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", perr.Attempts)
	}
	if m.callCount != 3 {
		t.Errorf("provider called %d times, want 3", m.callCount)
	}
}

func TestEmbed_NonRetryableStopsEarly(t *testing.T) {
	m := &mockEmbedder{embedErr: errors.New("bad request")}
	s := newTestStore(m, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Retryable:   func(error) bool { return false },
	}))
	s.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := s.Embed(context.Background(), "once"); err == nil {
		t.Fatal("Embed() = nil error, want failure")
	}
	if m.callCount != 1 {
		t.Errorf("provider called %d times, want 1 (no retry)", m.callCount)
	}
}

func TestEmbedBatch_EmptyItemKeepsPosition(t *testing.T) {
	s := newTestStore(&mockEmbedder{})

	results, err := s.EmbedBatch(context.Background(), []string{"first", "", "third"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0] == nil || results[2] == nil {
		t.Error("populated positions are nil")
	}
	if results[1] != nil {
		t.Errorf("results[1] = %v, want nil sentinel for empty input", results[1])
	}
}

func TestEmbedBatch_ChunkFailureDegradesPerItem(t *testing.T) {
	m := &mockEmbedder{failBatch: true}
	s := newTestStore(m)

	results, err := s.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	for i, vec := range results {
		if vec == nil {
			t.Errorf("results[%d] = nil, want per-item fallback vector", i)
		}
	}
}

func TestEmbedBatch_UsesCache(t *testing.T) {
	m := &mockEmbedder{}
	s := newTestStore(m)
	ctx := context.Background()

	if _, err := s.Embed(ctx, "warm"); err != nil {
		t.Fatal(err)
	}
	calls := m.callCount

	results, err := s.EmbedBatch(ctx, []string{"warm"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if results[0] == nil {
		t.Fatal("cached item missing from batch result")
	}
	if m.callCount != calls {
		t.Errorf("provider called %d extra times, want 0 (cache hit)", m.callCount-calls)
	}
}

func TestEmbedBatch_ContextCancelled(t *testing.T) {
	s := newTestStore(&mockEmbedder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.EmbedBatch(ctx, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("EmbedBatch() error = %v, want context.Canceled", err)
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", []float32{1})
	c.put("b", []float32{2})

	// Touch "a" so "b" becomes the eviction victim.
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected hit for a")
	}

	c.put("c", []float32{3})

	if _, ok := c.get("b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("a should have survived eviction")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("c should be present")
	}
	if got := c.stats().Size; got != 2 {
		t.Errorf("Size = %d, want 2", got)
	}
}

func TestLRUCache_CapacityIndependentOfInsertions(t *testing.T) {
	c := newLRUCache(10)
	for i := 0; i < 100; i++ {
		c.put(fmt.Sprintf("key-%d", i), []float32{float32(i)})
	}
	if got := c.stats().Size; got != 10 {
		t.Errorf("Size = %d, want capacity 10", got)
	}
}
