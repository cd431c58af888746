package association

import (
	"context"
	"errors"
	"testing"

	"github.com/koopa0/inkwell/internal/index"
	"github.com/koopa0/inkwell/internal/log"
	"github.com/koopa0/inkwell/internal/taxonomy"
)

// mockIndex implements Index for testing.
type mockIndex struct {
	relatedRows []index.RelatedDoc
	relatedErr  error
	neighbor    *index.Neighbor
	neighborErr error

	lastTopK      int
	lastExcludeID string
}

func (m *mockIndex) FindRelated(_ context.Context, _ taxonomy.TagSet, _ []float32,
	excludeID string, topK int) ([]index.RelatedDoc, error) {
	m.lastExcludeID = excludeID
	m.lastTopK = topK
	return m.relatedRows, m.relatedErr
}

func (m *mockIndex) NearestNeighbor(context.Context, []float32) (*index.Neighbor, error) {
	return m.neighbor, m.neighborErr
}

var queryTags = taxonomy.TagSet{Magazine: "Tech", Science: "AI", Topic: "NLP", Content: "GPT"}

func TestTierForMatchCount(t *testing.T) {
	tests := []struct {
		count  int
		want   Tier
		wantOK bool
	}{
		{4, TierStrong, true},
		{3, TierMedium, true},
		{2, TierWeak, true},
		{1, "", false},
		{0, "", false},
	}
	for _, tt := range tests {
		got, ok := TierForMatchCount(tt.count)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("TierForMatchCount(%d) = (%q, %v), want (%q, %v)",
				tt.count, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFindRelated_MapsTiers(t *testing.T) {
	idx := &mockIndex{relatedRows: []index.RelatedDoc{
		{ID: "d1", Title: "exact", TagMatchCount: 4, Similarity: 0.91},
		{ID: "d2", Title: "three levels", TagMatchCount: 3, Similarity: 0.85},
		{ID: "d3", Title: "two levels", TagMatchCount: 2, Similarity: 0.61},
	}}
	r := New(idx, log.NewNop())

	results := r.FindRelated(context.Background(), queryTags, []float32{1}, "self", 0)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	wantTiers := []Tier{TierStrong, TierMedium, TierWeak}
	for i, want := range wantTiers {
		if results[i].Tier != want {
			t.Errorf("results[%d].Tier = %q, want %q", i, results[i].Tier, want)
		}
	}
	if idx.lastTopK != DefaultTopK {
		t.Errorf("topK = %d, want default %d", idx.lastTopK, DefaultTopK)
	}
	if idx.lastExcludeID != "self" {
		t.Errorf("excludeID = %q, want self", idx.lastExcludeID)
	}
}

func TestFindRelated_ThreeOfFourIsMedium(t *testing.T) {
	// Stored document shares magazine/science/topic but not content.
	idx := &mockIndex{relatedRows: []index.RelatedDoc{
		{
			ID:            "d1",
			Tags:          taxonomy.TagSet{Magazine: "Tech", Science: "AI", Topic: "NLP", Content: "X"},
			TagMatchCount: 3,
			Similarity:    0.8,
		},
	}}
	r := New(idx, log.NewNop())

	results := r.FindRelated(context.Background(), queryTags, []float32{1}, "", 5)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].TagMatchCount != 3 || results[0].Tier != TierMedium {
		t.Errorf("got count=%d tier=%q, want count=3 tier=medium",
			results[0].TagMatchCount, results[0].Tier)
	}
}

func TestFindRelated_StorageFailureIsEmpty(t *testing.T) {
	idx := &mockIndex{relatedErr: errors.New("connection refused")}
	r := New(idx, log.NewNop())

	results := r.FindRelated(context.Background(), queryTags, []float32{1}, "", 5)
	if results != nil {
		t.Errorf("FindRelated() = %v, want nil on storage failure", results)
	}
}

func TestFindDuplicate(t *testing.T) {
	tests := []struct {
		name       string
		similarity float64
		want       bool
	}{
		{"above threshold", 0.97, true},
		{"exactly at threshold", 0.95, true},
		{"below threshold", 0.9499, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &mockIndex{neighbor: &index.Neighbor{
				ID: "n1", Title: "nearest", Similarity: tt.similarity,
			}}
			r := New(idx, log.NewNop())

			dup := r.FindDuplicate(context.Background(), []float32{1}, 0)
			if (dup != nil) != tt.want {
				t.Errorf("FindDuplicate() = %v, want present=%v", dup, tt.want)
			}
			if dup != nil && dup.ID != "n1" {
				t.Errorf("dup.ID = %q, want n1", dup.ID)
			}
		})
	}
}

func TestFindDuplicate_FailOpen(t *testing.T) {
	t.Run("storage error", func(t *testing.T) {
		idx := &mockIndex{neighborErr: errors.New("timeout")}
		r := New(idx, log.NewNop())
		if dup := r.FindDuplicate(context.Background(), []float32{1}, 0.95); dup != nil {
			t.Errorf("FindDuplicate() = %v, want nil on storage error", dup)
		}
	})

	t.Run("empty corpus", func(t *testing.T) {
		idx := &mockIndex{neighborErr: index.ErrNotFound}
		r := New(idx, log.NewNop())
		if dup := r.FindDuplicate(context.Background(), []float32{1}, 0.95); dup != nil {
			t.Errorf("FindDuplicate() = %v, want nil on empty corpus", dup)
		}
	})
}

func TestGroupByTier(t *testing.T) {
	results := []Result{
		{ID: "a", Tier: TierStrong},
		{ID: "b", Tier: TierWeak},
		{ID: "c", Tier: TierStrong},
		{ID: "d", Tier: TierMedium},
	}

	groups := GroupByTier(results)

	if len(groups[TierStrong]) != 2 {
		t.Errorf("strong group size = %d, want 2", len(groups[TierStrong]))
	}
	if groups[TierStrong][0].ID != "a" || groups[TierStrong][1].ID != "c" {
		t.Error("strong group order not preserved")
	}
	if len(groups[TierMedium]) != 1 || len(groups[TierWeak]) != 1 {
		t.Error("medium/weak groups mis-sized")
	}
}
