// Package association finds the documents related to a candidate document
// and decides whether the candidate duplicates something already published.
//
// Relatedness is a two-signal judgment: shared tag levels place a pair into
// a relation tier, and embedding similarity ranks documents within the
// candidate pool. Association data is an enhancement — every failure path
// degrades to "no associations" rather than propagating.
package association

import (
	"context"
	"log/slog"

	"github.com/koopa0/inkwell/internal/index"
	"github.com/koopa0/inkwell/internal/taxonomy"
)

// Defaults for relation search and duplicate detection.
const (
	DefaultTopK               = 5
	DefaultDuplicateThreshold = 0.95
)

// Tier classifies how many tag levels two documents share.
type Tier string

const (
	TierStrong Tier = "strong" // all 4 levels match
	TierMedium Tier = "medium" // 3 levels match
	TierWeak   Tier = "weak"   // 2 levels match
)

// TierForMatchCount maps a tag match count to its relation tier. Counts
// below the relation threshold have no tier; ok is false for them.
func TierForMatchCount(n int) (Tier, bool) {
	switch n {
	case 4:
		return TierStrong, true
	case 3:
		return TierMedium, true
	case 2:
		return TierWeak, true
	default:
		return "", false
	}
}

// Result is one related document with its relation strength.
type Result struct {
	ID            string
	Title         string
	Summary       string
	Tags          taxonomy.TagSet
	SourceURL     *string
	TagMatchCount int
	Tier          Tier
	Similarity    float64
}

// Duplicate identifies a stored document judged to be the same content as
// the candidate.
type Duplicate struct {
	ID         string
	Title      string
	Similarity float64
}

// Index is the subset of the vector index the retriever consumes.
type Index interface {
	FindRelated(ctx context.Context, tags taxonomy.TagSet, embedding []float32,
		excludeID string, topK int) ([]index.RelatedDoc, error)
	NearestNeighbor(ctx context.Context, embedding []float32) (*index.Neighbor, error)
}

// Retriever performs related-document search and duplicate detection.
type Retriever struct {
	idx    Index
	logger *slog.Logger
}

// New creates a Retriever.
func New(idx Index, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{idx: idx, logger: logger}
}

// FindRelated returns up to topK related documents ranked by similarity.
// topK <= 0 uses DefaultTopK.
//
// Storage failures are logged and yield an empty result: callers must treat
// "no associations" as a valid outcome, never an error.
func (r *Retriever) FindRelated(ctx context.Context, tags taxonomy.TagSet,
	embedding []float32, excludeID string, topK int) []Result {

	if topK <= 0 {
		topK = DefaultTopK
	}

	rows, err := r.idx.FindRelated(ctx, tags, embedding, excludeID, topK)
	if err != nil {
		r.logger.Error("relation search failed, returning no associations", "error", err)
		return nil
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		tier, ok := TierForMatchCount(row.TagMatchCount)
		if !ok {
			// The query already filters below-threshold rows; skip
			// defensively if one slips through.
			continue
		}
		results = append(results, Result{
			ID:            row.ID,
			Title:         row.Title,
			Summary:       row.Summary,
			Tags:          row.Tags,
			SourceURL:     row.SourceURL,
			TagMatchCount: row.TagMatchCount,
			Tier:          tier,
			Similarity:    row.Similarity,
		})
	}

	r.logger.Info("relation search complete", "found", len(results))
	return results
}

// FindDuplicate reports the nearest stored document when its similarity
// reaches threshold (boundary inclusive). threshold <= 0 uses the default.
//
// Storage failures degrade to "no duplicate found": a missed duplicate is
// recoverable, a blocked ingestion is not.
func (r *Retriever) FindDuplicate(ctx context.Context, embedding []float32,
	threshold float64) *Duplicate {

	if threshold <= 0 {
		threshold = DefaultDuplicateThreshold
	}

	nn, err := r.idx.NearestNeighbor(ctx, embedding)
	if err != nil {
		r.logger.Error("duplicate check failed, assuming no duplicate", "error", err)
		return nil
	}
	if nn.Similarity < threshold {
		return nil
	}
	return &Duplicate{ID: nn.ID, Title: nn.Title, Similarity: nn.Similarity}
}

// GroupByTier splits results into strong/medium/weak buckets, preserving
// similarity order within each. Downstream prompt assembly renders each
// bucket separately.
func GroupByTier(results []Result) map[Tier][]Result {
	groups := make(map[Tier][]Result, 3)
	for _, res := range results {
		groups[res.Tier] = append(groups[res.Tier], res)
	}
	return groups
}
