// Package gap scores under-served topic areas across the corpus.
//
// Two independent signals feed one ranked list: tag-frequency staleness
// (rare or dormant tag combinations) and vector-space sparsity (isolated
// frontier documents far from the corpus centroid). The merged list is
// handed to an external recommendation generator; this package produces
// scores, never prose.
package gap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/koopa0/inkwell/internal/index"
	"github.com/koopa0/inkwell/internal/taxonomy"
)

// Analysis parameters.
const (
	// MinCorpusSize is the smallest corpus the analyzer accepts; gap
	// statistics on fewer documents are noise.
	MinCorpusSize = 10

	// DefaultTopN is the length of the merged gap list.
	DefaultTopN = 5

	// stalenessFloor and stalenessCap bound the dormancy weight so brand-new
	// groups still register and ancient groups cannot win on age alone.
	stalenessFloor = 0.1
	stalenessCap   = 3.0

	// sparseThreshold: a frontier document only signals a gap when its own
	// nearest neighbor is this dissimilar, i.e. the point is genuinely
	// isolated.
	sparseThreshold = 0.7

	// frontierMultiplier sizes the frontier pull relative to topN.
	frontierMultiplier = 3

	// Merge weights for the two signals.
	tagGapWeight    = 0.6
	vectorGapWeight = 0.4

	// recentTitleCount is how many recent titles accompany the gap list to
	// the recommendation generator.
	recentTitleCount = 20
)

// ErrInsufficientCorpus is returned when the corpus is below MinCorpusSize.
var ErrInsufficientCorpus = errors.New("corpus too small for gap analysis")

// Kind distinguishes the origin of a gap entry.
type Kind string

const (
	KindTagGap    Kind = "tag_gap"
	KindVectorGap Kind = "vector_gap"
	KindMerged    Kind = "merged"
)

// Gap is one scored content gap. Score is non-negative; after merging, the
// list is sorted descending by score.
type Gap struct {
	Kind           Kind
	Description    string
	Score          float64
	Tags           *taxonomy.TagSet
	ReferenceTitle string
}

// Index is the subset of the vector index the analyzer consumes.
type Index interface {
	Count(ctx context.Context) (int, error)
	TagsWithDates(ctx context.Context) ([]index.TaggedDate, error)
	Centroid(ctx context.Context) ([]float32, error)
	Frontier(ctx context.Context, centroid []float32, n int) ([]index.FrontierDoc, error)
	RecentTitles(ctx context.Context, limit int) ([]string, error)
}

// Recommender turns a gap list into human-readable topic recommendations.
// Implemented by the external narrative-generation collaborator; the
// analyzer does not validate its output.
type Recommender interface {
	Recommend(ctx context.Context, gaps []Gap, recentTitles []string) error
}

// Analyzer computes ranked content gaps over the whole corpus.
type Analyzer struct {
	idx    Index
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Analyzer.
func New(idx Index, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{idx: idx, logger: logger, now: time.Now}
}

// Analyze produces the merged, ranked gap list of length at most topN.
// topN <= 0 uses DefaultTopN. Returns ErrInsufficientCorpus below the
// minimum corpus size.
func (a *Analyzer) Analyze(ctx context.Context, topN int) ([]Gap, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}

	count, err := a.idx.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting corpus: %w", err)
	}
	if count < MinCorpusSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientCorpus, count, MinCorpusSize)
	}

	rows, err := a.idx.TagsWithDates(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tag data: %w", err)
	}

	tagGaps := a.tagGaps(rows)
	vectorGaps := a.vectorGaps(ctx, topN)
	merged := mergeGaps(tagGaps, vectorGaps, topN)

	a.logger.Info("gap analysis complete",
		"documents", count, "tag_gaps", len(tagGaps),
		"vector_gaps", len(vectorGaps), "merged", len(merged))
	return merged, nil
}

// Recommendations runs Analyze and hands the result, together with recent
// titles, to the recommendation generator.
func (a *Analyzer) Recommendations(ctx context.Context, topN int, rec Recommender) error {
	gaps, err := a.Analyze(ctx, topN)
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		a.logger.Warn("no content gaps found, skipping recommendation")
		return nil
	}

	titles, err := a.idx.RecentTitles(ctx, recentTitleCount)
	if err != nil {
		// Titles only add context for the generator; proceed without them.
		a.logger.Warn("recent titles unavailable", "error", err)
		titles = nil
	}

	return rec.Recommend(ctx, gaps, titles)
}

// tagGaps scores every (magazine, science, topic) combination:
// 1/(count+1) weighted by dormancy since the group's newest document.
func (a *Analyzer) tagGaps(rows []index.TaggedDate) []Gap {
	type group struct {
		tags   taxonomy.TagSet
		count  int
		newest time.Time
	}
	groups := make(map[string]*group)

	for _, row := range rows {
		key := row.Tags.Top3Key()
		g, ok := groups[key]
		if !ok {
			g = &group{tags: taxonomy.TagSet{
				Magazine: row.Tags.Magazine,
				Science:  row.Tags.Science,
				Topic:    row.Tags.Topic,
			}}
			groups[key] = g
		}
		g.count++
		if row.CreatedAt.After(g.newest) {
			g.newest = row.CreatedAt
		}
	}

	now := a.now()
	gaps := make([]Gap, 0, len(groups))
	for _, g := range groups {
		staleness := 1.0
		if !g.newest.IsZero() {
			days := now.Sub(g.newest).Hours() / 24
			staleness = days / 30
			if staleness > stalenessCap {
				staleness = stalenessCap
			}
			if staleness < stalenessFloor {
				staleness = stalenessFloor
			}
		}

		tags := g.tags
		gaps = append(gaps, Gap{
			Kind: KindTagGap,
			Description: fmt.Sprintf("%s/%s/%s (%d documents)",
				tags.Magazine, tags.Science, tags.Topic, g.count),
			Score: (1.0 / float64(g.count+1)) * staleness,
			Tags:  &tags,
		})
	}

	sortGapsDesc(gaps)
	return gaps
}

// vectorGaps pulls the frontier and keeps only genuinely isolated points,
// scored by distance-from-centroid times local sparsity. Failures here
// degrade to an empty signal: the tag signal still produces a usable list.
func (a *Analyzer) vectorGaps(ctx context.Context, topN int) []Gap {
	centroid, err := a.idx.Centroid(ctx)
	if err != nil {
		a.logger.Warn("centroid unavailable, skipping vector signal", "error", err)
		return nil
	}

	frontier, err := a.idx.Frontier(ctx, centroid, topN*frontierMultiplier)
	if err != nil {
		a.logger.Warn("frontier query failed, skipping vector signal", "error", err)
		return nil
	}

	var gaps []Gap
	for _, f := range frontier {
		if f.NearestSim >= sparseThreshold {
			continue
		}
		tags := f.Tags
		gaps = append(gaps, Gap{
			Kind: KindVectorGap,
			Description: fmt.Sprintf("sparse vector region (centroid distance %.3f, nearest similarity %.3f)",
				f.CentroidDistance, f.NearestSim),
			Score:          f.CentroidDistance * (1.0 - f.NearestSim),
			Tags:           &tags,
			ReferenceTitle: f.Title,
		})
	}

	sortGapsDesc(gaps)
	return gaps
}

// mergeGaps normalizes each signal to [0,1], accumulates weighted scores
// per (magazine, science, topic) key, and returns the topN descending.
func mergeGaps(tagGaps, vectorGaps []Gap, topN int) []Gap {
	if len(tagGaps) == 0 && len(vectorGaps) == 0 {
		return nil
	}

	merged := make(map[string]*Gap)
	accumulate := func(gaps []Gap, weight float64) {
		for _, g := range gaps {
			var key string
			if g.Tags != nil {
				key = g.Tags.Top3Key()
			} else {
				key = g.Description
			}

			score := g.Score * weight
			if existing, ok := merged[key]; ok {
				existing.Kind = KindMerged
				existing.Description = existing.Description + " + " + g.Description
				existing.Score += score
				if existing.Tags == nil {
					existing.Tags = g.Tags
				}
				if existing.ReferenceTitle == "" {
					existing.ReferenceTitle = g.ReferenceTitle
				}
				continue
			}
			merged[key] = &Gap{
				Kind:           g.Kind,
				Description:    g.Description,
				Score:          score,
				Tags:           g.Tags,
				ReferenceTitle: g.ReferenceTitle,
			}
		}
	}

	accumulate(normalizeScores(tagGaps), tagGapWeight)
	accumulate(normalizeScores(vectorGaps), vectorGapWeight)

	result := make([]Gap, 0, len(merged))
	for _, g := range merged {
		result = append(result, *g)
	}
	sortGapsDesc(result)

	if len(result) > topN {
		result = result[:topN]
	}
	return result
}

// normalizeScores min-max scales scores to [0,1]. A degenerate range (all
// scores equal) maps everything to 1.0 so the signal still contributes.
func normalizeScores(gaps []Gap) []Gap {
	if len(gaps) == 0 {
		return nil
	}

	lo, hi := gaps[0].Score, gaps[0].Score
	for _, g := range gaps[1:] {
		if g.Score < lo {
			lo = g.Score
		}
		if g.Score > hi {
			hi = g.Score
		}
	}

	out := make([]Gap, len(gaps))
	copy(out, gaps)
	for i := range out {
		if hi == lo {
			out[i].Score = 1.0
		} else {
			out[i].Score = (out[i].Score - lo) / (hi - lo)
		}
	}
	return out
}

func sortGapsDesc(gaps []Gap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].Score > gaps[j].Score
	})
}
