// Package series decides whether an incoming document continues an existing
// document series, seeds a new one, or stands alone.
//
// The decision combines three signals: exact top-3 tag match against known
// series, average embedding similarity to series members, and title pattern
// hints ("Part 3", "第三章", …) that relax the similarity bar. Borderline
// candidates escalate to an external Judge. Detection failures never block
// publishing; callers wrap the whole step as best-effort.
package series

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/koopa0/inkwell/internal/index"
	"github.com/koopa0/inkwell/internal/taxonomy"
	"github.com/koopa0/inkwell/internal/vecmath"
)

// Detection thresholds.
const (
	// JoinThreshold is the average member similarity needed to join a series.
	JoinThreshold = 0.80

	// RelaxedJoinThreshold replaces JoinThreshold when the title carries a
	// series pattern.
	RelaxedJoinThreshold = 0.70

	// NewSeriesThreshold gates seeding a new series from recent loose
	// documents.
	NewSeriesThreshold = 0.85

	// judgeBand is how far below the join threshold a candidate may sit and
	// still be worth an external second opinion.
	judgeBand = 0.1

	// judgeConfidence is the minimum confidence for accepting a positive
	// judgment.
	judgeConfidence = 0.7

	// LookbackDays bounds the window for new-series seeding.
	LookbackDays = 30
)

// Title patterns that hint at serialized content.
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpart\s*\d+`),
	regexp.MustCompile(`第[一二三四五六七八九十百\d]+[篇章]`),
	regexp.MustCompile(`[（(][上中下][)）]`),
	regexp.MustCompile(`[（(]\d+[)）]`),
	regexp.MustCompile(`系列`),
	regexp.MustCompile(`连载`),
	regexp.MustCompile(`(?i)\bseries\b`),
}

// HasTitlePattern reports whether the title carries a serialization hint.
func HasTitlePattern(title string) bool {
	for _, p := range titlePatterns {
		if p.MatchString(title) {
			return true
		}
	}
	return false
}

// DetectionError wraps any failure inside series detection. Callers treat
// detection as best-effort and must not fail ingestion on it.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string { return fmt.Sprintf("series detection: %v", e.Err) }

func (e *DetectionError) Unwrap() error { return e.Err }

// Member is the slice of a series document that navigation needs.
type Member struct {
	ID        string
	Title     string
	SourceURL *string
	PostID    *int64
}

// Decision describes where the new document lands in a series. Order and
// Total are 1-based; Previous is nil for a series opener.
type Decision struct {
	SeriesID    string
	SeriesTitle string
	Order       int
	Total       int
	Previous    *Member
}

// Judgment is the external judge's verdict on a borderline candidate.
type Judgment struct {
	IsSeries   bool
	Confidence float64
}

// Judge gives a second opinion when embedding similarity alone is
// inconclusive. Implementations typically consult a language model with the
// new title and the member titles.
type Judge interface {
	JudgeSeries(ctx context.Context, title string, memberTitles []string) (Judgment, error)
}

// Index is the subset of the vector index the detector consumes.
type Index interface {
	CandidateSeries(ctx context.Context, tags taxonomy.TagSet) ([]index.Series, error)
	SeriesMembers(ctx context.Context, seriesID string) ([]index.Document, error)
	SeriesMemberEmbeddings(ctx context.Context, seriesID string) ([][]float32, error)
	CreateSeries(ctx context.Context, sr index.Series) (string, error)
	AddToSeries(ctx context.Context, docID, seriesID string, order int) error
	RecentSimilar(ctx context.Context, tags taxonomy.TagSet, embedding []float32,
		lookbackDays int, threshold float64) ([]index.RecentMatch, error)
}

// Detector runs series detection against the vector index.
type Detector struct {
	idx    Index
	judge  Judge // optional; nil disables the borderline escalation
	logger *slog.Logger
}

// New creates a Detector. judge may be nil.
func New(idx Index, judge Judge, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{idx: idx, judge: judge, logger: logger}
}

// Detect classifies the new document. It returns a non-nil Decision when the
// document joins or seeds a series, (nil, nil) when it stands alone, and a
// DetectionError on any failure.
func (d *Detector) Detect(ctx context.Context, tags taxonomy.TagSet,
	embedding []float32, title string) (*Decision, error) {

	dec, err := d.detect(ctx, tags, embedding, title)
	if err != nil {
		return nil, &DetectionError{Err: err}
	}
	return dec, nil
}

func (d *Detector) detect(ctx context.Context, tags taxonomy.TagSet,
	embedding []float32, title string) (*Decision, error) {

	threshold := JoinThreshold
	if HasTitlePattern(title) {
		threshold = RelaxedJoinThreshold
		d.logger.Debug("title pattern detected, relaxing join threshold", "title", title)
	}

	candidates, err := d.idx.CandidateSeries(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("loading candidate series: %w", err)
	}

	// Similarity per candidate, kept so the judge pass does not recompute.
	sims := make(map[string]float64, len(candidates))

	for _, cand := range candidates {
		members, err := d.idx.SeriesMemberEmbeddings(ctx, cand.ID)
		if err != nil {
			return nil, fmt.Errorf("loading embeddings for series %q: %w", cand.ID, err)
		}
		avg := vecmath.AverageSimilarity(embedding, members)
		sims[cand.ID] = avg

		if avg >= threshold {
			dec, err := d.joinSeries(ctx, cand, avg)
			if err != nil {
				return nil, err
			}
			return dec, nil
		}
	}

	// Borderline candidates get a second opinion.
	if d.judge != nil {
		for _, cand := range candidates {
			avg := sims[cand.ID]
			if avg < threshold-judgeBand {
				continue
			}
			members, err := d.idx.SeriesMembers(ctx, cand.ID)
			if err != nil {
				return nil, fmt.Errorf("loading members for series %q: %w", cand.ID, err)
			}
			titles := make([]string, len(members))
			for i, m := range members {
				titles[i] = m.Title
			}

			verdict, err := d.judge.JudgeSeries(ctx, title, titles)
			if err != nil {
				d.logger.Warn("series judgment failed", "series", cand.ID, "error", err)
				continue
			}
			if !verdict.IsSeries || verdict.Confidence < judgeConfidence {
				continue
			}

			order := len(members) + 1
			d.logger.Info("judge confirmed series match",
				"series", cand.Title, "similarity", avg, "order", order)
			return &Decision{
				SeriesID:    cand.ID,
				SeriesTitle: cand.Title,
				Order:       order,
				Total:       order,
				Previous:    lastMember(members),
			}, nil
		}
	}

	return d.seedSeries(ctx, tags, embedding)
}

// joinSeries places the new document at the end of an existing series.
func (d *Detector) joinSeries(ctx context.Context, cand index.Series, avg float64) (*Decision, error) {
	members, err := d.idx.SeriesMembers(ctx, cand.ID)
	if err != nil {
		return nil, fmt.Errorf("loading members for series %q: %w", cand.ID, err)
	}

	order := len(members) + 1
	d.logger.Info("document joins series",
		"series", cand.Title, "similarity", avg, "order", order)
	return &Decision{
		SeriesID:    cand.ID,
		SeriesTitle: cand.Title,
		Order:       order,
		Total:       order,
		Previous:    lastMember(members),
	}, nil
}

// seedSeries tries to form a new series from recent loose documents that are
// highly similar to the incoming one. Returns (nil, nil) when none qualify.
func (d *Detector) seedSeries(ctx context.Context, tags taxonomy.TagSet,
	embedding []float32) (*Decision, error) {

	matches, err := d.idx.RecentSimilar(ctx, tags, embedding, LookbackDays, NewSeriesThreshold)
	if err != nil {
		return nil, fmt.Errorf("searching recent similar documents: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	seriesTitle := tags.Topic + "系列"
	seriesID, err := d.idx.CreateSeries(ctx, index.Series{
		Title:    seriesTitle,
		Magazine: tags.Magazine,
		Science:  tags.Science,
		Topic:    tags.Topic,
	})
	if err != nil {
		return nil, fmt.Errorf("creating series %q: %w", seriesTitle, err)
	}

	// Earliest document becomes installment 1.
	sorted := make([]index.RecentMatch, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for i, m := range sorted {
		if err := d.idx.AddToSeries(ctx, m.ID, seriesID, i+1); err != nil {
			return nil, fmt.Errorf("assigning %q to new series: %w", m.ID, err)
		}
	}

	order := len(sorted) + 1
	prev := sorted[len(sorted)-1]
	d.logger.Info("new series created",
		"series", seriesTitle, "seeded", len(sorted), "order", order)
	return &Decision{
		SeriesID:    seriesID,
		SeriesTitle: seriesTitle,
		Order:       order,
		Total:       order,
		Previous: &Member{
			ID:        prev.ID,
			Title:     prev.Title,
			SourceURL: prev.SourceURL,
			PostID:    prev.PostID,
		},
	}, nil
}

func lastMember(members []index.Document) *Member {
	if len(members) == 0 {
		return nil
	}
	last := members[len(members)-1]
	return &Member{
		ID:        last.ID,
		Title:     last.Title,
		SourceURL: last.SourceURL,
		PostID:    last.PostID,
	}
}
