package gap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koopa0/inkwell/internal/index"
	"github.com/koopa0/inkwell/internal/log"
	"github.com/koopa0/inkwell/internal/taxonomy"
)

// mockIndex implements Index for testing.
type mockIndex struct {
	count       int
	countErr    error
	tagged      []index.TaggedDate
	taggedErr   error
	centroid    []float32
	centroidErr error
	frontier    []index.FrontierDoc
	frontierErr error
	titles      []string
	titlesErr   error

	lastFrontierN int
}

func (m *mockIndex) Count(context.Context) (int, error) { return m.count, m.countErr }

func (m *mockIndex) TagsWithDates(context.Context) ([]index.TaggedDate, error) {
	return m.tagged, m.taggedErr
}

func (m *mockIndex) Centroid(context.Context) ([]float32, error) {
	return m.centroid, m.centroidErr
}

func (m *mockIndex) Frontier(_ context.Context, _ []float32, n int) ([]index.FrontierDoc, error) {
	m.lastFrontierN = n
	return m.frontier, m.frontierErr
}

func (m *mockIndex) RecentTitles(context.Context, int) ([]string, error) {
	return m.titles, m.titlesErr
}

type mockRecommender struct {
	called     bool
	gotGaps    []Gap
	gotTitles  []string
	returnsErr error
}

func (m *mockRecommender) Recommend(_ context.Context, gaps []Gap, titles []string) error {
	m.called = true
	m.gotGaps = gaps
	m.gotTitles = titles
	return m.returnsErr
}

var fixedNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func newTestAnalyzer(idx Index) *Analyzer {
	a := New(idx, log.NewNop())
	a.now = func() time.Time { return fixedNow }
	return a
}

func taggedAt(mag, sci, topic string, age time.Duration) index.TaggedDate {
	return index.TaggedDate{
		Tags:      taxonomy.TagSet{Magazine: mag, Science: sci, Topic: topic},
		CreatedAt: fixedNow.Add(-age),
	}
}

func TestAnalyze_InsufficientCorpus(t *testing.T) {
	idx := &mockIndex{count: MinCorpusSize - 1}
	a := newTestAnalyzer(idx)

	_, err := a.Analyze(context.Background(), 5)
	if !errors.Is(err, ErrInsufficientCorpus) {
		t.Fatalf("Analyze() error = %v, want ErrInsufficientCorpus", err)
	}
}

func TestAnalyze_MinimumCorpusRuns(t *testing.T) {
	tagged := make([]index.TaggedDate, 0, MinCorpusSize)
	for i := 0; i < MinCorpusSize; i++ {
		tagged = append(tagged, taggedAt("Tech", "AI", "NLP", time.Duration(i)*24*time.Hour))
	}
	idx := &mockIndex{
		count:    MinCorpusSize,
		tagged:   tagged,
		centroid: []float32{1, 0},
	}
	a := newTestAnalyzer(idx)

	gaps, err := a.Analyze(context.Background(), 5)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(gaps) == 0 {
		t.Fatal("Analyze() returned no gaps for a valid corpus")
	}
}

func TestAnalyze_ScoresDescending(t *testing.T) {
	idx := &mockIndex{
		count: 20,
		tagged: []index.TaggedDate{
			// Rare and dormant: strongest tag gap.
			taggedAt("Tech", "AI", "RL", 120*24*time.Hour),
			// Common and fresh: weakest.
			taggedAt("Tech", "AI", "NLP", 24*time.Hour),
			taggedAt("Tech", "AI", "NLP", 2*24*time.Hour),
			taggedAt("Tech", "AI", "NLP", 3*24*time.Hour),
			taggedAt("Tech", "AI", "NLP", 4*24*time.Hour),
			// Middling.
			taggedAt("Tech", "Systems", "DB", 45*24*time.Hour),
			taggedAt("Tech", "Systems", "DB", 60*24*time.Hour),
		},
		centroid: []float32{1, 0},
		frontier: []index.FrontierDoc{
			{
				ID: "f1", Title: "isolated",
				Tags:             taxonomy.TagSet{Magazine: "Tech", Science: "AI", Topic: "RL"},
				CentroidDistance: 0.9, NearestSim: 0.3,
			},
			{
				ID: "f2", Title: "well connected",
				Tags:             taxonomy.TagSet{Magazine: "Tech", Science: "AI", Topic: "NLP"},
				CentroidDistance: 0.5, NearestSim: 0.85,
			},
		},
	}
	a := newTestAnalyzer(idx)

	gaps, err := a.Analyze(context.Background(), 5)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	for i := 1; i < len(gaps); i++ {
		if gaps[i].Score > gaps[i-1].Score {
			t.Errorf("gaps not descending at %d: %.4f > %.4f", i, gaps[i].Score, gaps[i-1].Score)
		}
	}

	// RL appears in both signals and should rank first after merging.
	if gaps[0].Tags == nil || gaps[0].Tags.Topic != "RL" {
		t.Errorf("top gap = %+v, want RL combination", gaps[0])
	}
	if gaps[0].Kind != KindMerged {
		t.Errorf("top gap kind = %q, want merged", gaps[0].Kind)
	}
}

func TestAnalyze_FrontierSizeAndSparseFilter(t *testing.T) {
	idx := &mockIndex{
		count:    15,
		tagged:   []index.TaggedDate{taggedAt("Tech", "AI", "NLP", 24*time.Hour)},
		centroid: []float32{1},
		frontier: []index.FrontierDoc{
			{ID: "dense", CentroidDistance: 0.9, NearestSim: 0.75},
			{ID: "sparse", CentroidDistance: 0.8, NearestSim: 0.4,
				Tags: taxonomy.TagSet{Magazine: "M", Science: "S", Topic: "T"}},
		},
	}
	a := newTestAnalyzer(idx)

	gaps, err := a.Analyze(context.Background(), 4)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if idx.lastFrontierN != 4*frontierMultiplier {
		t.Errorf("frontier pull = %d, want %d", idx.lastFrontierN, 4*frontierMultiplier)
	}

	// Only the sparse document may contribute a vector gap.
	for _, g := range gaps {
		if g.Kind == KindVectorGap && g.Tags != nil && g.Tags.Magazine != "M" {
			t.Errorf("dense frontier doc leaked into gaps: %+v", g)
		}
	}
}

func TestAnalyze_VectorSignalFailureDegrades(t *testing.T) {
	idx := &mockIndex{
		count:       12,
		tagged:      []index.TaggedDate{taggedAt("Tech", "AI", "NLP", 40*24*time.Hour)},
		centroidErr: errors.New("avg failed"),
	}
	a := newTestAnalyzer(idx)

	gaps, err := a.Analyze(context.Background(), 5)
	if err != nil {
		t.Fatalf("Analyze() error = %v, want tag-only result", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("len(gaps) = %d, want 1 tag gap", len(gaps))
	}
	if gaps[0].Kind != KindTagGap {
		t.Errorf("kind = %q, want tag_gap", gaps[0].Kind)
	}
}

func TestAnalyze_TruncatesToTopN(t *testing.T) {
	var tagged []index.TaggedDate
	topics := []string{"A", "B", "C", "D", "E", "F", "G"}
	for i, topic := range topics {
		tagged = append(tagged, taggedAt("Tech", "AI", topic, time.Duration(i+1)*24*time.Hour))
	}
	idx := &mockIndex{count: 14, tagged: tagged, centroid: []float32{1}}
	a := newTestAnalyzer(idx)

	gaps, err := a.Analyze(context.Background(), 3)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(gaps) != 3 {
		t.Errorf("len(gaps) = %d, want 3", len(gaps))
	}
}

func TestNormalizeScores_DegenerateRange(t *testing.T) {
	gaps := []Gap{{Score: 0.4}, {Score: 0.4}, {Score: 0.4}}
	out := normalizeScores(gaps)
	for i, g := range out {
		if g.Score != 1.0 {
			t.Errorf("out[%d].Score = %v, want 1.0", i, g.Score)
		}
	}
	// Input must stay untouched.
	if gaps[0].Score != 0.4 {
		t.Error("normalizeScores mutated its input")
	}
}

func TestStalenessBounds(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"fresh clamps to floor", 24 * time.Hour, stalenessFloor},
		{"ancient clamps to cap", 365 * 24 * time.Hour, stalenessCap},
		{"sixty days is 2.0", 60 * 24 * time.Hour, 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer(&mockIndex{})
			gaps := a.tagGaps([]index.TaggedDate{taggedAt("M", "S", "T", tt.age)})
			if len(gaps) != 1 {
				t.Fatalf("len(gaps) = %d, want 1", len(gaps))
			}
			// Single document: raw = 1/(1+1) = 0.5.
			want := 0.5 * tt.want
			if diff := gaps[0].Score - want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", gaps[0].Score, want)
			}
		})
	}
}

func TestRecommendations(t *testing.T) {
	idx := &mockIndex{
		count:    12,
		tagged:   []index.TaggedDate{taggedAt("Tech", "AI", "NLP", 40*24*time.Hour)},
		centroid: []float32{1},
		titles:   []string{"recent one", "recent two"},
	}
	a := newTestAnalyzer(idx)
	rec := &mockRecommender{}

	if err := a.Recommendations(context.Background(), 5, rec); err != nil {
		t.Fatalf("Recommendations() error = %v", err)
	}
	if !rec.called {
		t.Fatal("recommender not invoked")
	}
	if len(rec.gotGaps) == 0 {
		t.Error("recommender received no gaps")
	}
	if len(rec.gotTitles) != 2 {
		t.Errorf("recommender received %d titles, want 2", len(rec.gotTitles))
	}
}

func TestRecommendations_TitleFailureProceeds(t *testing.T) {
	idx := &mockIndex{
		count:     12,
		tagged:    []index.TaggedDate{taggedAt("Tech", "AI", "NLP", 40*24*time.Hour)},
		centroid:  []float32{1},
		titlesErr: errors.New("query failed"),
	}
	a := newTestAnalyzer(idx)
	rec := &mockRecommender{}

	if err := a.Recommendations(context.Background(), 5, rec); err != nil {
		t.Fatalf("Recommendations() error = %v", err)
	}
	if !rec.called {
		t.Fatal("recommender not invoked despite title failure")
	}
	if rec.gotTitles != nil {
		t.Errorf("titles = %v, want nil", rec.gotTitles)
	}
}
