package index

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/inkwell/internal/taxonomy"
)

// Series is an ordered sequence of documents on the same narrow topic.
// Only the top three tag levels identify a series; the content level varies
// per installment.
type Series struct {
	ID        string
	Title     string
	Magazine  string
	Science   string
	Topic     string
	CreatedAt time.Time
}

// CandidateSeries returns all series matching the exact top-3 tag levels.
func (s *Store) CandidateSeries(ctx context.Context, tags taxonomy.TagSet) ([]Series, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, tag_magazine, tag_science, tag_topic, created_at
		 FROM document_series
		 WHERE tag_magazine = $1 AND tag_science = $2 AND tag_topic = $3`,
		tags.Magazine, tags.Science, tags.Topic)
	if err != nil {
		return nil, fmt.Errorf("candidate series query: %w", err)
	}
	defer rows.Close()

	var result []Series
	for rows.Next() {
		var sr Series
		if err := rows.Scan(&sr.ID, &sr.Title, &sr.Magazine, &sr.Science, &sr.Topic, &sr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning series row: %w", err)
		}
		result = append(result, sr)
	}
	return result, rows.Err()
}

// SeriesMembers returns a series' documents ordered by series_order.
func (s *Store) SeriesMembers(ctx context.Context, seriesID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentCols+` FROM documents
		 WHERE series_id = $1
		 ORDER BY series_order ASC`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("series members query: %w", err)
	}
	return scanDocuments(rows)
}

// SeriesMemberEmbeddings returns only the embeddings of a series' members,
// for average-similarity scoring without materializing full documents.
func (s *Store) SeriesMemberEmbeddings(ctx context.Context, seriesID string) ([][]float32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT embedding FROM documents WHERE series_id = $1`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("series embeddings query: %w", err)
	}
	defer rows.Close()

	var embeddings [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		embeddings = append(embeddings, vec.Slice())
	}
	return embeddings, rows.Err()
}

// CreateSeries persists a new series. Write failures are hard errors.
func (s *Store) CreateSeries(ctx context.Context, sr Series) (string, error) {
	if sr.ID == "" {
		sr.ID = NewID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_series (id, title, tag_magazine, tag_science, tag_topic)
		 VALUES ($1, $2, $3, $4, $5)`,
		sr.ID, sr.Title, sr.Magazine, sr.Science, sr.Topic)
	if err != nil {
		return "", fmt.Errorf("creating series %q: %w", sr.Title, err)
	}

	s.logger.Info("series created", "id", sr.ID, "title", sr.Title)
	return sr.ID, nil
}

// AddToSeries assigns a document to a series at the given 1-based order.
func (s *Store) AddToSeries(ctx context.Context, docID, seriesID string, order int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET series_id = $1, series_order = $2 WHERE id = $3`,
		seriesID, order, docID)
	if err != nil {
		return fmt.Errorf("adding %q to series %q: %w", docID, seriesID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	return nil
}

// RecentMatch is a recent, series-free document similar enough to seed a
// new series together with an incoming document.
type RecentMatch struct {
	ID         string
	Title      string
	SourceURL  *string
	PostID     *int64
	CreatedAt  time.Time
	Similarity float64
}

// RecentSimilar finds documents from the lookback window that share the
// exact top-3 tags, are not yet in a series, and whose similarity to
// embedding meets the threshold. At most five are returned, most similar
// first.
func (s *Store) RecentSimilar(ctx context.Context, tags taxonomy.TagSet,
	embedding []float32, lookbackDays int, threshold float64) ([]RecentMatch, error) {

	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, source_url, post_id, created_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM documents
		 WHERE tag_magazine = $2 AND tag_science = $3 AND tag_topic = $4
		   AND series_id IS NULL
		   AND created_at >= NOW() - $5 * INTERVAL '1 day'
		 ORDER BY embedding <=> $1
		 LIMIT 5`,
		vec, tags.Magazine, tags.Science, tags.Topic, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("recent similar query: %w", err)
	}
	defer rows.Close()

	var matches []RecentMatch
	for rows.Next() {
		var m RecentMatch
		if err := rows.Scan(&m.ID, &m.Title, &m.SourceURL, &m.PostID, &m.CreatedAt, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning recent similar row: %w", err)
		}
		if m.Similarity >= threshold {
			matches = append(matches, m)
		}
	}
	return matches, rows.Err()
}
