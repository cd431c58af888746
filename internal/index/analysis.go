package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/inkwell/internal/taxonomy"
)

// TaggedDate pairs a document's tag set with its creation time. The gap
// analyzer groups these without ever loading embeddings.
type TaggedDate struct {
	Tags      taxonomy.TagSet
	CreatedAt time.Time
}

// TagsWithDates returns the tag set and creation time of every document,
// newest first.
func (s *Store) TagsWithDates(ctx context.Context) ([]TaggedDate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tag_magazine, tag_science, tag_topic, tag_content, created_at
		 FROM documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tags with dates: %w", err)
	}
	defer rows.Close()

	var result []TaggedDate
	for rows.Next() {
		var td TaggedDate
		if err := rows.Scan(
			&td.Tags.Magazine, &td.Tags.Science, &td.Tags.Topic, &td.Tags.Content,
			&td.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		result = append(result, td)
	}
	return result, rows.Err()
}

// Centroid computes the mean of all document embeddings. Returns
// ErrNotFound on an empty corpus.
func (s *Store) Centroid(ctx context.Context) ([]float32, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT AVG(embedding) FROM documents`).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("computing centroid: %w", err)
	}
	if len(vec.Slice()) == 0 {
		return nil, ErrNotFound
	}
	return vec.Slice(), nil
}

// FrontierDoc is a document far from the corpus centroid, annotated with
// its distance and the similarity of its own nearest neighbor.
type FrontierDoc struct {
	ID               string
	Title            string
	Tags             taxonomy.TagSet
	CentroidDistance float64
	NearestSim       float64
}

// Frontier returns the n documents whose embeddings lie farthest from the
// centroid, each with the cosine similarity of its nearest neighbor among
// the rest of the corpus.
func (s *Store) Frontier(ctx context.Context, centroid []float32, n int) ([]FrontierDoc, error) {
	vec := pgvector.NewVector(centroid)
	rows, err := s.pool.Query(ctx,
		`SELECT f.id, f.title,
		        f.tag_magazine, f.tag_science, f.tag_topic, f.tag_content,
		        f.dist_centroid, nn.nn_similarity
		 FROM (
		   SELECT id, title, embedding,
		          tag_magazine, tag_science, tag_topic, tag_content,
		          embedding <=> $1 AS dist_centroid
		   FROM documents
		   ORDER BY embedding <=> $1 DESC
		   LIMIT $2
		 ) f
		 CROSS JOIN LATERAL (
		   SELECT 1 - (d.embedding <=> f.embedding) AS nn_similarity
		   FROM documents d
		   WHERE d.id <> f.id
		   ORDER BY d.embedding <=> f.embedding
		   LIMIT 1
		 ) nn`,
		vec, n,
	)
	if err != nil {
		return nil, fmt.Errorf("frontier query: %w", err)
	}
	defer rows.Close()

	var result []FrontierDoc
	for rows.Next() {
		var f FrontierDoc
		if err := rows.Scan(
			&f.ID, &f.Title,
			&f.Tags.Magazine, &f.Tags.Science, &f.Tags.Topic, &f.Tags.Content,
			&f.CentroidDistance, &f.NearestSim,
		); err != nil {
			return nil, fmt.Errorf("scanning frontier row: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// RebuildVectorIndex drops and recreates the ivfflat cosine index with a
// lists parameter sized to the current corpus. Index creation needs data in
// the table to be effective; on a small or empty corpus the failure is
// logged and swallowed so schema setup never blocks on it.
func (s *Store) RebuildVectorIndex(ctx context.Context) error {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return fmt.Errorf("counting documents for index sizing: %w", err)
	}

	lists := 100
	if n > 0 {
		lists = int(math.Sqrt(float64(n)))
		if lists < 10 {
			lists = 10
		}
		if lists > 1000 {
			lists = 1000
		}
	}

	if _, err := s.pool.Exec(ctx, `DROP INDEX IF EXISTS idx_documents_embedding`); err != nil {
		return fmt.Errorf("dropping vector index: %w", err)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX idx_documents_embedding
		 ON documents USING ivfflat (embedding vector_cosine_ops)
		 WITH (lists = %d)`, lists))
	if err != nil {
		s.logger.Warn("vector index creation skipped", "documents", n, "error", err)
		return nil
	}

	s.logger.Info("vector index rebuilt", "lists", lists, "documents", n)
	return nil
}
