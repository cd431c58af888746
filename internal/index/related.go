package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/inkwell/internal/taxonomy"
)

// MinTagMatches is the minimum number of matching tag levels for a document
// to count as related at all.
const MinTagMatches = 2

// RelatedDoc is one row of a two-stage relation query: the document plus
// its tag match count and cosine similarity against the query embedding.
type RelatedDoc struct {
	ID            string
	Title         string
	Summary       string
	Tags          taxonomy.TagSet
	SourceURL     *string
	CreatedAt     time.Time
	TagMatchCount int
	Similarity    float64
}

// FindRelated runs the two-stage relation query as a single indexed SQL
// statement: the tag pre-filter narrows the candidate pool, then pgvector
// ranks the survivors by cosine distance.
//
// The pre-filter requires a match on magazine or science, the two most
// significant levels. Documents matching only on topic+content are excluded
// even though their total match count would reach the threshold; that is an
// accepted recall/performance trade-off carried over from the query's
// original design.
func (s *Store) FindRelated(ctx context.Context, tags taxonomy.TagSet,
	embedding []float32, excludeID string, topK int) ([]RelatedDoc, error) {

	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx,
		`WITH candidates AS (
		   SELECT id, title, summary, source_url, created_at, embedding,
		          tag_magazine, tag_science, tag_topic, tag_content,
		          (CASE WHEN tag_magazine = $1 THEN 1 ELSE 0 END +
		           CASE WHEN tag_science  = $2 THEN 1 ELSE 0 END +
		           CASE WHEN tag_topic    = $3 THEN 1 ELSE 0 END +
		           CASE WHEN tag_content  = $4 THEN 1 ELSE 0 END) AS tag_match_count
		   FROM documents
		   WHERE id <> $5
		     AND (tag_magazine = $1 OR tag_science = $2)
		 )
		 SELECT id, title, summary, source_url, created_at,
		        tag_magazine, tag_science, tag_topic, tag_content,
		        tag_match_count,
		        1 - (embedding <=> $6) AS similarity
		 FROM candidates
		 WHERE tag_match_count >= $7
		 ORDER BY embedding <=> $6
		 LIMIT $8`,
		tags.Magazine, tags.Science, tags.Topic, tags.Content,
		excludeID, vec, MinTagMatches, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("relation query: %w", err)
	}
	defer rows.Close()

	var results []RelatedDoc
	for rows.Next() {
		var d RelatedDoc
		if err := rows.Scan(
			&d.ID, &d.Title, &d.Summary, &d.SourceURL, &d.CreatedAt,
			&d.Tags.Magazine, &d.Tags.Science, &d.Tags.Topic, &d.Tags.Content,
			&d.TagMatchCount, &d.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scanning relation row: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// Neighbor is the single nearest document by cosine similarity.
type Neighbor struct {
	ID         string
	Title      string
	SourceURL  *string
	Similarity float64
}

// NearestNeighbor returns the document closest to embedding, or ErrNotFound
// on an empty corpus. The duplicate decision itself belongs to the caller.
func (s *Store) NearestNeighbor(ctx context.Context, embedding []float32) (*Neighbor, error) {
	vec := pgvector.NewVector(embedding)
	var n Neighbor
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, source_url, 1 - (embedding <=> $1) AS similarity
		 FROM documents
		 ORDER BY embedding <=> $1
		 LIMIT 1`,
		vec,
	).Scan(&n.ID, &n.Title, &n.SourceURL, &n.Similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nearest neighbor query: %w", err)
	}
	return &n, nil
}
