// Package index persists documents with their tags and embeddings in
// PostgreSQL + pgvector and exposes the query shapes the rest of the core
// is built on: nearest-neighbor search, tag-filtered relation candidates,
// centroid/frontier analysis, and series membership.
//
// The database is the source of truth for document and series state;
// callers never cache rows beyond a single in-flight operation.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/inkwell/internal/taxonomy"
)

// ErrNotFound is returned when the requested document or series does not
// exist.
var ErrNotFound = errors.New("not found")

// Document is a persisted document with its taxonomy and embedding.
type Document struct {
	ID          string
	Title       string
	Tags        taxonomy.TagSet
	Summary     string
	Embedding   []float32
	SourceURL   *string
	SeriesID    *string
	SeriesOrder *int
	PostID      *int64 // external CMS post reference
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// documentCols is the standard SELECT column list for scanDocument.
const documentCols = `id, title, tag_magazine, tag_science, tag_topic, tag_content,
	summary, embedding, source_url, series_id, series_order, post_id,
	created_at, updated_at`

// Store manages the document corpus. It is safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store over the given connection pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// NewID generates a document or series id: a uuid4 truncated to 12 hex
// characters, matching the ids already in the corpus.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Insert persists a new document. An empty ID is replaced with a generated
// one; the assigned id is returned. Write failures are hard errors.
func (s *Store) Insert(ctx context.Context, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = NewID()
	}
	if len(doc.Embedding) == 0 {
		return "", fmt.Errorf("document %q has no embedding", doc.ID)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents
		   (id, title, tag_magazine, tag_science, tag_topic, tag_content,
		    summary, embedding, source_url, series_id, series_order, post_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		doc.ID, doc.Title,
		doc.Tags.Magazine, doc.Tags.Science, doc.Tags.Topic, doc.Tags.Content,
		doc.Summary, pgvector.NewVector(doc.Embedding),
		doc.SourceURL, doc.SeriesID, doc.SeriesOrder, doc.PostID,
	)
	if err != nil {
		return "", fmt.Errorf("inserting document %q: %w", doc.ID, err)
	}

	s.logger.Info("document stored", "id", doc.ID, "title", doc.Title)
	return doc.ID, nil
}

// Get fetches a document by id. Returns ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document %q: %w", id, err)
	}
	return doc, nil
}

// GetByURL fetches a document by its source URL, used for ingestion dedup.
func (s *Store) GetByURL(ctx context.Context, url string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE source_url = $1`, url)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document with url %q: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document by url: %w", err)
	}
	return doc, nil
}

// SetPostID records the external CMS post reference for a document.
func (s *Store) SetPostID(ctx context.Context, id string, postID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET post_id = $1 WHERE id = $2`, postID, id)
	if err != nil {
		return fmt.Errorf("setting post id for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTags replaces a document's tag set.
func (s *Store) UpdateTags(ctx context.Context, id string, tags taxonomy.TagSet) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
		 SET tag_magazine = $1, tag_science = $2, tag_topic = $3, tag_content = $4
		 WHERE id = $5`,
		tags.Magazine, tags.Science, tags.Topic, tags.Content, id)
	if err != nil {
		return fmt.Errorf("updating tags for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a document. Administrative operation; the core's own flows
// never delete.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	s.logger.Info("document deleted", "id", id)
	return nil
}

// Count returns the number of documents in the corpus.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// List returns documents newest-first with limit/offset paging.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentCols+` FROM documents
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return scanDocuments(rows)
}

// RecentTitles returns the titles of the most recently created documents,
// newest first. Consumed by the narrative-rendering collaborator.
func (s *Store) RecentTitles(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT title FROM documents ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc Document
		vec pgvector.Vector
	)
	err := row.Scan(
		&doc.ID, &doc.Title,
		&doc.Tags.Magazine, &doc.Tags.Science, &doc.Tags.Topic, &doc.Tags.Content,
		&doc.Summary, &vec,
		&doc.SourceURL, &doc.SeriesID, &doc.SeriesOrder, &doc.PostID,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Embedding = vec.Slice()
	return &doc, nil
}

func scanDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}
