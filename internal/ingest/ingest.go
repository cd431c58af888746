// Package ingest orchestrates the document ingestion workflow: tag
// extraction, taxonomy validation, embedding, duplicate detection, and the
// durable insert into the vector index.
//
// Each document produces a Result; a failed step marks the result and moves
// on, so a bad document never aborts a batch. A file lock serializes whole
// pipeline runs across processes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"github.com/koopa0/inkwell/internal/association"
	"github.com/koopa0/inkwell/internal/index"
	"github.com/koopa0/inkwell/internal/taxonomy"
)

// lockRetryDelay is the poll interval while waiting for the pipeline lock.
const lockRetryDelay = 500 * time.Millisecond

// ErrLockHeld is returned when another pipeline run holds the lock and the
// caller asked not to wait.
var ErrLockHeld = errors.New("pipeline lock held by another process")

// Extraction is what the external tagger derives from raw document text.
type Extraction struct {
	Tags    taxonomy.TagSet
	Summary string
	Title   string
}

// Tagger turns document text into tags, a summary, and a title. Implemented
// by an external language-model collaborator.
type Tagger interface {
	ExtractTags(ctx context.Context, content string) (Extraction, error)
}

// Embedder produces the document embedding. Implemented by
// [embedding.Store].
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DuplicateChecker reports a stored near-identical document, nil when none.
// Implemented by [association.Retriever].
type DuplicateChecker interface {
	FindDuplicate(ctx context.Context, embedding []float32, threshold float64) *association.Duplicate
}

// Index is the subset of the vector index the ingestor consumes.
type Index interface {
	GetByURL(ctx context.Context, url string) (*index.Document, error)
	Insert(ctx context.Context, doc index.Document) (string, error)
}

// Result reports the outcome for one document. Exactly one of the terminal
// states holds: inserted (DocID set, Err nil), skipped as duplicate
// (Duplicate or AlreadyStored set), or failed (Err set).
type Result struct {
	DocID         string
	Title         string
	Tags          taxonomy.TagSet
	AlreadyStored bool
	Duplicate     *association.Duplicate
	Err           error
}

// Ok reports whether the document ended up represented in the index, either
// by this run or a previous one.
func (r Result) Ok() bool { return r.Err == nil }

// Ingestor runs the ingestion workflow.
type Ingestor struct {
	tagger   Tagger
	embedder Embedder
	dups     DuplicateChecker
	idx      Index
	synonyms *taxonomy.SynonymTable
	logger   *slog.Logger
}

// New creates an Ingestor. synonyms may be nil to skip canonicalization;
// dups may be nil to skip duplicate detection.
func New(tagger Tagger, embedder Embedder, dups DuplicateChecker, idx Index,
	synonyms *taxonomy.SynonymTable, logger *slog.Logger) *Ingestor {

	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		tagger:   tagger,
		embedder: embedder,
		dups:     dups,
		idx:      idx,
		synonyms: synonyms,
		logger:   logger,
	}
}

// Ingest runs the full workflow for one document. sourceURL may be empty.
// The returned Result is never nil; inspect Err for the failure, if any.
func (ing *Ingestor) Ingest(ctx context.Context, content, sourceURL string) Result {
	// URL dedup before any provider call. A failed read is fail-open:
	// worst case we embed a document we already have.
	if sourceURL != "" {
		existing, err := ing.idx.GetByURL(ctx, sourceURL)
		switch {
		case err == nil:
			ing.logger.Info("document already stored, skipping", "url", sourceURL, "id", existing.ID)
			return Result{
				DocID:         existing.ID,
				Title:         existing.Title,
				Tags:          existing.Tags,
				AlreadyStored: true,
			}
		case !errors.Is(err, index.ErrNotFound):
			ing.logger.Warn("url dedup check failed, continuing", "url", sourceURL, "error", err)
		}
	}

	extraction, err := ing.tagger.ExtractTags(ctx, content)
	if err != nil {
		return Result{Err: fmt.Errorf("extracting tags: %w", err)}
	}

	tags, err := taxonomy.Validate(extraction.Tags)
	if err != nil {
		return Result{Title: extraction.Title, Err: fmt.Errorf("validating tags: %w", err)}
	}
	if ing.synonyms != nil {
		tags = taxonomy.TagSet{
			Magazine: ing.synonyms.Canonicalize(tags.Magazine),
			Science:  ing.synonyms.Canonicalize(tags.Science),
			Topic:    ing.synonyms.Canonicalize(tags.Topic),
			Content:  ing.synonyms.Canonicalize(tags.Content),
		}
	}

	embedding, err := ing.embedder.Embed(ctx, extraction.Summary)
	if err != nil {
		return Result{Title: extraction.Title, Tags: tags, Err: fmt.Errorf("embedding document: %w", err)}
	}

	if ing.dups != nil {
		if dup := ing.dups.FindDuplicate(ctx, embedding, 0); dup != nil {
			ing.logger.Info("near-duplicate found, skipping insert",
				"title", extraction.Title, "duplicate_of", dup.ID, "similarity", dup.Similarity)
			return Result{Title: extraction.Title, Tags: tags, Duplicate: dup}
		}
	}

	var urlPtr *string
	if sourceURL != "" {
		urlPtr = &sourceURL
	}
	id, err := ing.idx.Insert(ctx, index.Document{
		Title:     extraction.Title,
		Tags:      tags,
		Summary:   extraction.Summary,
		Embedding: embedding,
		SourceURL: urlPtr,
	})
	if err != nil {
		return Result{Title: extraction.Title, Tags: tags, Err: fmt.Errorf("inserting document: %w", err)}
	}

	ing.logger.Info("document ingested", "id", id, "title", extraction.Title)
	return Result{DocID: id, Title: extraction.Title, Tags: tags}
}

// Doc pairs raw content with its optional source URL for batch ingestion.
type Doc struct {
	Content   string
	SourceURL string
}

// IngestAll processes documents in order under the pipeline lock. Results
// align with the input; a failed document is recorded and the batch
// continues. Returns an error only when the lock or the context fails.
func (ing *Ingestor) IngestAll(ctx context.Context, lockPath string, docs []Doc) ([]Result, error) {
	unlock, err := acquireLock(ctx, lockPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	results := make([]Result, 0, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		ing.logger.Info("ingesting document", "position", i+1, "total", len(docs))
		results = append(results, ing.Ingest(ctx, doc.Content, doc.SourceURL))
	}

	ok := 0
	for _, r := range results {
		if r.Ok() {
			ok++
		}
	}
	ing.logger.Info("batch complete", "total", len(results), "ok", ok, "failed", len(results)-ok)
	return results, nil
}

// acquireLock takes the cross-process pipeline lock, polling until the lock
// is free or ctx is done.
func acquireLock(ctx context.Context, path string) (func(), error) {
	lock := flock.New(path)

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring pipeline lock: %w", err)
	}
	if !locked {
		return nil, ErrLockHeld
	}
	return func() { _ = lock.Unlock() }, nil
}
