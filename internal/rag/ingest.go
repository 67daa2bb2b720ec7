package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

// IngestStore is the persistence surface the ingest pipeline needs.
type IngestStore interface {
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
	ListPendingDocuments(ctx context.Context, limit int) ([]*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, detail string) error
	InsertChunks(ctx context.Context, kb *models.KnowledgeBase, chunks []*models.EmbeddingChunk) error
}

// Ingestor moves documents through pending → processing → completed/failed,
// chunking and embedding along the way. A dimension mismatch fails the
// document without inserting anything.
type Ingestor struct {
	store     IngestStore
	embedders EmbedderFactory
	logger    *slog.Logger

	// BatchLimit caps documents per sweep.
	BatchLimit int
}

// NewIngestor builds the document pipeline.
func NewIngestor(st IngestStore, factory EmbedderFactory, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:      st,
		embedders:  factory,
		logger:     logger.With("component", "rag.ingest"),
		BatchLimit: 10,
	}
}

// ProcessPending sweeps pending documents once. Individual document failures
// are recorded on the document and do not stop the sweep.
func (in *Ingestor) ProcessPending(ctx context.Context) (int, error) {
	docs, err := in.store.ListPendingDocuments(ctx, in.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}

	processed := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := in.ProcessDocument(ctx, doc); err != nil {
			in.logger.Error("document ingest failed",
				"document_id", doc.ID,
				"knowledge_base_id", doc.KnowledgeBaseID,
				"error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessDocument chunks, embeds, and indexes one document. The returned
// error mirrors what was recorded on the document row.
func (in *Ingestor) ProcessDocument(ctx context.Context, doc *models.Document) error {
	started := time.Now()

	if err := in.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	fail := func(err error) error {
		if updateErr := in.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentFailed, err.Error()); updateErr != nil {
			in.logger.Error("failed to record document failure", "document_id", doc.ID, "error", updateErr)
		}
		return err
	}

	kb, err := in.store.GetKnowledgeBase(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return fail(fmt.Errorf("load knowledge base: %w", err))
	}

	pieces := NewChunker(kb).Split(doc.Content)
	if len(pieces) == 0 {
		// Nothing to index; the document is done.
		return in.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentCompleted, "")
	}

	emb, err := in.embedders(kb)
	if err != nil {
		return fail(fmt.Errorf("build embedder: %w", err))
	}

	vectors := make([][]float32, 0, len(pieces))
	batchSize := emb.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(pieces); start += batchSize {
		end := start + batchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		batch, err := emb.EmbedBatch(ctx, pieces[start:end])
		if err != nil {
			return fail(fmt.Errorf("embed batch starting at %d: %w", start, err))
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(pieces) {
		return fail(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces)))
	}

	chunks := make([]*models.EmbeddingChunk, len(pieces))
	for i, piece := range pieces {
		if len(vectors[i]) != kb.EmbeddingDimension {
			return fail(fmt.Errorf("chunk %d embedding has %d dimensions, knowledge base %s expects %d",
				i, len(vectors[i]), kb.ID, kb.EmbeddingDimension))
		}
		chunks[i] = &models.EmbeddingChunk{
			DocumentID:      doc.ID,
			KnowledgeBaseID: kb.ID,
			ChunkIndex:      i,
			Content:         piece,
			Embedding:       vectors[i],
			TokenCount:      estimateTokens(piece),
			Metadata:        doc.Metadata,
		}
	}

	if err := in.store.InsertChunks(ctx, kb, chunks); err != nil {
		return fail(fmt.Errorf("insert chunks: %w", err))
	}

	if err := in.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	in.logger.Info("document indexed",
		"document_id", doc.ID,
		"knowledge_base_id", kb.ID,
		"chunks", len(chunks),
		"strategy", string(kb.Strategy),
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}
