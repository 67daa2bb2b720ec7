package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/solvia-ai/relay/internal/embedder"
	"github.com/solvia-ai/relay/pkg/models"
)

type fakeIngestStore struct {
	kb       *models.KnowledgeBase
	pending  []*models.Document
	statuses []models.DocumentStatus
	details  []string
	inserted [][]*models.EmbeddingChunk
}

func (f *fakeIngestStore) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	if f.kb == nil {
		return nil, errors.New("no kb")
	}
	return f.kb, nil
}

func (f *fakeIngestStore) ListPendingDocuments(ctx context.Context, limit int) ([]*models.Document, error) {
	return f.pending, nil
}

func (f *fakeIngestStore) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, detail string) error {
	f.statuses = append(f.statuses, status)
	f.details = append(f.details, detail)
	return nil
}

func (f *fakeIngestStore) InsertChunks(ctx context.Context, kb *models.KnowledgeBase, chunks []*models.EmbeddingChunk) error {
	f.inserted = append(f.inserted, chunks)
	return nil
}

type dimEmbedder struct {
	dim int
}

func (d *dimEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, d.dim), nil
}

func (d *dimEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, d.dim)
	}
	return out, nil
}

func (d *dimEmbedder) Name() string      { return "dim" }
func (d *dimEmbedder) Dimension() int    { return d.dim }
func (d *dimEmbedder) MaxBatchSize() int { return 2 }

func TestProcessDocumentSuccess(t *testing.T) {
	st := &fakeIngestStore{
		kb: &models.KnowledgeBase{ID: "kb-1", EmbeddingDimension: 3, ChunkSize: 20, Strategy: models.ChunkFixed},
	}
	ing := NewIngestor(st, func(*models.KnowledgeBase) (embedder.Embedder, error) {
		return &dimEmbedder{dim: 3}, nil
	}, slog.Default())

	doc := &models.Document{ID: "doc-1", KnowledgeBaseID: "kb-1", Content: strings.Repeat("policy text ", 10)}
	if err := ing.ProcessDocument(context.Background(), doc); err != nil {
		t.Fatalf("ProcessDocument error: %v", err)
	}

	if len(st.statuses) != 2 || st.statuses[0] != models.DocumentProcessing || st.statuses[1] != models.DocumentCompleted {
		t.Errorf("unexpected status transitions: %v", st.statuses)
	}
	if len(st.inserted) != 1 || len(st.inserted[0]) == 0 {
		t.Fatal("expected chunks inserted")
	}
	for i, chunk := range st.inserted[0] {
		if chunk.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, chunk.ChunkIndex)
		}
		if chunk.TokenCount == 0 {
			t.Errorf("chunk %d missing token count", i)
		}
	}
}

func TestProcessDocumentDimensionMismatchInsertsNothing(t *testing.T) {
	st := &fakeIngestStore{
		kb: &models.KnowledgeBase{ID: "kb-1", EmbeddingDimension: 8, ChunkSize: 50, Strategy: models.ChunkFixed},
	}
	ing := NewIngestor(st, func(*models.KnowledgeBase) (embedder.Embedder, error) {
		return &dimEmbedder{dim: 3}, nil
	}, slog.Default())

	doc := &models.Document{ID: "doc-1", KnowledgeBaseID: "kb-1", Content: "some content to index"}
	err := ing.ProcessDocument(context.Background(), doc)
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if !strings.Contains(err.Error(), "dimensions") {
		t.Errorf("error should name the mismatch: %v", err)
	}

	if len(st.inserted) != 0 {
		t.Error("no chunks may be inserted on mismatch")
	}
	last := st.statuses[len(st.statuses)-1]
	if last != models.DocumentFailed {
		t.Errorf("document should be failed, got %s", last)
	}
	if !strings.Contains(st.details[len(st.details)-1], "dimensions") {
		t.Errorf("failure detail should be recorded, got %q", st.details[len(st.details)-1])
	}
}

func TestProcessDocumentEmptyContentCompletes(t *testing.T) {
	st := &fakeIngestStore{
		kb: &models.KnowledgeBase{ID: "kb-1", EmbeddingDimension: 3, ChunkSize: 100},
	}
	ing := NewIngestor(st, func(*models.KnowledgeBase) (embedder.Embedder, error) {
		t.Fatal("embedder should not be built for empty documents")
		return nil, nil
	}, slog.Default())

	doc := &models.Document{ID: "doc-1", KnowledgeBaseID: "kb-1", Content: "   "}
	if err := ing.ProcessDocument(context.Background(), doc); err != nil {
		t.Fatalf("ProcessDocument error: %v", err)
	}
	if st.statuses[len(st.statuses)-1] != models.DocumentCompleted {
		t.Errorf("expected completed, got %v", st.statuses)
	}
}

func TestProcessPendingContinuesPastFailures(t *testing.T) {
	st := &fakeIngestStore{
		kb: &models.KnowledgeBase{ID: "kb-1", EmbeddingDimension: 3, ChunkSize: 100, Strategy: models.ChunkFixed},
		pending: []*models.Document{
			{ID: "doc-bad", KnowledgeBaseID: "kb-1", Content: "fails"},
			{ID: "doc-good", KnowledgeBaseID: "kb-1", Content: "succeeds"},
		},
	}
	calls := 0
	ing := NewIngestor(st, func(*models.KnowledgeBase) (embedder.Embedder, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("provider down")
		}
		return &dimEmbedder{dim: 3}, nil
	}, slog.Default())

	processed, err := ing.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending error: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 processed, got %d", processed)
	}
}
