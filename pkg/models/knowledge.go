package models

import (
	"time"
)

// ChunkStrategy selects how documents are split before embedding.
type ChunkStrategy string

const (
	// ChunkRecursive splits on paragraph, sentence, then word boundaries.
	ChunkRecursive ChunkStrategy = "recursive"
	// ChunkFixed splits into fixed-size windows with overlap.
	ChunkFixed ChunkStrategy = "fixed"
	// ChunkSemantic splits on semantic boundaries (headings, blank-line
	// separated blocks) before falling back to recursive.
	ChunkSemantic ChunkStrategy = "semantic"
)

// KnowledgeBase is a named corpus with a single embedding space. Every chunk
// in the KB is embedded with the same provider, model, and dimension.
type KnowledgeBase struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is the operator-facing label.
	Name string `json:"name"`

	// Description is shown in retrieval context headers.
	Description string `json:"description,omitempty"`

	// EmbeddingProvider is the embedder tag (openai, ollama, cohere,
	// huggingface).
	EmbeddingProvider string `json:"embedding_provider"`

	// EmbeddingModel is the model within the provider.
	EmbeddingModel string `json:"embedding_model"`

	// EmbeddingDimension is the vector width. All chunks must match.
	EmbeddingDimension int `json:"embedding_dimension"`

	// ChunkSize is the target chunk length in characters.
	ChunkSize int `json:"chunk_size"`

	// ChunkOverlap is the character overlap between adjacent chunks.
	ChunkOverlap int `json:"chunk_overlap"`

	// Strategy selects the chunker.
	Strategy ChunkStrategy `json:"strategy"`

	// Metadata is shown in retrieval context headers.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Active gates the KB in and out of retrieval.
	Active bool `json:"active"`

	// CreatedAt is when the KB was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the KB was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentStatus is the ingest lifecycle state of a document.
type DocumentStatus string

const (
	// DocumentPending awaits ingestion.
	DocumentPending DocumentStatus = "pending"
	// DocumentProcessing is being chunked and embedded.
	DocumentProcessing DocumentStatus = "processing"
	// DocumentCompleted is fully indexed.
	DocumentCompleted DocumentStatus = "completed"
	// DocumentFailed aborted with an error; no chunks were inserted.
	DocumentFailed DocumentStatus = "failed"
)

// Document is one source text inside a knowledge base. Deleting a document
// cascades to its embedding chunks.
type Document struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// KnowledgeBaseID is the owning KB.
	KnowledgeBaseID string `json:"knowledge_base_id"`

	// Name is the document title shown in retrieval sources.
	Name string `json:"name"`

	// Source records provenance (upload, url, api).
	Source string `json:"source,omitempty"`

	// Content is the raw text.
	Content string `json:"content"`

	// Status is the ingest lifecycle state.
	Status DocumentStatus `json:"status"`

	// Error holds the failure reason when Status is failed.
	Error string `json:"error,omitempty"`

	// Metadata is carried onto chunks and shown in retrieval context.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the document was added.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the document last changed state.
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingChunk is the unit of retrieval: one embedded slice of a document.
type EmbeddingChunk struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// DocumentID is the parent document.
	DocumentID string `json:"document_id"`

	// KnowledgeBaseID denormalizes the owning KB for search.
	KnowledgeBaseID string `json:"knowledge_base_id"`

	// ChunkIndex is the 0-based position within the document.
	ChunkIndex int `json:"chunk_index"`

	// Content is the chunk text.
	Content string `json:"content"`

	// Embedding is the vector; its length must equal the KB dimension.
	Embedding []float32 `json:"-"`

	// TokenCount is the approximate token length.
	TokenCount int `json:"token_count,omitempty"`

	// Metadata is inherited from the document.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the chunk was indexed.
	CreatedAt time.Time `json:"created_at"`
}
