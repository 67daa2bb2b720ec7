package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/pkg/models"
)

const knowledgeBaseColumns = `id, name, description, embedding_provider, embedding_model,
	embedding_dimension, chunk_size, chunk_overlap, strategy, metadata, active, created_at, updated_at`

func scanKnowledgeBase(row interface{ Scan(...any) error }) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	var metadataJSON []byte

	err := row.Scan(
		&kb.ID, &kb.Name, &kb.Description, &kb.EmbeddingProvider, &kb.EmbeddingModel,
		&kb.EmbeddingDimension, &kb.ChunkSize, &kb.ChunkOverlap, &kb.Strategy,
		&metadataJSON, &kb.Active, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &kb.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal knowledge base metadata: %w", err)
		}
	}
	return &kb, nil
}

// GetKnowledgeBase fetches a knowledge base by id.
func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+knowledgeBaseColumns+`
		FROM knowledge_bases
		WHERE id = $1
	`, id)

	kb, err := scanKnowledgeBase(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query knowledge base: %w", err)
	}
	return kb, nil
}

// ListKnowledgeBindings returns the flow's knowledge base links ordered by
// priority, restricted to active knowledge bases.
func (s *Store) ListKnowledgeBindings(ctx context.Context, flowID string) ([]*models.FlowKnowledgeBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fk.flow_id, fk.knowledge_base_id, fk.priority, fk.similarity_threshold, fk.max_results
		FROM flow_knowledge fk
		JOIN knowledge_bases kb ON kb.id = fk.knowledge_base_id
		WHERE fk.flow_id = $1 AND kb.active
		ORDER BY fk.priority ASC, fk.knowledge_base_id ASC
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query knowledge bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*models.FlowKnowledgeBinding
	for rows.Next() {
		var b models.FlowKnowledgeBinding
		if err := rows.Scan(&b.FlowID, &b.KnowledgeBaseID, &b.Priority, &b.SimilarityThreshold, &b.MaxResults); err != nil {
			return nil, fmt.Errorf("scan knowledge binding: %w", err)
		}
		bindings = append(bindings, &b)
	}
	return bindings, rows.Err()
}

const documentColumns = `id, knowledge_base_id, name, source, content, status, error, metadata, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var doc models.Document
	var metadataJSON []byte

	err := row.Scan(
		&doc.ID, &doc.KnowledgeBaseID, &doc.Name, &doc.Source, &doc.Content,
		&doc.Status, &doc.Error, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal document metadata: %w", err)
		}
	}
	return &doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1
	`, id)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

// InsertDocument stores a new document in pending state and returns it.
func (s *Store) InsertDocument(ctx context.Context, doc *models.Document) (*models.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal document metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, knowledge_base_id, name, source, content, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+documentColumns+`
	`, doc.ID, doc.KnowledgeBaseID, doc.Name, doc.Source, doc.Content, metadata)

	inserted, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return inserted, nil
}

// UpdateDocumentStatus moves a document through the ingest lifecycle. The
// error detail is recorded alongside terminal failures and cleared otherwise.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $2, error = $3, updated_at = now() WHERE id = $1
	`, id, status, detail)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return requireRow(res)
}

// ListPendingDocuments returns documents awaiting ingestion, oldest first.
func (s *Store) ListPendingDocuments(ctx context.Context, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; its chunks go with it via cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(res)
}

// InsertChunks stores a document's embedded chunks in one transaction. Every
// embedding must match the knowledge base dimension; on any mismatch the
// transaction rolls back and nothing is inserted.
func (s *Store) InsertChunks(ctx context.Context, kb *models.KnowledgeBase, chunks []*models.EmbeddingChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embedding_chunks (id, document_id, knowledge_base_id, chunk_index, content, embedding, token_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if err := validateVector(chunk.Embedding, kb.EmbeddingDimension); err != nil {
			return fmt.Errorf("chunk %d: %w", chunk.ChunkIndex, err)
		}
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			chunk.ID, chunk.DocumentID, chunk.KnowledgeBaseID, chunk.ChunkIndex,
			chunk.Content, encodeVector(chunk.Embedding), chunk.TokenCount, metadata)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

// CountChunks reports how many chunks a knowledge base holds.
func (s *Store) CountChunks(ctx context.Context, knowledgeBaseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embedding_chunks WHERE knowledge_base_id = $1
	`, knowledgeBaseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// ChunkMatch is one retrieval candidate with its cosine similarity.
type ChunkMatch struct {
	Chunk        *models.EmbeddingChunk
	DocumentName string
	Similarity   float32
}

// SearchChunks runs a cosine similarity search inside one knowledge base.
// Only chunks of completed documents at or above the threshold are returned,
// nearest first.
func (s *Store) SearchChunks(ctx context.Context, knowledgeBaseID string, query []float32, threshold float32, limit int) ([]*ChunkMatch, error) {
	if err := validateVector(query, 0); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.knowledge_base_id, c.chunk_index, c.content,
		       c.token_count, c.metadata, c.created_at, d.name,
		       1 - (c.embedding <=> $2::vector) AS similarity
		FROM embedding_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.knowledge_base_id = $1
		  AND d.status = 'completed'
		  AND 1 - (c.embedding <=> $2::vector) >= $3
		ORDER BY c.embedding <=> $2::vector ASC
		LIMIT $4
	`, knowledgeBaseID, encodeVector(query), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var matches []*ChunkMatch
	for rows.Next() {
		var chunk models.EmbeddingChunk
		var metadataJSON []byte
		var m ChunkMatch
		err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.KnowledgeBaseID, &chunk.ChunkIndex,
			&chunk.Content, &chunk.TokenCount, &metadataJSON, &chunk.CreatedAt,
			&m.DocumentName, &m.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scan chunk match: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		m.Chunk = &chunk
		matches = append(matches, &m)
	}
	return matches, rows.Err()
}
