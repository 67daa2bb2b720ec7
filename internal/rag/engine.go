package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/solvia-ai/relay/internal/embedder"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

// ErrConfig marks knowledge base wiring problems, e.g. mixed embedding
// models on one flow. Callers treat it like any retrieval failure: log and
// continue without context.
var ErrConfig = errors.New("knowledge configuration error")

// Store is the persistence surface the engine needs.
type Store interface {
	ListKnowledgeBindings(ctx context.Context, flowID string) ([]*models.FlowKnowledgeBinding, error)
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
	SearchChunks(ctx context.Context, knowledgeBaseID string, query []float32, threshold float32, limit int) ([]*store.ChunkMatch, error)
}

// EmbedderFactory builds the embedder a knowledge base requires.
type EmbedderFactory func(kb *models.KnowledgeBase) (embedder.Embedder, error)

// Options tune the engine defaults. Zero values fall back to the retrieval
// defaults: threshold 0.70, 5 results per KB, 8 total.
type Options struct {
	SimilarityThreshold float32
	MaxResultsPerKB     int
	TopN                int
	Logger              *slog.Logger
}

// Engine retrieves knowledge context for a flow.
type Engine struct {
	store     Store
	embedders EmbedderFactory
	opts      Options
	logger    *slog.Logger
}

// NewEngine builds the retrieval engine.
func NewEngine(st Store, factory EmbedderFactory, opts Options) *Engine {
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = 0.70
	}
	if opts.MaxResultsPerKB <= 0 {
		opts.MaxResultsPerKB = 5
	}
	if opts.TopN <= 0 {
		opts.TopN = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:     st,
		embedders: factory,
		opts:      opts,
		logger:    opts.Logger.With("component", "rag"),
	}
}

// ScoredChunk is one retrieval candidate after merging.
type ScoredChunk struct {
	KnowledgeBase *models.KnowledgeBase
	Binding       *models.FlowKnowledgeBinding
	DocumentName  string
	Chunk         *models.EmbeddingChunk
	Similarity    float32
}

// Result is the outcome of one retrieval pass.
type Result struct {
	// Context is the prompt-ready block. Empty when nothing matched.
	Context string

	// Chunks are the merged candidates in final order.
	Chunks []*ScoredChunk

	// QueryVector is the embedding used for the search. All zeros when the
	// query text was empty.
	QueryVector []float32
}

// Retrieve finds context for a query within a flow's knowledge bases. The
// optional subset restricts retrieval to specific KB ids. An empty query
// yields a zero-vector result without touching the embedding API.
func (e *Engine) Retrieve(ctx context.Context, flowID, query string, subset []string) (*Result, error) {
	bindings, err := e.store.ListKnowledgeBindings(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bindings: %w", err)
	}
	if len(subset) > 0 {
		allowed := make(map[string]bool, len(subset))
		for _, id := range subset {
			allowed[id] = true
		}
		filtered := bindings[:0]
		for _, b := range bindings {
			if allowed[b.KnowledgeBaseID] {
				filtered = append(filtered, b)
			}
		}
		bindings = filtered
	}
	if len(bindings) == 0 {
		return &Result{}, nil
	}

	bases := make([]*models.KnowledgeBase, len(bindings))
	for i, b := range bindings {
		kb, err := e.store.GetKnowledgeBase(ctx, b.KnowledgeBaseID)
		if err != nil {
			return nil, fmt.Errorf("load knowledge base %s: %w", b.KnowledgeBaseID, err)
		}
		bases[i] = kb
	}

	// One embedding space per flow. Mixed models cannot share a query
	// vector.
	first := bases[0]
	for _, kb := range bases[1:] {
		if kb.EmbeddingProvider != first.EmbeddingProvider ||
			kb.EmbeddingModel != first.EmbeddingModel ||
			kb.EmbeddingDimension != first.EmbeddingDimension {
			return nil, fmt.Errorf("%w: flow %s mixes embedding models (%s/%s vs %s/%s)",
				ErrConfig, flowID, first.EmbeddingProvider, first.EmbeddingModel,
				kb.EmbeddingProvider, kb.EmbeddingModel)
		}
	}

	queryVector := make([]float32, first.EmbeddingDimension)
	if strings.TrimSpace(query) != "" {
		emb, err := e.embedders(first)
		if err != nil {
			return nil, fmt.Errorf("build embedder: %w", err)
		}
		queryVector, err = emb.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(queryVector) != first.EmbeddingDimension {
			return nil, fmt.Errorf("%w: query embedding has %d dimensions, knowledge bases expect %d",
				ErrConfig, len(queryVector), first.EmbeddingDimension)
		}
	} else {
		// Zero vector matches nothing above a positive threshold; the
		// result stays empty without an embedding call.
		return &Result{QueryVector: queryVector}, nil
	}

	var merged []*ScoredChunk
	for i, binding := range bindings {
		threshold := binding.SimilarityThreshold
		if threshold == 0 {
			threshold = e.opts.SimilarityThreshold
		}
		limit := binding.MaxResults
		if limit <= 0 {
			limit = e.opts.MaxResultsPerKB
		}

		matches, err := e.store.SearchChunks(ctx, binding.KnowledgeBaseID, queryVector, threshold, limit)
		if err != nil {
			return nil, fmt.Errorf("search knowledge base %s: %w", binding.KnowledgeBaseID, err)
		}
		for _, match := range matches {
			merged = append(merged, &ScoredChunk{
				KnowledgeBase: bases[i],
				Binding:       binding,
				DocumentName:  match.DocumentName,
				Chunk:         match.Chunk,
				Similarity:    match.Similarity,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Binding.Priority != merged[j].Binding.Priority {
			return merged[i].Binding.Priority < merged[j].Binding.Priority
		}
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > e.opts.TopN {
		merged = merged[:e.opts.TopN]
	}

	return &Result{
		Context:     formatContext(merged),
		Chunks:      merged,
		QueryVector: queryVector,
	}, nil
}

const contextSeparator = "\n\n---\n\n"

// formatContext renders merged chunks as a prompt block: one header per
// knowledge base followed by its sources, KBs delimited by a stable
// separator. Source numbers run across the whole block.
func formatContext(chunks []*ScoredChunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var blocks []string
	var current strings.Builder
	currentKB := ""

	flush := func() {
		if current.Len() > 0 {
			blocks = append(blocks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for i, sc := range chunks {
		if sc.KnowledgeBase.ID != currentKB {
			flush()
			currentKB = sc.KnowledgeBase.ID
			current.WriteString("## " + sc.KnowledgeBase.Name + "\n")
			if sc.KnowledgeBase.Description != "" {
				current.WriteString(sc.KnowledgeBase.Description + "\n")
			}
			for _, line := range metadataLines(sc.KnowledgeBase.Metadata) {
				current.WriteString(line + "\n")
			}
		}

		current.WriteString(fmt.Sprintf("\n[Source %d] %s\n", i+1, sc.DocumentName))
		current.WriteString(sc.Chunk.Content + "\n")
		for _, line := range metadataLines(sc.Chunk.Metadata) {
			current.WriteString(line + "\n")
		}
	}
	flush()

	return strings.Join(blocks, contextSeparator)
}

// shownFields are already rendered by the block structure and excluded from
// metadata lines.
var shownFields = map[string]bool{
	"name":          true,
	"title":         true,
	"description":   true,
	"document_name": true,
}

func metadataLines(metadata map[string]any) []string {
	if len(metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		if shownFields[strings.ToLower(k)] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, metadata[k]))
	}
	return lines
}
