// Package rag retrieves knowledge base context for conversational turns and
// ingests documents into pgvector-backed embedding chunks.
package rag

import (
	"regexp"
	"strings"

	"github.com/solvia-ai/relay/pkg/models"
)

// Chunker splits document text into embeddable pieces.
type Chunker interface {
	// Split breaks text into chunks no larger than the configured size.
	Split(text string) []string

	// Name returns the strategy tag for logging.
	Name() string
}

// NewChunker builds the chunker a knowledge base demands.
func NewChunker(kb *models.KnowledgeBase) Chunker {
	size := kb.ChunkSize
	if size <= 0 {
		size = 1000
	}
	overlap := kb.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}

	switch kb.Strategy {
	case models.ChunkFixed:
		return &fixedChunker{size: size, overlap: overlap}
	case models.ChunkSemantic:
		return &semanticChunker{recursive: recursiveChunker{size: size, overlap: overlap}}
	default:
		return &recursiveChunker{size: size, overlap: overlap}
	}
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// recursiveChunker splits on the largest separator present, recursing into
// oversized pieces with progressively smaller separators.
type recursiveChunker struct {
	size    int
	overlap int
}

var recursiveSeparators = []string{
	"\n\n", // paragraph
	"\n",   // line
	". ",   // sentence
	"? ",
	"! ",
	"; ",
	", ",
	" ", // word
	"",  // character, last resort
}

func (c *recursiveChunker) Name() string { return string(models.ChunkRecursive) }

func (c *recursiveChunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chunks := c.split(text, recursiveSeparators)
	return withOverlap(chunks, c.overlap)
}

func (c *recursiveChunker) split(text string, separators []string) []string {
	if len(text) <= c.size {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	separator := ""
	rest := separators
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		// Character-level split as the last resort.
		runes := []rune(text)
		for start := 0; start < len(runes); start += c.size {
			end := start + c.size
			if end > len(runes) {
				end = len(runes)
			}
			pieces = append(pieces, string(runes[start:end]))
		}
		return pieces
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			chunks = append(chunks, trimmed)
		}
		current.Reset()
	}

	for _, piece := range strings.SplitAfter(text, separator) {
		if current.Len() > 0 && current.Len()+len(piece) > c.size {
			flush()
		}
		if len(piece) > c.size {
			flush()
			chunks = append(chunks, c.split(piece, rest)...)
			continue
		}
		current.WriteString(piece)
	}
	flush()
	return chunks
}

// withOverlap prefixes each chunk after the first with the tail of its
// predecessor.
func withOverlap(chunks []string, overlap int) []string {
	if len(chunks) <= 1 || overlap <= 0 {
		return chunks
	}
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		n := overlap
		if n > len(prev) {
			n = len(prev)
		}
		out[i] = prev[len(prev)-n:] + chunks[i]
	}
	return out
}

// fixedChunker cuts rune windows of the configured size with overlap.
type fixedChunker struct {
	size    int
	overlap int
}

func (c *fixedChunker) Name() string { return string(models.ChunkFixed) }

func (c *fixedChunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	step := c.size - c.overlap
	if step <= 0 {
		step = c.size
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// semanticChunker splits on document structure first: markdown headings and
// blank-line separated blocks. Oversized sections fall back to the recursive
// splitter.
type semanticChunker struct {
	recursive recursiveChunker
}

var headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s`)

func (c *semanticChunker) Name() string { return string(models.ChunkSemantic) }

func (c *semanticChunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sections := splitSections(text)

	var chunks []string
	var current strings.Builder
	flush := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			chunks = append(chunks, trimmed)
		}
		current.Reset()
	}

	for _, section := range sections {
		if len(section) > c.recursive.size {
			flush()
			chunks = append(chunks, c.recursive.Split(section)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(section)+2 > c.recursive.size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(section)
	}
	flush()
	return chunks
}

// splitSections cuts text at markdown headings, then at blank lines within
// heading-free stretches.
func splitSections(text string) []string {
	var sections []string

	locs := headingPattern.FindAllStringIndex(text, -1)
	bounds := []int{0}
	for _, loc := range locs {
		if loc[0] != 0 {
			bounds = append(bounds, loc[0])
		}
	}
	bounds = append(bounds, len(text))

	for i := 0; i+1 < len(bounds); i++ {
		piece := text[bounds[i]:bounds[i+1]]
		for _, block := range strings.Split(piece, "\n\n") {
			block = strings.TrimSpace(block)
			if block != "" {
				sections = append(sections, block)
			}
		}
	}
	return sections
}
