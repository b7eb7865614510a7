package ai

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// defaultOverlapLines is carried from the tail of one chunk into the head
// of the next so declarations split at a chunk boundary stay visible to
// both analyses.
const defaultOverlapLines = 20

// Chunk is one model-sized slice of a file. Lines are 1-based and
// inclusive.
type Chunk struct {
	Index     int
	Text      string
	StartLine int
	EndLine   int
}

// Chunker splits file content into slices that fit the model context
// budget, measured in tokens with the cl100k_base encoding.
type Chunker struct {
	enc     *tiktoken.Tiktoken
	budget  int
	overlap int
}

// NewChunker creates a chunker for the given token budget.
func NewChunker(budget int) (*Chunker, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("op=ai.chunker: budget must be positive, got %d", budget)
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("op=ai.chunker: %w", err)
	}
	return &Chunker{enc: enc, budget: budget, overlap: defaultOverlapLines}, nil
}

// CountTokens returns the token count of s.
func (c *Chunker) CountTokens(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}

// Split cuts content into chunks of at most the token budget. Content
// exactly at the budget stays one chunk; one token over splits. Chunks
// break on line boundaries and overlap by a few lines so nothing is
// analysed without its immediate context.
func (c *Chunker) Split(content string) []Chunk {
	if content == "" {
		return nil
	}
	if c.CountTokens(content) <= c.budget {
		lines := strings.Count(content, "\n") + 1
		return []Chunk{{Index: 0, Text: content, StartLine: 1, EndLine: lines}}
	}

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	start := 0
	for start < len(lines) {
		tokens := 0
		end := start
		for end < len(lines) {
			lt := c.CountTokens(lines[end]) + 1
			if tokens+lt > c.budget && end > start {
				break
			}
			tokens += lt
			end++
		}

		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
		})
		if end >= len(lines) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
