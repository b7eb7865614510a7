package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkerRejectsNonPositiveBudget(t *testing.T) {
	_, err := NewChunker(0)
	assert.Error(t, err)
}

func TestSplitEmptyContent(t *testing.T) {
	c, err := NewChunker(100)
	require.NoError(t, err)
	assert.Nil(t, c.Split(""))
}

func TestSplitContentAtBudgetStaysOneChunk(t *testing.T) {
	c, err := NewChunker(100)
	require.NoError(t, err)
	content := "function foo() { return 1 }"
	tokens := c.CountTokens(content)
	require.LessOrEqual(t, tokens, 100)

	// Exactly at the budget is still a single chunk.
	tight, err := NewChunker(tokens)
	require.NoError(t, err)
	chunks := tight.Split(content)
	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Text)
	assert.Equal(t, 1, chunks[0].StartLine)
}

func TestSplitOverBudgetSplits(t *testing.T) {
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "const value = computeSomething(alpha, beta, gamma)"
	}
	content := strings.Join(lines, "\n")

	c, err := NewChunker(100)
	require.NoError(t, err)
	require.Greater(t, c.CountTokens(content), 100)

	chunks := c.Split(content)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.LessOrEqual(t, chunk.StartLine, chunk.EndLine)
		// Every chunk respects the budget (single overlong lines aside).
		assert.LessOrEqual(t, c.CountTokens(chunk.Text), 100+c.CountTokens(lines[0])+1)
	}
}

func TestSplitChunksOverlap(t *testing.T) {
	lines := make([]string, 300)
	for i := range lines {
		lines[i] = "let x = y + z"
	}
	c, err := NewChunker(300)
	require.NoError(t, err)
	chunks := c.Split(strings.Join(lines, "\n"))
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		// Each chunk starts before the previous one ended.
		assert.LessOrEqual(t, chunks[i].StartLine, chunks[i-1].EndLine)
	}
	assert.Equal(t, 300, chunks[len(chunks)-1].EndLine)
}

func TestSplitSingleOverlongLineStillProgresses(t *testing.T) {
	long := strings.Repeat("tokenous ", 500)
	c, err := NewChunker(50)
	require.NoError(t, err)
	chunks := c.Split(long + "\n" + long)
	require.Len(t, chunks, 2)
}
