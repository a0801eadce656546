// ABOUTME: Tests for the reasoning splitter across chunk boundaries.
// ABOUTME: Covers whole tags, split tags, unterminated spans, and lookalike text.

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitterSingleChunk(t *testing.T) {
	s := newReasoningSplitter()

	content, reasoning := s.Feed("Hello <think>weighing options</think>world")
	assert.Equal(t, "Hello world", content)
	assert.Equal(t, "weighing options", reasoning)

	content, reasoning = s.Flush()
	assert.Empty(t, content)
	assert.Empty(t, reasoning)
}

func TestSplitterTagSplitAcrossChunks(t *testing.T) {
	s := newReasoningSplitter()

	var content, reasoning string
	for _, chunk := range []string{"abc<th", "ink>secret</thi", "nk>done"} {
		c, r := s.Feed(chunk)
		content += c
		reasoning += r
	}
	c, r := s.Flush()
	content += c
	reasoning += r

	assert.Equal(t, "abcdone", content)
	assert.Equal(t, "secret", reasoning)
}

func TestSplitterUnterminatedReasoning(t *testing.T) {
	s := newReasoningSplitter()

	content, reasoning := s.Feed("visible<think>never closed")
	assert.Equal(t, "visible", content)
	assert.Equal(t, "never closed", reasoning)

	content, reasoning = s.Feed(" still thinking")
	assert.Empty(t, content)
	assert.Equal(t, " still thinking", reasoning)
}

func TestSplitterHeldPrefixThatIsNotATag(t *testing.T) {
	s := newReasoningSplitter()

	content, reasoning := s.Feed("a <t")
	assert.Equal(t, "a ", content)
	assert.Empty(t, reasoning)

	content, reasoning = s.Feed("ank rolls by")
	assert.Equal(t, "<tank rolls by", content)
	assert.Empty(t, reasoning)
}

func TestSplitterFlushReleasesPartialTag(t *testing.T) {
	s := newReasoningSplitter()

	content, _ := s.Feed("trailing <thi")
	assert.Equal(t, "trailing ", content)

	content, reasoning := s.Flush()
	assert.Equal(t, "<thi", content)
	assert.Empty(t, reasoning)
}

func TestSplitterAngleBracketText(t *testing.T) {
	s := newReasoningSplitter()

	content, reasoning := s.Feed("x < 5 and y > 2")
	assert.Equal(t, "x < 5 and y > 2", content)
	assert.Empty(t, reasoning)
}
