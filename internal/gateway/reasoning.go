// ABOUTME: Incremental splitter separating reasoning spans from visible content in a fragment stream.
// ABOUTME: One splitter per turn; all parse state lives in the instance, never in ambient storage.

package gateway

import "strings"

const (
	reasoningOpen  = "<think>"
	reasoningClose = "</think>"
)

// reasoningSplitter consumes content chunks and returns the visible and
// reasoning portions of each. Tags may be split across chunk boundaries, so
// a partial tag prefix at the end of a chunk is held back until the next
// chunk disambiguates it.
type reasoningSplitter struct {
	inReasoning bool
	held        string
}

func newReasoningSplitter() *reasoningSplitter {
	return &reasoningSplitter{}
}

// Feed processes one chunk and returns the visible content and reasoning
// text it completes. Either result may be empty.
func (s *reasoningSplitter) Feed(chunk string) (content, reasoning string) {
	buf := s.held + chunk
	s.held = ""

	var visible, thinking strings.Builder
	for buf != "" {
		tag := reasoningOpen
		if s.inReasoning {
			tag = reasoningClose
		}

		idx := strings.Index(buf, tag)
		if idx >= 0 {
			s.emit(&visible, &thinking, buf[:idx])
			s.inReasoning = !s.inReasoning
			buf = buf[idx+len(tag):]
			continue
		}

		// No full tag. Hold back a trailing prefix of the tag we are
		// looking for; everything before it is safe to emit.
		hold := trailingTagPrefix(buf, tag)
		s.emit(&visible, &thinking, buf[:len(buf)-hold])
		s.held = buf[len(buf)-hold:]
		break
	}

	return visible.String(), thinking.String()
}

// Flush releases any held-back partial tag at end of turn. An unterminated
// reasoning span stays reasoning; a dangling partial tag was just text.
func (s *reasoningSplitter) Flush() (content, reasoning string) {
	held := s.held
	s.held = ""
	if held == "" {
		return "", ""
	}
	if s.inReasoning {
		return "", held
	}
	return held, ""
}

func (s *reasoningSplitter) emit(visible, thinking *strings.Builder, text string) {
	if text == "" {
		return
	}
	if s.inReasoning {
		thinking.WriteString(text)
	} else {
		visible.WriteString(text)
	}
}

// trailingTagPrefix returns the length of the longest strict prefix of tag
// that the buffer ends with.
func trailingTagPrefix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
