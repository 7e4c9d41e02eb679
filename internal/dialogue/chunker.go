package dialogue

import (
	"strings"
	"sync"
)

// SentenceBuffer accumulates model text deltas and emits chunks suitable for
// streaming synthesis. It sends text on:
// 1. Punctuation: . , ! ?
// 2. Word count threshold (5 words) when at a word boundary
type SentenceBuffer struct {
	mu          sync.Mutex
	text        strings.Builder
	minWords    int
	punctuation string
}

// NewSentenceBuffer creates a buffer with default settings.
func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{
		minWords:    5,
		punctuation: ",.!?",
	}
}

// Add adds a text delta and returns text to send to synthesis (if any).
// Returns empty string if more text should be buffered.
func (b *SentenceBuffer) Add(delta string) string {
	if delta == "" {
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A leading space confirms the previous word is complete.
	startsWithSpace := delta[0] == ' ' || delta[0] == '\n'

	prevContent := b.text.String()
	prevWordCount := len(strings.Fields(prevContent))

	b.text.WriteString(delta)
	content := b.text.String()

	// Priority 1: punctuation triggers immediate send.
	if strings.ContainsAny(delta, b.punctuation) {
		lastPunct := strings.LastIndexAny(content, b.punctuation)
		if lastPunct >= 0 {
			toSend := strings.TrimSpace(content[:lastPunct+1])
			remainder := strings.TrimSpace(content[lastPunct+1:])
			b.text.Reset()
			if remainder != "" {
				b.text.WriteString(remainder)
			}
			return toSend
		}
	}

	// Priority 2: word count threshold + confirmed word boundary.
	if prevWordCount >= b.minWords && startsWithSpace {
		toSend := strings.TrimSpace(prevContent)
		b.text.Reset()
		b.text.WriteString(strings.TrimLeft(delta, " \n"))
		return toSend
	}

	return ""
}

// Flush returns any remaining buffered text and resets the buffer.
// Call this when the model stream ends.
func (b *SentenceBuffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := strings.TrimSpace(b.text.String())
	b.text.Reset()
	return result
}
