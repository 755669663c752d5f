package reply

import "unicode/utf8"

// DefaultChunkSize keeps every chunk under the platform's 4096-character
// message limit with room for markup.
const DefaultChunkSize = 4000

// Chunk splits text into consecutive pieces of at most maxLen runes. The
// concatenation of the pieces equals text. Empty input yields no chunks.
// Splitting counts runes, so multi-byte characters are never cut in half.
func Chunk(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultChunkSize
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	out := make([]string, 0, utf8.RuneCountInString(text)/maxLen+1)
	start, n := 0, 0
	for i := range text {
		if n == maxLen {
			out = append(out, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, text[start:])
}
