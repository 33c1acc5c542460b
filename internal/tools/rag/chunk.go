package rag

import "strings"

const (
	chunkSize    = 1200
	chunkOverlap = 150
)

// Chunk splits text into pieces of at most size runes, preferring paragraph
// and sentence boundaries, with overlap runes repeated between neighbours.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			out = append(out, strings.TrimSpace(string(runes[start:])))
			break
		}
		end = boundary(runes, start, end)
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// boundary moves end back to a paragraph break, then a sentence end, as long
// as it stays in the second half of the window.
func boundary(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		switch runes[i-1] {
		case '.', '!', '?', '。', '\n':
			return i
		}
	}
	return end
}
