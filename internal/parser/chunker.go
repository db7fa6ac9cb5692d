package parser

import (
	"fmt"

	"datasheet-rag/internal/models"
)

// separator groups in priority order, coarsest first. A cut on a character
// boundary is the fallback when no group fits the window.
var separators = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? "},
	{" "},
}

// SplitText splits text into chunks of at most chunkSize characters where each
// chunk repeats the last chunkOverlap characters of the previous one.
//
// The cut for every window is placed right after the coarsest separator that
// still leaves the chunk longer than the overlap, so chunk 0 followed by every
// later chunk minus its first chunkOverlap characters gives back the input.
func SplitText(text string, chunkSize, chunkOverlap int) ([]string, error) {
	if chunkSize <= 0 || chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", models.ErrInvalidConfiguration, chunkSize, chunkOverlap)
	}

	runes := []rune(text)
	chunks := []string{}
	if len(runes) == 0 {
		return chunks, nil
	}

	start := 0
	for len(runes)-start > chunkSize {
		cut := findCut(runes, start+chunkOverlap, start+chunkSize)
		chunks = append(chunks, string(runes[start:cut]))
		start = cut - chunkOverlap
	}
	chunks = append(chunks, string(runes[start:]))
	return chunks, nil
}

// findCut returns a cut position in (lo, hi]
func findCut(runes []rune, lo, hi int) int {
	for _, group := range separators {
		best := -1
		for _, sep := range group {
			if end := lastSeparatorEnd(runes, []rune(sep), lo, hi); end > best {
				best = end
			}
		}
		if best > lo {
			return best
		}
	}
	return hi
}

// lastSeparatorEnd returns the end index of the last sep occurrence ending in (lo, hi], or -1
func lastSeparatorEnd(runes, sep []rune, lo, hi int) int {
	for end := hi; end > lo; end-- {
		begin := end - len(sep)
		if begin < 0 {
			break
		}
		if equalRunes(runes[begin:end], sep) {
			return end
		}
	}
	return -1
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ChunkDocument splits the text of one source and wraps the pieces as chunks.
// Every chunk carries all section labels of the source.
func ChunkDocument(sourceID, text string, sections []string, chunkSize, chunkOverlap int) ([]models.Chunk, error) {
	parts, err := SplitText(text, chunkSize, chunkOverlap)
	if err != nil {
		return nil, err
	}

	chunks := make([]models.Chunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, models.Chunk{
			Content:       part,
			SourceID:      sourceID,
			SectionLabels: append([]string(nil), sections...),
			ChunkIndex:    i,
			TotalChunks:   len(parts),
		})
	}
	return chunks, nil
}

// JoinChunks reverses SplitText by dropping the leading overlap of every chunk after the first
func JoinChunks(chunks []string, chunkOverlap int) string {
	var out []rune
	for i, c := range chunks {
		r := []rune(c)
		if i > 0 {
			r = r[min(chunkOverlap, len(r)):]
		}
		out = append(out, r...)
	}
	return string(out)
}
