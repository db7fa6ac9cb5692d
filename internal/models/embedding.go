package models

import "sort"

// Chunk is one retrievable segment of a source document
type Chunk struct {
	Content       string    `json:"content"`
	SourceID      string    `json:"source_id"`
	SectionLabels []string  `json:"section_labels,omitempty"`
	Vector        []float32 `json:"vector,omitempty"`
	ChunkIndex    int       `json:"chunk_index"`
	TotalChunks   int       `json:"total_chunks"`
}

// ScoredChunk is a chunk returned by a similarity search
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Embedded pairs an input text with its vector
type Embedded struct {
	Text   string
	Vector []float32
}

// PageRange is a named, 1-based inclusive page range of a source file
type PageRange struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ConversationTurn is one user/assistant exchange
type ConversationTurn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// ExclusionSet holds source IDs a query must not draw chunks from
type ExclusionSet map[string]struct{}

func NewExclusionSet(sourceIDs ...string) ExclusionSet {
	s := make(ExclusionSet, len(sourceIDs))
	for _, id := range sourceIDs {
		s.Add(id)
	}
	return s
}

func (s ExclusionSet) Add(sourceID string) { s[sourceID] = struct{}{} }

func (s ExclusionSet) Remove(sourceID string) { delete(s, sourceID) }

func (s ExclusionSet) Contains(sourceID string) bool {
	_, ok := s[sourceID]
	return ok
}

// Slice returns the members in sorted order.
func (s ExclusionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
