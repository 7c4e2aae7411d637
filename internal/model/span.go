package model

import (
	"time"
)

// ExtractedContent is the structured output of the extract stage.
type ExtractedContent struct {
	Text   string  `json:"text"`
	Tables []Table `json:"tables,omitempty"`
	Pages  int     `json:"pages,omitempty"`
}

// Table is a tabular region lifted out of a document.
type Table struct {
	Title string     `json:"title,omitempty"`
	Rows  [][]string `json:"rows"`
}

// Span is an offset-addressable slice of a version's extracted text. Spans
// are the provenance anchor for facts and the unit of embedding.
type Span struct {
	ID        string    `json:"id"`
	VersionID string    `json:"version_id"`
	Ordinal   int       `json:"ordinal"`
	StartByte int       `json:"start_byte"`
	EndByte   int       `json:"end_byte"`
	Text      string    `json:"text"`
	Section   string    `json:"section,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
