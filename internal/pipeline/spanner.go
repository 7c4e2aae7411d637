package pipeline

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/ingest-cli/internal/model"
)

// BuildSpans splits extracted text into offset-addressable spans of at most
// maxBytes bytes, consecutive spans overlapping by roughly overlap bytes.
// Boundaries never split a rune; within the tail of a window a newline is
// preferred over a space, a space over a hard cut. Each span carries the
// nearest preceding markdown heading as its section.
//
// The text is NFC-normalized first and offsets refer to the normalized text,
// so span.Text is always exactly text[StartByte:EndByte].
func BuildSpans(versionID, text string, maxBytes, overlap int) []model.Span {
	text = norm.NFC.String(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = 2048
	}
	if overlap < 0 || overlap >= maxBytes {
		overlap = 0
	}

	headings := headingIndex(text)

	var spans []model.Span
	ordinal := 0
	start := 0
	for start < len(text) {
		end := start + maxBytes
		if end >= len(text) {
			end = len(text)
		} else {
			end = breakPoint(text, start, end)
		}

		chunk := text[start:end]
		if strings.TrimSpace(chunk) != "" {
			spans = append(spans, model.Span{
				ID:        uuid.NewString(),
				VersionID: versionID,
				Ordinal:   ordinal,
				StartByte: start,
				EndByte:   end,
				Text:      chunk,
				Section:   sectionAt(headings, start),
			})
			ordinal++
		}

		if end == len(text) {
			break
		}
		next := alignRune(text, end-overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}

// breakPoint picks the cut position for a window ending at limit: the last
// newline in the final quarter of the window if any, else the last space,
// else the rune boundary at or before limit.
func breakPoint(text string, start, limit int) int {
	limit = alignRune(text, limit)
	floor := start + (limit-start)*3/4
	if idx := strings.LastIndexByte(text[floor:limit], '\n'); idx >= 0 {
		return floor + idx + 1
	}
	if idx := strings.LastIndexByte(text[floor:limit], ' '); idx >= 0 {
		return floor + idx + 1
	}
	return limit
}

// alignRune moves pos back to the nearest rune start.
func alignRune(text string, pos int) int {
	if pos <= 0 {
		return 0
	}
	if pos >= len(text) {
		return len(text)
	}
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

type heading struct {
	offset int
	title  string
}

// headingIndex records the byte offset and title of every markdown heading
// line, in document order.
func headingIndex(text string) []heading {
	var out []heading
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		if title, ok := headingTitle(trimmed); ok {
			out = append(out, heading{offset: offset, title: title})
		}
		offset += len(line)
	}
	return out
}

func headingTitle(line string) (string, bool) {
	i := 0
	for i < len(line) && i < 6 && line[i] == '#' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != ' ' {
		return "", false
	}
	title := strings.TrimSpace(line[i:])
	if title == "" {
		return "", false
	}
	return title, true
}

// sectionAt returns the title of the last heading at or before offset.
func sectionAt(headings []heading, offset int) string {
	idx := sort.Search(len(headings), func(i int) bool {
		return headings[i].offset > offset
	})
	if idx == 0 {
		return ""
	}
	return headings[idx-1].title
}
