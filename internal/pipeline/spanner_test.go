package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSpans_SingleSpanForShortText(t *testing.T) {
	spans := BuildSpans("v1", "a short document", 2048, 128)
	require.Len(t, spans, 1)
	assert.Equal(t, "v1", spans[0].VersionID)
	assert.Equal(t, 0, spans[0].Ordinal)
	assert.Equal(t, 0, spans[0].StartByte)
	assert.Equal(t, len("a short document"), spans[0].EndByte)
	assert.Equal(t, "a short document", spans[0].Text)
	assert.NotEmpty(t, spans[0].ID)
}

func TestBuildSpans_EmptyText(t *testing.T) {
	assert.Nil(t, BuildSpans("v1", "", 2048, 128))
	assert.Nil(t, BuildSpans("v1", "   \n\t  ", 2048, 128))
}

func TestBuildSpans_OffsetsAddressTheText(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	spans := BuildSpans("v1", text, 512, 64)
	require.Greater(t, len(spans), 1)

	for _, sp := range spans {
		assert.Equal(t, text[sp.StartByte:sp.EndByte], sp.Text)
		assert.LessOrEqual(t, sp.EndByte-sp.StartByte, 512)
	}
}

func TestBuildSpans_OrdinalsSequential(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	spans := BuildSpans("v1", text, 400, 50)
	require.Greater(t, len(spans), 2)
	for i, sp := range spans {
		assert.Equal(t, i, sp.Ordinal)
	}
}

func TestBuildSpans_ConsecutiveSpansOverlap(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	spans := BuildSpans("v1", text, 400, 50)
	require.Greater(t, len(spans), 1)
	for i := 1; i < len(spans); i++ {
		assert.Less(t, spans[i].StartByte, spans[i-1].EndByte,
			"span %d should start inside span %d", i, i-1)
	}
}

func TestBuildSpans_NeverSplitsRunes(t *testing.T) {
	// Multi-byte runes throughout; every boundary must land on a rune start.
	text := strings.Repeat("résumé naïve café ", 300)
	spans := BuildSpans("v1", text, 300, 40)
	require.Greater(t, len(spans), 1)
	for _, sp := range spans {
		assert.True(t, strings.ToValidUTF8(sp.Text, "�") == sp.Text,
			"span text must be valid UTF-8")
	}
}

func TestBuildSpans_PrefersNewlineBreaks(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("this is one full line of document text to fill the window\n")
	}
	spans := BuildSpans("v1", sb.String(), 500, 0)
	require.Greater(t, len(spans), 1)
	// Every span except the last should end right after a newline.
	for _, sp := range spans[:len(spans)-1] {
		assert.True(t, strings.HasSuffix(sp.Text, "\n"), "span should break at a newline")
	}
}

func TestBuildSpans_SectionFromHeading(t *testing.T) {
	text := "# Revenue\n" + strings.Repeat("revenue detail ", 100) +
		"\n## Costs\n" + strings.Repeat("cost detail ", 100)
	spans := BuildSpans("v1", text, 400, 0)
	require.Greater(t, len(spans), 2)

	assert.Equal(t, "Revenue", spans[0].Section)
	assert.Equal(t, "Costs", spans[len(spans)-1].Section)
}

func TestBuildSpans_NoHeadingMeansNoSection(t *testing.T) {
	spans := BuildSpans("v1", "plain text without headings", 2048, 0)
	require.Len(t, spans, 1)
	assert.Empty(t, spans[0].Section)
}

func TestBuildSpans_NormalizesToNFC(t *testing.T) {
	// 'e' + combining acute composes to a single rune under NFC.
	decomposed := "cafe\u0301"
	spans := BuildSpans("v1", decomposed, 2048, 0)
	require.Len(t, spans, 1)
	assert.Equal(t, "caf\u00e9", spans[0].Text)
}

func TestHeadingTitle(t *testing.T) {
	cases := []struct {
		line  string
		title string
		ok    bool
	}{
		{"# Overview", "Overview", true},
		{"### Deep Section", "Deep Section", true},
		{"#missing space", "", false},
		{"not a heading", "", false},
		{"#   ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		title, ok := headingTitle(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.title, title, tc.line)
	}
}
