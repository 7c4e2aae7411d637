package pipeline

import (
	"bytes"
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/ingest-cli/internal/fetcher"
	"github.com/sells-group/ingest-cli/internal/model"
)

// deriveText turns a version's raw bytes into extractable plain text. The
// derivation is deterministic per kind, so a resumed digest can rebuild the
// text from storage without re-running the extract stage.
func (d *Digester) deriveText(ctx context.Context, kind model.DocumentKind, raw []byte) (string, error) {
	switch kind {
	case model.DocumentKindText, model.DocumentKindMarkdown:
		return string(raw), nil
	case model.DocumentKindHTML:
		return htmlText(raw)
	case model.DocumentKindPDF:
		if d.ocr == nil {
			return "", eris.New("pipeline: no OCR extractor configured for pdf")
		}
		text, err := d.ocr.ExtractText(ctx, raw)
		if err != nil {
			return "", eris.Wrap(err, "pipeline: pdf text extraction")
		}
		return text, nil
	case model.DocumentKindSpreadsheet:
		return spreadsheetText(raw)
	default:
		return "", eris.Errorf("pipeline: unsupported document kind %q", kind)
	}
}

// spreadsheetText renders the first sheet as tab-separated lines. Cell
// structure is enough for the extractor; formatting is not.
func spreadsheetText(raw []byte) (string, error) {
	rows, err := fetcher.ReadXLSXBytes(raw, fetcher.XLSXOptions{})
	if err != nil {
		return "", eris.Wrap(err, "pipeline: read spreadsheet")
	}
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// skipElements are HTML subtrees that never contain document content.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"nav":      true,
	"footer":   true,
}

// blockElements get a blank line after their text so span boundaries land
// between blocks, not inside them.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "table": true, "blockquote": true, "pre": true,
	"br": true,
}

// htmlText extracts visible text from an HTML document. Headings are kept as
// markdown-style heading lines so the spanner's section detection works on
// HTML the same way it does on markdown.
func htmlText(raw []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(raw))

	var sb strings.Builder
	var skipDepth int
	var heading string
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF ends the document; the tokenizer recovers from
			// malformed markup on its own, so any other error is I/O.
			return strings.TrimSpace(sb.String()), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				skipDepth++
				continue
			}
			if skipDepth == 0 && len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
				heading = strings.Repeat("#", int(tag[1]-'0'))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth == 0 && blockElements[tag] {
				heading = ""
				sb.WriteString("\n\n")
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if heading != "" {
				sb.WriteString(heading)
				sb.WriteString(" ")
				heading = ""
			}
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	}
}
