package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

// QueryAll fetches all pages from a Notion database, handling pagination.
// Rate limiting is enforced by the Client (3 req/s by default).
// Uses prefetch: starts fetching page N+1 in a goroutine while processing
// page N, reducing effective latency by ~50% for multi-page results.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page

	req := &notionapi.DatabaseQueryRequest{}
	if filter != nil {
		req.Filter = filter.Filter
		req.Sorts = filter.Sorts
		req.PageSize = filter.PageSize
	}

	// Prefetch state: holds the result of a prefetched next page.
	type prefetchResult struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}
	var prefetchCh <-chan prefetchResult

	for {
		var resp *notionapi.DatabaseQueryResponse
		var err error

		if prefetchCh != nil {
			// We already have a prefetched result pending.
			result := <-prefetchCh
			resp, err = result.resp, result.err
		} else {
			resp, err = c.QueryDatabase(ctx, dbID, req)
		}

		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}

		all = append(all, resp.Results...)

		if !resp.HasMore {
			break
		}

		// Start prefetching the next page in a goroutine.
		nextReq := &notionapi.DatabaseQueryRequest{
			StartCursor: resp.NextCursor,
		}
		if filter != nil {
			nextReq.Filter = filter.Filter
			nextReq.Sorts = filter.Sorts
			nextReq.PageSize = filter.PageSize
		}

		ch := make(chan prefetchResult, 1)
		prefetchCh = ch
		go func() {
			r, e := c.QueryDatabase(ctx, dbID, nextReq)
			ch <- prefetchResult{resp: r, err: e}
		}()
	}

	return all, nil
}

// ExportQuestions creates one review page per open question. Returns the
// number of pages created; on error the count covers pages created before
// the failure.
func ExportQuestions(ctx context.Context, c Client, dbID string, questions []model.QualityOpenQuestion) (int, error) {
	created := 0
	for _, q := range questions {
		if ctx.Err() != nil {
			return created, eris.Wrap(ctx.Err(), "notion: export questions cancelled")
		}

		req := &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: notionapi.DatabaseID(dbID),
			},
			Properties: buildQuestionProperties(q),
		}
		if _, err := c.CreatePage(ctx, req); err != nil {
			return created, eris.Wrapf(err, "notion: export question %s", q.ID)
		}
		created++
	}
	return created, nil
}

// buildQuestionProperties maps a question onto the review database schema.
// Detail becomes the title; everything a reviewer needs to trace the
// question back rides along as rich_text, and Status starts Open.
func buildQuestionProperties(q model.QualityOpenQuestion) notionapi.Properties {
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: q.Detail}},
			},
		},
		"Question ID": richText(q.ID),
		"Version":     richText(q.VersionID),
		"Fact":        richText(q.FactID),
		"Scope":       richText(q.Scope),
		"Category":    richText(string(q.Category)),
		"Status": notionapi.StatusProperty{
			Status: notionapi.Status{Name: "Open"},
		},
	}
	if q.Missing != "" {
		props["Missing"] = richText(q.Missing)
	}
	return props
}

func richText(v string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: v}},
		},
	}
}

// Answer is a reviewer's response to an exported question.
type Answer struct {
	PageID     string
	QuestionID string
	Text       string
}

// FetchAnswered pulls pages a reviewer has moved to Status = "Answered".
func FetchAnswered(ctx context.Context, c Client, dbID string) ([]Answer, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status: &notionapi.StatusFilterCondition{
				Equals: "Answered",
			},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "notion: fetch answered")
	}

	answers := make([]Answer, 0, len(pages))
	for _, p := range pages {
		answers = append(answers, Answer{
			PageID:     string(p.ID),
			QuestionID: richTextValue(p, "Question ID"),
			Text:       richTextValue(p, "Answer"),
		})
	}
	return answers, nil
}

// MarkResolved moves a review page to Status = "Resolved" after its answer
// has been recorded.
func MarkResolved(ctx context.Context, c Client, pageID string) error {
	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			"Status": notionapi.StatusProperty{
				Status: notionapi.Status{Name: "Resolved"},
			},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "notion: mark resolved %s", pageID)
	}
	return nil
}

// richTextValue flattens a rich_text property into a plain string.
func richTextValue(p notionapi.Page, name string) string {
	prop, ok := p.Properties[name]
	if !ok {
		return ""
	}
	rt, ok := prop.(*notionapi.RichTextProperty)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, t := range rt.RichText {
		sb.WriteString(t.PlainText)
	}
	return sb.String()
}
