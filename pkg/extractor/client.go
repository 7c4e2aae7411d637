// Package extractor turns document spans into structured fact candidates
// using the Anthropic API.
package extractor

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the extraction operations the pipeline depends on.
type Client interface {
	// ExtractFacts runs one extraction pass over the given spans under the
	// folded profile prompt and returns the parsed candidates.
	ExtractFacts(ctx context.Context, req Request) (*Result, error)
}

// Request carries one extraction call: the folded profile prompt plus the
// ordered spans of a single document version.
type Request struct {
	System string
	Spans  []Span
}

// Span is the slice of document text the model cites candidates against.
type Span struct {
	ID      string
	Ordinal int
	Text    string
}

// Candidate is one extracted statement before persistence. SpanOrdinal ties
// it back to the span it was cited from.
type Candidate struct {
	SpanOrdinal int      `json:"span"`
	Kind        string   `json:"kind"` // claim, metric, constraint, risk
	Subject     string   `json:"subject"`
	Predicate   string   `json:"predicate"`
	Statement   string   `json:"statement"`
	Value       *float64 `json:"value,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	ScopeStart  string   `json:"scope_start,omitempty"` // RFC 3339 date
	ScopeEnd    string   `json:"scope_end,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Result is a completed extraction pass.
type Result struct {
	Candidates []Candidate
	Usage      TokenUsage
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-6":            {15.00, 75.00},
}

// EstimateCost computes an estimated cost in USD from a TokenUsage and model ID.
// Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * pricing[0]
	outCost := (float64(u.OutputTokens) / 1e6) * pricing[1]
	cacheWriteCost := (float64(u.CacheCreationInputTokens) / 1e6) * pricing[0] * 1.25
	cacheReadCost := (float64(u.CacheReadInputTokens) / 1e6) * pricing[0] * 0.1
	return inCost + outCost + cacheWriteCost + cacheReadCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model, phase string) {
	cost := u.EstimateCost(model)
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", cost),
	)
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates an extraction client backed by the SDK. The profile
// prompt carries a 1-hour cache breakpoint since it repeats across every
// version extracted under the same profile.
func NewClient(apiKey, model string, maxTokens int64) Client {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *sdkClient) ExtractFacts(ctx context.Context, req Request) (*Result, error) {
	if len(req.Spans) == 0 {
		return &Result{}, nil
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    cachedSystemBlocks(req.System),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildDocument(req.Spans))),
		},
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "extractor: create message")
	}

	usage := TokenUsage{
		InputTokens:              msg.Usage.InputTokens,
		OutputTokens:             msg.Usage.OutputTokens,
		CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
	}
	usage.LogCost(c.model, "extract")

	if msg.StopReason == "max_tokens" {
		return nil, eris.Errorf("extractor: response truncated at %d tokens", c.maxTokens)
	}

	candidates, err := parseCandidates(messageText(msg), len(req.Spans))
	if err != nil {
		return nil, err
	}
	return &Result{Candidates: candidates, Usage: usage}, nil
}

// cachedSystemBlocks sets a 1-hour cache breakpoint on the profile prompt.
func cachedSystemBlocks(text string) []sdk.TextBlockParam {
	cc := sdk.NewCacheControlEphemeralParam()
	cc.TTL = sdk.CacheControlEphemeralTTL("1h")
	return []sdk.TextBlockParam{
		{Text: text, CacheControl: cc},
	}
}

// buildDocument renders spans as numbered sections so the model can cite the
// span ordinal in each candidate.
func buildDocument(spans []Span) string {
	var sb strings.Builder
	for _, s := range spans {
		fmt.Fprintf(&sb, "[span %d]\n%s\n\n", s.Ordinal, s.Text)
	}
	return sb.String()
}

func messageText(msg *sdk.Message) string {
	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
