package extractor

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	msg := &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"facts":`},
			{Type: "text", Text: `[]}`},
		},
	}
	assert.Equal(t, `{"facts":[]}`, messageText(msg))
}

func TestCachedSystemBlocks(t *testing.T) {
	blocks := cachedSystemBlocks("extract facts")
	require.Len(t, blocks, 1)
	assert.Equal(t, "extract facts", blocks[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), blocks[0].CacheControl.TTL)
}

func TestEstimateCost(t *testing.T) {
	usage := TokenUsage{
		InputTokens:              1_000_000,
		OutputTokens:             100_000,
		CacheCreationInputTokens: 200_000,
		CacheReadInputTokens:     500_000,
	}

	cost := usage.EstimateCost("claude-sonnet-4-5-20250929")
	// 3.00 + 1.50 + 0.2*3*1.25 + 0.5*3*0.1
	assert.InDelta(t, 3.0+1.5+0.75+0.15, cost, 0.001)
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	usage := TokenUsage{InputTokens: 1000}
	assert.Equal(t, 0.0, usage.EstimateCost("some-other-model"))
}
