package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedSystem(t *testing.T) {
	blocks := CachedSystem("You read wine labels.")

	require.Len(t, blocks, 1)
	assert.Equal(t, "You read wine labels.", blocks[0].Text)
	assert.Equal(t, "1h", blocks[0].CacheTTL)
}

func TestTokenUsage_TotalAndAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 1200, OutputTokens: 150, CacheReadInputTokens: 900}
	u.Add(TokenUsage{InputTokens: 300, OutputTokens: 50, CacheCreationInputTokens: 2000})

	assert.Equal(t, int64(1500), u.InputTokens)
	assert.Equal(t, int64(200), u.OutputTokens)
	assert.Equal(t, int64(2000), u.CacheCreationInputTokens)
	assert.Equal(t, int64(900), u.CacheReadInputTokens)
	assert.Equal(t, int64(1700), u.Total())
}

func TestFromSDKMessage(t *testing.T) {
	sdkMsg := &sdk.Message{
		ID:           "msg_test_123",
		Model:        "claude-sonnet-4-5-20250929",
		StopReason:   "end_turn",
		StopSequence: "STOP",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"producer":"Opus One"}`},
		},
		Usage: sdk.Usage{
			InputTokens:              100,
			OutputTokens:             50,
			CacheCreationInputTokens: 2000,
			CacheReadInputTokens:     3000,
		},
	}

	resp := fromSDKMessage(sdkMsg)
	require.NotNil(t, resp)
	assert.Equal(t, "msg_test_123", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "STOP", resp.StopSequence)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, `{"producer":"Opus One"}`, resp.Content[0].Text)
	assert.Equal(t, int64(100), resp.Usage.InputTokens)
	assert.Equal(t, int64(3000), resp.Usage.CacheReadInputTokens)
}

func TestToSDKMessages_ImageBlocksPrecedeText(t *testing.T) {
	msgs := toSDKMessages([]Message{{
		Role:      "user",
		Content:   "Read this label.",
		ImageURLs: []string{"https://abc.supabase.co/storage/v1/object/public/scan-images/u/1.jpg"},
	}})

	require.Len(t, msgs, 1)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 2)
	require.NotNil(t, msgs[0].Content[0].OfImage)
	require.NotNil(t, msgs[0].Content[0].OfImage.Source.OfURL)
	assert.Contains(t, msgs[0].Content[0].OfImage.Source.OfURL.URL, "scan-images")
	require.NotNil(t, msgs[0].Content[1].OfText)
	assert.Equal(t, "Read this label.", msgs[0].Content[1].OfText.Text)
}

func TestToSDKMessages_AssistantRole(t *testing.T) {
	msgs := toSDKMessages([]Message{{Role: "assistant", Content: "{"}})
	require.Len(t, msgs, 1)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Content, 1)
}

func TestToSDKSystem_CacheControl(t *testing.T) {
	blocks := toSDKSystem([]SystemBlock{
		{Text: "cached", CacheTTL: "1h"},
		{Text: "plain"},
	})
	require.Len(t, blocks, 2)
	assert.Equal(t, "cached", blocks[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), blocks[0].CacheControl.TTL)
	assert.Equal(t, "plain", blocks[1].Text)
	assert.Empty(t, blocks[1].CacheControl.TTL)
}

func TestToSDKSystem_Empty(t *testing.T) {
	assert.Nil(t, toSDKSystem(nil))
}
