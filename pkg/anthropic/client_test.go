package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func TestCreateMessage_MockClient(t *testing.T) {
	mc := new(MockClient)
	req := MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
		System:    BuildCachedSystemBlocks("instructions"),
		Messages:  []Message{{Role: "user", Content: "Title: Apple beats"}},
	}
	mc.On("CreateMessage", mock.Anything, req).Return(&MessageResponse{
		ID:      "msg_1",
		Content: []ContentBlock{{Type: "text", Text: `{"sentiment":"positive"}`}},
	}, nil)

	resp, err := mc.CreateMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"sentiment":"positive"}`, resp.Text())
	mc.AssertExpectations(t)
}

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "part one, "},
		{Type: "thinking", Text: "ignored"},
		{Type: "text", Text: "part two"},
	}}
	assert.Equal(t, "part one, part two", resp.Text())
}

func TestAPIError(t *testing.T) {
	inner := errors.New("overloaded")
	err := &APIError{StatusCode: 529, Err: inner}

	assert.Contains(t, err.Error(), "529")
	assert.ErrorIs(t, err, inner)
	assert.Zero(t, err.RetryHint())
}

func TestToAPIError_PassesThroughTransportErrors(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	assert.Same(t, inner, toAPIError(inner))
}

func TestSDKTypeConversion_toSDKMessages(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there"},
		{Role: "system-ish", Content: "defaults to user"},
	}

	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 3)
	assert.Equal(t, "user", string(sdkMsgs[0].Role))
	assert.Equal(t, "assistant", string(sdkMsgs[1].Role))
	assert.Equal(t, "user", string(sdkMsgs[2].Role))
}

func TestSDKTypeConversion_toSDKSystemBlocks(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "You annotate financial news."},
		{Text: "Schema here.", CacheControl: &CacheControl{TTL: "1h"}},
	}

	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 2)
	assert.Equal(t, "You annotate financial news.", sdkBlocks[0].Text)
	assert.Equal(t, "Schema here.", sdkBlocks[1].Text)
	assert.Equal(t, "1h", string(sdkBlocks[1].CacheControl.TTL))
}
