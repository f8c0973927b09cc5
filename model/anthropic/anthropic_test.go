package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/model"
)

var _ model.Model = (*Model)(nil)

func TestGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "{\"approved\":true}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test-key"
		o.RequestOptions = []option.RequestOption{option.WithBaseURL(srv.URL), option.WithMaxRetries(0)}
	})

	res, err := m.Generate(context.Background(), model.UserPrompt("You approve purchase orders.", "PO-1 for 40 units?"))
	require.NoError(t, err)
	assert.Equal(t, "msg_1", res.ID)
	assert.Equal(t, `{"approved":true}`, res.Text)
	assert.Equal(t, "end_turn", res.FinishReason)
	assert.Equal(t, int64(17), res.Usage.TotalTokens)

	require.NotNil(t, body)
	assert.Contains(t, body, "system")
	assert.Len(t, body["messages"], 1)
	assert.Equal(t, "anthropic", m.Info().Provider)
}

func TestGenerateWithoutMessages(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test-key" })

	_, err := m.Generate(context.Background(), model.Request{Instructions: "only system"})
	require.ErrorIs(t, err, model.ErrNoMessages)
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages([]model.Message{
		{Role: model.RoleSystem, Text: "sys"},
		{Role: model.RoleUser, Text: "q"},
		{Role: model.RoleAssistant, Text: "a"},
		{Role: "tool", Text: "t"},
		{Role: model.RoleUser, Text: ""},
	})
	assert.Len(t, msgs, 3)

	blocks := systemBlocks(model.Request{Instructions: "inst", Messages: []model.Message{{Role: model.RoleSystem, Text: "sys"}}})
	require.Len(t, blocks, 2)
	assert.Equal(t, "inst", blocks[0].Text)
	assert.Equal(t, "sys", blocks[1].Text)
}
