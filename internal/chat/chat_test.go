package chat

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"llamactx/pkg/types"
)

func TestFormatChatJoinsTextParts(t *testing.T) {
	in := []types.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Parts: []types.MessagePart{
			{Type: "text", Text: "first"},
			{Type: "image_url"},
			{Type: "text", Text: "second"},
		}},
	}
	want := []types.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "first\nsecond"},
	}
	if diff := cmp.Diff(want, FormatChat(in)); diff != "" {
		t.Fatalf("FormatChat mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderChatML(t *testing.T) {
	got, err := Render("chatml", []types.ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	want := "<|im_start|>system\nsys<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	require.Equal(t, want, got)
}

func TestRenderLlama3(t *testing.T) {
	got, err := Render("llama3", []types.ChatMessage{{Role: "user", Content: " hi "}})
	require.NoError(t, err)
	want := "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nhi<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n"
	require.Equal(t, want, got)
}

func TestRenderGemmaFoldsSystemIntoUser(t *testing.T) {
	got, err := Render("gemma", []types.ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	require.NoError(t, err)
	want := "<bos><start_of_turn>user\nsys\n\nhi<end_of_turn>\n<start_of_turn>model\nhello<end_of_turn>\n<start_of_turn>model\n"
	require.Equal(t, want, got)
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render("vicuna", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "chatml")
}
