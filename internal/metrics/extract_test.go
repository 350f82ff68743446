package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Usage
	}{
		{
			name: "single summary object",
			body: `{"done":true,"prompt_eval_count":7,"eval_count":21,"prompt_eval_duration":3000000,"eval_duration":9000000}`,
			want: Usage{PromptTokens: 7, CompletionTokens: 21, PromptEvalMs: 3, EvalMs: 9},
		},
		{
			name: "fields split across lines",
			body: "{\"eval_count\":10}\n{\"done\":true,\"prompt_eval_count\":5,\"prompt_eval_duration\":2000000,\"eval_duration\":4000000}",
			want: Usage{PromptTokens: 5, CompletionTokens: 10, PromptEvalMs: 2, EvalMs: 4},
		},
		{
			name: "later line supersedes earlier values",
			body: "{\"eval_count\":10}\n{\"done\":true,\"eval_count\":11,\"prompt_eval_count\":5}",
			want: Usage{PromptTokens: 5, CompletionTokens: 11},
		},
		{
			name: "streaming transcript with summary last",
			body: strings.Join([]string{
				`{"model":"llama3","response":"Hel","done":false}`,
				`{"model":"llama3","response":"lo","done":false}`,
				`{"model":"llama3","response":"","done":true,"prompt_eval_count":12,"eval_count":2,"prompt_eval_duration":5000000,"eval_duration":1000000}`,
			}, "\n"),
			want: Usage{PromptTokens: 12, CompletionTokens: 2, PromptEvalMs: 5, EvalMs: 1},
		},
		{
			name: "trailing newline and whitespace",
			body: "  {\"done\":true,\"eval_count\":3}  \n\n",
			want: Usage{CompletionTokens: 3},
		},
		{
			name: "sub-millisecond durations truncate to zero",
			body: `{"done":true,"prompt_eval_duration":999999,"eval_duration":1999999}`,
			want: Usage{PromptEvalMs: 0, EvalMs: 1},
		},
		{
			name: "not json at all",
			body: "not json at all",
			want: Usage{},
		},
		{
			name: "empty body",
			body: "",
			want: Usage{},
		},
		{
			name: "malformed line before valid summary is skipped",
			body: "{\"done\":true,\"eval_count\":4}\n{broken json",
			want: Usage{CompletionTokens: 4},
		},
		{
			name: "no metrics anywhere",
			body: "{\"model\":\"llama3\",\"response\":\"hi\",\"done\":false}\n{\"model\":\"llama3\",\"response\":\"!\",\"done\":false}",
			want: Usage{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract([]byte(tt.body)))
		})
	}
}

func TestModelFromRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"model present", `{"model":"llama3","prompt":"hi"}`, "llama3"},
		{"model absent", `{"prompt":"hi"}`, "unknown"},
		{"invalid json", `{model: llama3}`, "unknown"},
		{"empty body", ``, "unknown"},
		{"empty model", `{"model":""}`, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModelFromRequest([]byte(tt.body)))
		})
	}
}
