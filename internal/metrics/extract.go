// Package metrics extracts token and timing counters from upstream
// response bodies. The upstream server reports usage in a summary JSON
// object at (or near) the end of a newline-delimited token transcript.
package metrics

import (
	"encoding/json"
	"strings"
)

// Usage holds the token and duration counters reported by the upstream
// server for a single request. All fields are zero when the response
// carried no usage information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	PromptEvalMs     int64
	EvalMs           int64
}

// nanosPerMilli converts the upstream nanosecond durations to milliseconds.
const nanosPerMilli = 1_000_000

// summaryLine is the subset of the upstream summary object we care about.
// Pointer fields distinguish "absent" from "zero".
type summaryLine struct {
	PromptEvalCount    *int64 `json:"prompt_eval_count"`
	EvalCount          *int64 `json:"eval_count"`
	PromptEvalDuration *int64 `json:"prompt_eval_duration"`
	EvalDuration       *int64 `json:"eval_duration"`
	Done               bool   `json:"done"`
}

// Extract scans a response body for usage counters. The body is either a
// single JSON object or an NDJSON stream whose summary object usually sits
// on the last line, so the scan runs backward from the end. Counters found
// closer to the end win; earlier lines only fill in fields still missing.
// Malformed input never fails: lines that do not parse are skipped and a
// body with no usage yields the zero Usage.
func Extract(body []byte) Usage {
	var u Usage
	var havePrompt, haveCompletion, havePromptEval, haveEval bool

	lines := strings.Split(string(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line[0] != '{' {
			continue
		}

		var s summaryLine
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}

		if !havePrompt && s.PromptEvalCount != nil {
			u.PromptTokens = int(*s.PromptEvalCount)
			havePrompt = true
		}
		if !haveCompletion && s.EvalCount != nil {
			u.CompletionTokens = int(*s.EvalCount)
			haveCompletion = true
		}
		if !havePromptEval && s.PromptEvalDuration != nil {
			u.PromptEvalMs = *s.PromptEvalDuration / nanosPerMilli
			havePromptEval = true
		}
		if !haveEval && s.EvalDuration != nil {
			u.EvalMs = *s.EvalDuration / nanosPerMilli
			haveEval = true
		}

		if havePrompt && haveCompletion && havePromptEval && haveEval {
			break
		}
	}

	return u
}

// ModelFromRequest returns the top-level "model" field of a JSON request
// body, or "unknown" when the body does not parse or carries no model.
// It never fails the request.
func ModelFromRequest(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		return "unknown"
	}
	return req.Model
}
