package backend

import (
	"bytes"
	"encoding/json"
)

// ResultKind tags how a backend's stdout was decoded.
type ResultKind int

const (
	// ResultEnvelope means stdout carried the structured JSON envelope
	// with result text plus usage accounting.
	ResultEnvelope ResultKind = iota
	// ResultRaw means stdout was taken verbatim as the generated text.
	ResultRaw
)

// Result is the decoded outcome of one backend run. Decoding happens
// exactly once at the process boundary; downstream code never inspects
// untyped JSON.
type Result struct {
	Kind       ResultKind
	Text       string
	SessionID  string
	TokensUsed int
	CostUSD    float64
	DurationMS int64
}

// envelope mirrors the backend CLI's JSON output format.
type envelope struct {
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// DecodeResult parses captured stdout. A well-formed envelope with a
// non-empty result field wins; anything else falls back to raw text, so
// a backend that prints plain output still produces a usable result.
func DecodeResult(raw []byte) Result {
	trimmed := bytes.TrimSpace(raw)

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err == nil && env.Result != "" {
		return Result{
			Kind:       ResultEnvelope,
			Text:       env.Result,
			SessionID:  env.SessionID,
			TokensUsed: env.Usage.InputTokens + env.Usage.OutputTokens,
			CostUSD:    env.TotalCostUSD,
			DurationMS: env.DurationMS,
		}
	}

	return Result{
		Kind: ResultRaw,
		Text: string(trimmed),
	}
}
