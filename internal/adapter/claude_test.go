package adapter

import (
	"encoding/json"
	"testing"
)

func TestTranslateSystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-123","model":"claude-sonnet-4-5"}`
	out := TranslateStreamLine([]byte(line))
	if len(out) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(out))
	}
	if out[0].Channel != ChannelClaudeMessage || out[0].Type != TypeStartTurn {
		t.Fatalf("expected %s/%s, got %s/%s", ChannelClaudeMessage, TypeStartTurn, out[0].Channel, out[0].Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(out[0].Payload, &payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload["sessionId"] != "sess-123" || payload["model"] != "claude-sonnet-4-5" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestTranslateNonInitSystemSuppressed(t *testing.T) {
	if out := TranslateStreamLine([]byte(`{"type":"system","subtype":"other"}`)); out != nil {
		t.Fatalf("expected nothing for non-init system, got %v", out)
	}
}

func TestTranslateAssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Looking at the logs."},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"tail -f app.log"}}]}}`
	out := TranslateStreamLine([]byte(line))
	if len(out) != 2 {
		t.Fatalf("expected 2 emissions, got %d", len(out))
	}
	if out[0].Type != TypeText {
		t.Fatalf("expected text first, got %s", out[0].Type)
	}
	var text map[string]string
	_ = json.Unmarshal(out[0].Payload, &text)
	if text["text"] != "Looking at the logs." {
		t.Fatalf("unexpected text payload %v", text)
	}

	if out[1].Type != TypeToolUse {
		t.Fatalf("expected toolUse second, got %s", out[1].Type)
	}
	var tool struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(out[1].Payload, &tool); err != nil {
		t.Fatalf("parse tool payload: %v", err)
	}
	if tool.Name != "Bash" {
		t.Fatalf("expected Bash, got %q", tool.Name)
	}
}

func TestTranslateWhitespaceTextSuppressed(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"  \n "}]}}`
	if out := TranslateStreamLine([]byte(line)); len(out) != 0 {
		t.Fatalf("expected whitespace-only text suppressed, got %v", out)
	}
}

func TestTranslateToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":"ok"}]}}`
	out := TranslateStreamLine([]byte(line))
	if len(out) != 1 || out[0].Type != TypeToolResult {
		t.Fatalf("expected one toolResult, got %v", out)
	}
	var payload struct {
		ToolUseID string          `json:"toolUseId"`
		Content   json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(out[0].Payload, &payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.ToolUseID != "tu-1" {
		t.Fatalf("expected tu-1, got %q", payload.ToolUseID)
	}
}

func TestTranslateToolUseEmptyInput(t *testing.T) {
	// A tool_use with no input must still produce valid JSON.
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`
	out := TranslateStreamLine([]byte(line))
	if len(out) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(out))
	}
	if !json.Valid(out[0].Payload) {
		t.Fatalf("payload is not valid JSON: %s", out[0].Payload)
	}
}

func TestTranslateResult(t *testing.T) {
	line := `{"type":"result","result":"done","is_error":false,"num_turns":3,"total_cost_usd":0.0123,"duration_ms":4500}`
	out := TranslateStreamLine([]byte(line))
	if len(out) != 1 || out[0].Type != TypeEndTurn {
		t.Fatalf("expected one endTurn, got %v", out)
	}
	var payload struct {
		Result   string  `json:"result"`
		IsError  bool    `json:"isError"`
		NumTurns int     `json:"numTurns"`
		CostUSD  float64 `json:"costUsd"`
	}
	if err := json.Unmarshal(out[0].Payload, &payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Result != "done" || payload.NumTurns != 3 || payload.CostUSD != 0.0123 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestTranslateGarbageAndUnknown(t *testing.T) {
	if out := TranslateStreamLine([]byte("not json")); out != nil {
		t.Fatalf("expected nothing for garbage, got %v", out)
	}
	if out := TranslateStreamLine([]byte(`{"type":"mystery"}`)); out != nil {
		t.Fatalf("expected nothing for unknown type, got %v", out)
	}
}

func TestExtractCLISessionID(t *testing.T) {
	if id := extractCLISessionID([]byte(`{"type":"system","subtype":"init","session_id":"s-9"}`)); id != "s-9" {
		t.Fatalf("expected s-9, got %q", id)
	}
	if id := extractCLISessionID([]byte(`{"type":"assistant"}`)); id != "" {
		t.Fatalf("expected empty for non-init, got %q", id)
	}
	if id := extractCLISessionID([]byte("garbage")); id != "" {
		t.Fatalf("expected empty for garbage, got %q", id)
	}
}
