package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Channel and event types emitted by the Claude adapter. Every emission
// rides the claude:message channel; the type tags the turn structure.
const (
	ChannelClaudeMessage = "claude:message"
	TypeStartTurn        = "startTurn"
	TypeText             = "text"
	TypeToolUse          = "toolUse"
	TypeToolResult       = "toolResult"
	TypeEndTurn          = "endTurn"
)

// MetaCLISessionID is the OnMeta key carrying the CLI-side session id that
// a later resume passes back via --resume.
const MetaCLISessionID = "cliSessionId"

// ClaudeAdapter drives the Anthropic CLI as a child process framed over
// newline-delimited JSON on both stdin and stdout.
type ClaudeAdapter struct {
	// Binary overrides the CLI binary name. Empty means "claude".
	Binary string
}

// NewClaude creates a Claude adapter using the default CLI binary.
func NewClaude() *ClaudeAdapter {
	return &ClaudeAdapter{}
}

// Kind implements Adapter.
func (a *ClaudeAdapter) Kind() string { return "claude" }

// Resumable implements Adapter. The CLI supports --resume with a prior
// session id.
func (a *ClaudeAdapter) Resumable() bool { return true }

// Start implements Adapter. Missing binary or credentials fail with
// ErrMisconfigured before anything is spawned.
func (a *ClaudeAdapter) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	binary := a.Binary
	if binary == "" {
		binary = "claude"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%w: %q not found in PATH", ErrMisconfigured, binary)
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", ErrMisconfigured)
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if model := opts.Metadata["model"]; model != "" {
		args = append(args, "--model", model)
	}
	if opts.ResumeHint != "" {
		args = append(args, "--resume", opts.ResumeHint)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = opts.WorkspacePath
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	h := &claudeHandle{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	// Stream translator: one NDJSON line in, zero or more emissions out.
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if sessionID := extractCLISessionID(line); sessionID != "" && opts.OnMeta != nil {
				opts.OnMeta(MetaCLISessionID, sessionID)
			}
			for _, em := range TranslateStreamLine(line) {
				opts.Sink(em)
			}
		}
	}()

	go func() {
		waitErr := cmd.Wait()
		close(h.done)

		status := ExitStatus{Code: 0, Reason: "exit"}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				status.Code = exitErr.ExitCode()
			} else {
				status.Code = -1
				status.Reason = waitErr.Error()
			}
		}
		opts.OnExit(status)
	}()

	return h, nil
}

type claudeHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	closeOnce sync.Once
}

// Input frames client bytes as a stream-json user message on the CLI's
// stdin. Raw bytes are taken as the user's text.
func (h *claudeHandle) Input(p []byte) error {
	frame := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	frame.Message.Role = "user"
	frame.Message.Content = append(frame.Message.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: string(p)})

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal input frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("write input frame: %w", err)
	}
	return nil
}

// Resize implements Handle as a no-op; the CLI has no TTY.
func (h *claudeHandle) Resize(cols, rows int) error { return nil }

// Close ends the conversation by closing stdin; the CLI drains and exits.
// If it outlives the context it is killed.
func (h *claudeHandle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() { _ = h.stdin.Close() })

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	return nil
}

// --- stream-json translation ---

// streamLine is a minimal representation of a CLI stream-json NDJSON line.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// TranslateStreamLine converts one raw NDJSON line from the CLI into the
// structured emissions the event log records. Unknown line types translate
// to nothing.
func TranslateStreamLine(raw []byte) []Emission {
	var line streamLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil
	}

	switch line.Type {
	case "system":
		if line.Subtype != "init" {
			return nil
		}
		payload, _ := json.Marshal(map[string]string{
			"sessionId": line.SessionID,
			"model":     line.Model,
		})
		return []Emission{{Channel: ChannelClaudeMessage, Type: TypeStartTurn, Payload: payload}}

	case "assistant":
		var out []Emission
		for _, block := range line.Message.Content {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) == "" {
					continue
				}
				payload, _ := json.Marshal(map[string]string{"text": block.Text})
				out = append(out, Emission{Channel: ChannelClaudeMessage, Type: TypeText, Payload: payload})
			case "tool_use":
				payload, _ := json.Marshal(map[string]json.RawMessage{
					"name":  json.RawMessage(fmt.Sprintf("%q", block.Name)),
					"input": rawOrNull(block.Input),
				})
				out = append(out, Emission{Channel: ChannelClaudeMessage, Type: TypeToolUse, Payload: payload})
			}
		}
		return out

	case "user":
		var out []Emission
		for _, block := range line.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			payload, _ := json.Marshal(map[string]json.RawMessage{
				"toolUseId": json.RawMessage(fmt.Sprintf("%q", block.ToolUseID)),
				"content":   rawOrNull(block.Content),
			})
			out = append(out, Emission{Channel: ChannelClaudeMessage, Type: TypeToolResult, Payload: payload})
		}
		return out

	case "result":
		payload, _ := json.Marshal(map[string]any{
			"result":     line.Result,
			"isError":    line.IsError,
			"numTurns":   line.NumTurns,
			"costUsd":    line.TotalCostUSD,
			"durationMs": line.DurationMs,
		})
		return []Emission{{Channel: ChannelClaudeMessage, Type: TypeEndTurn, Payload: payload}}

	default:
		return nil
	}
}

// rawOrNull makes empty raw JSON safe to re-marshal.
func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// extractCLISessionID pulls the CLI session id from an init line, or ""
// for any other line.
func extractCLISessionID(raw []byte) string {
	var line streamLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return ""
	}
	if line.Type == "system" && line.Subtype == "init" {
		return line.SessionID
	}
	return ""
}
