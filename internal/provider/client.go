// Package provider invokes LLM provider subprocesses per the daemon's
// stdio JSON contract (spec §6.2) and normalizes their output into the
// completion scheduler's ProviderResult shape.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/ksi-project/ksid/internal/completion"
)

// Config resolves the command line used to invoke a named model.
type Config struct {
	// CommandTemplate maps a model name to the subprocess argv used to
	// invoke it. A model not present uses Default.
	CommandTemplate map[string][]string
	Default         []string
	WorkDir         string
}

// stdoutShape is the provider subprocess's expected stdout JSON object.
type stdoutShape struct {
	Result        *string `json:"result"`
	Content       *string `json:"content"`
	SessionID     string  `json:"session_id"`
	DurationMS    float64 `json:"duration_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	IsError       bool    `json:"is_error"`
	ErrorMessage  string  `json:"error_message"`
}

// Client invokes provider subprocesses, satisfying completion.Provider.
type Client struct {
	cfg Config
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) argvFor(model string) []string {
	if argv, ok := c.cfg.CommandTemplate[model]; ok {
		return argv
	}
	return c.cfg.Default
}

// Invoke spawns the provider subprocess for req's model, feeds it the
// prompt/messages and model name as arguments, and parses its single
// stdout JSON object. The subprocess is killed when ctx is done.
func (c *Client) Invoke(ctx context.Context, req completion.Request) (completion.ProviderResult, error) {
	argv := c.argvFor(req.Model)
	if len(argv) == 0 {
		return completion.ProviderResult{}, fmt.Errorf("provider: no command configured for model %q", req.Model)
	}

	args := append([]string{}, argv[1:]...)
	args = append(args, "--model", req.Model)
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	if req.MaxTokens > 0 {
		args = append(args, "--max-tokens", strconv.Itoa(req.MaxTokens))
	}

	prompt, messagesJSON, err := promptPayload(req)
	if err != nil {
		return completion.ProviderResult{}, err
	}
	if prompt != "" {
		args = append(args, "--prompt", prompt)
	}
	if messagesJSON != "" {
		args = append(args, "--messages", messagesJSON)
	}

	cmd := exec.CommandContext(ctx, argv[0], args...)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return completion.ProviderResult{}, ctx.Err()
	}
	if runErr != nil {
		return completion.ProviderResult{}, fmt.Errorf("provider subprocess failed: %w (stderr: %s)", runErr, firstLine(stderr.String()))
	}

	var parsed stdoutShape
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &parsed); err != nil {
		return completion.ProviderResult{}, fmt.Errorf("provider subprocess produced invalid JSON: %w", err)
	}

	content := ""
	if parsed.Result != nil {
		content = *parsed.Result
	} else if parsed.Content != nil {
		content = *parsed.Content
	}

	durationMS := parsed.DurationMS
	if durationMS == 0 {
		durationMS = float64(elapsed.Milliseconds())
	}

	return completion.ProviderResult{
		Content:      content,
		SessionID:    parsed.SessionID,
		DurationMS:   durationMS,
		CostUSD:      parsed.TotalCostUSD,
		IsError:      parsed.IsError,
		ErrorMessage: parsed.ErrorMessage,
	}, nil
}

func promptPayload(req completion.Request) (prompt string, messagesJSON string, err error) {
	if len(req.Messages) > 0 {
		b, marshalErr := json.Marshal(req.Messages)
		if marshalErr != nil {
			return "", "", fmt.Errorf("provider: marshal messages: %w", marshalErr)
		}
		return "", string(b), nil
	}
	return req.Prompt, "", nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
