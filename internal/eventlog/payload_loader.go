package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PayloadLoader hydrates "<ref:PATH>" sentinels recorded by Externalize.
// Session responses are one-completion-per-line, so hydration reads
// only the last line; other externalized payloads read the whole
// referenced file.
type PayloadLoader struct {
	// SessionResponses reports whether path looks like a
	// responses/<session_id>.jsonl file, in which case only the last
	// line is read and parsed.
	SessionResponses func(path string) bool
}

// NewPayloadLoader constructs a loader that treats any path under a
// "responses/" directory as a session-response file.
func NewPayloadLoader() *PayloadLoader {
	return &PayloadLoader{
		SessionResponses: func(path string) bool {
			return strings.Contains(path, "/responses/") || strings.HasPrefix(path, "responses/")
		},
	}
}

// Hydrate resolves a "<ref:PATH>" sentinel into its materialized value.
// Non-ref strings are returned unchanged.
func (l *PayloadLoader) Hydrate(sentinel string) (any, error) {
	path, ok := parseRef(sentinel)
	if !ok {
		return sentinel, nil
	}
	if l.SessionResponses != nil && l.SessionResponses(path) {
		return l.lastLine(path)
	}
	return l.fullFile(path)
}

// HydrateRow hydrates every field in refs against row, returning a copy
// of row's free-form data with "<ref:PATH>" sentinels replaced.
func (l *PayloadLoader) HydrateRow(data map[string]any, refs map[string]string) map[string]any {
	if len(refs) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for field, path := range refs {
		val, err := l.Hydrate(fmt.Sprintf("<ref:%s>", path))
		if err != nil {
			continue
		}
		out[field] = val
	}
	return out
}

func parseRef(s string) (string, bool) {
	if !strings.HasPrefix(s, "<ref:") || !strings.HasSuffix(s, ">") {
		return "", false
	}
	return s[len("<ref:") : len(s)-1], true
}

func (l *PayloadLoader) fullFile(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v, nil
	}
	return string(b), nil
}

func (l *PayloadLoader) lastLine(path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if last == "" {
		return nil, fmt.Errorf("no lines in %s", path)
	}
	var v any
	if err := json.Unmarshal([]byte(last), &v); err != nil {
		return last, nil
	}
	return v, nil
}
