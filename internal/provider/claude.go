package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var claudeImage = dockerImage{
	npmPackage: "@anthropic-ai/claude-code",
	cli:        "claude",
	configDir:  ".claude",
	envVars:    []string{"ANTHROPIC_API_KEY"},
}

// Claude runs the Claude Code CLI
type Claude struct {
	base
}

// NewClaude returns the Claude Code provider
func NewClaude(opts ...Option) *Claude {
	return &Claude{base: newBase("claude", "claude", opts)}
}

func (c *Claude) CredentialHint() string {
	return "Set ANTHROPIC_API_KEY in ~/.gza/.env or run 'claude login' to authenticate via OAuth"
}

func (c *Claude) CheckCredentials() bool {
	return c.hasDir(".claude") || c.anyEnv("ANTHROPIC_API_KEY")
}

func (c *Claude) VerifyCredentials(ctx context.Context, docker *DockerOptions) error {
	if docker != nil && c.keychainSync {
		c.syncKeychain(ctx)
	}
	return c.verify(ctx, docker, claudeImage, []string{"Invalid API key", "Please run /login"})
}

func (c *Claude) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Docker != nil && c.keychainSync {
		c.syncKeychain(ctx)
	}
	cmd, err := c.resolve(ctx, req, claudeImage, claudeArgs(req), nil)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, cmd, req, newClaudeParser(req.Model), claudePricing)
}

func claudeArgs(req RunRequest) []string {
	args := []string{"-p", "-", "--output-format", "stream-json", "--verbose"}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Args...)
	if req.MaxSteps > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxSteps))
	}
	return args
}

// syncKeychain writes Claude OAuth credentials from the macOS keychain to
// ~/.claude/.credentials.json so the container can mount them
func (c *Claude) syncKeychain(ctx context.Context) {
	if runtime.GOOS != "darwin" {
		return
	}
	out, err := exec.CommandContext(ctx, "security", "find-generic-password", "-l", "Claude Code-credentials", "-w").Output()
	if err != nil {
		c.logger.Warn("no keychain entry for Claude credentials", zap.Error(err))
		return
	}
	var creds map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &creds); err != nil || creds["claudeAiOauth"] == nil {
		c.logger.Warn("keychain entry is not a Claude OAuth credential")
		return
	}
	dir := filepath.Join(c.home, ".claude")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.logger.Warn("could not create credential directory", zap.Error(err))
		return
	}
	data, _ := json.MarshalIndent(creds, "", "  ")
	path := filepath.Join(dir, ".credentials.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		c.logger.Warn("could not write credentials", zap.Error(err))
		return
	}
	c.logger.Info("synced keychain credentials", zap.String("path", path))
}

type claudeEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Message   *claudeMessage `json:"message"`
	NumTurns  *int           `json:"num_turns"`
	CostUSD   *float64       `json:"total_cost_usd"`
}

type claudeMessage struct {
	ID      string          `json:"id"`
	Usage   claudeUsage     `json:"usage"`
	Content []claudeContent `json:"content"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type claudeContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// claudeParser counts distinct assistant message ids as turns. Claude
// repeats a message's usage on every content block, so usage is keyed by
// message id.
type claudeParser struct {
	model     string
	seen      map[string]bool
	usage     usageLedger
	sessionID string
	reported  *int
	cost      *float64
	maxTurns  bool
}

func newClaudeParser(model string) *claudeParser {
	return &claudeParser{model: model, seen: make(map[string]bool)}
}

func (p *claudeParser) parseLine(line string, elapsed time.Duration, emit func(Event)) {
	var ev claudeEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		emit(Event{Kind: EventRaw, Text: line})
		return
	}

	switch ev.Type {
	case "system":
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}

	case "assistant":
		if ev.Message == nil {
			return
		}
		msg := ev.Message
		if msg.ID != "" && !p.seen[msg.ID] {
			p.seen[msg.ID] = true
			u := msg.Usage
			p.usage.add("msg:"+msg.ID, u.InputTokens+u.CacheCreationInputTokens+u.CacheReadInputTokens, u.OutputTokens)
			emit(Event{
				Kind:    EventTurn,
				Turn:    len(p.seen),
				Tokens:  p.usage.total(),
				CostUSD: claudePricing.Cost(p.model, p.usage.input, p.usage.output),
				Elapsed: elapsed,
			})
		}
		for _, c := range msg.Content {
			switch c.Type {
			case "tool_use":
				if c.Name == "TodoWrite" {
					emitTodos(c.Input, emit)
					continue
				}
				emit(Event{Kind: EventTool, Turn: len(p.seen), Tool: c.Name, Detail: describeTool(c.Name, c.Input)})
			case "text":
				if text := strings.TrimSpace(c.Text); text != "" {
					emit(Event{Kind: EventMessage, Turn: len(p.seen), Text: text})
				}
			}
		}

	case "result":
		if ev.NumTurns != nil {
			p.reported = ev.NumTurns
		}
		if ev.CostUSD != nil {
			p.cost = ev.CostUSD
		}
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		if ev.Subtype == "error_max_turns" {
			p.maxTurns = true
		}
	}
}

func (p *claudeParser) exceeded(maxSteps int) bool {
	return p.maxTurns || len(p.seen) > maxSteps
}

func (p *claudeParser) finish(res *RunResult) {
	res.SessionID = p.sessionID
	res.TurnsReported = p.reported
	if n := len(p.seen); n > 0 {
		res.TurnsComputed = &n
	}
	if p.cost != nil {
		cost := *p.cost
		res.CostUSD = &cost
	}
	p.usage.apply(res)
	if p.maxTurns {
		res.ErrorType = ErrorMaxSteps
	}
}

// describeTool renders a one-line summary of a tool call
func describeTool(name string, input map[string]any) string {
	str := func(k string) string {
		s, _ := input[k].(string)
		return s
	}
	path := str("file_path")
	if path == "" {
		path = str("path")
	}

	switch name {
	case "Bash":
		return truncate(str("command"), 80)
	case "Glob", "Grep":
		return str("pattern")
	case "Edit":
		parts := []string{}
		if path != "" {
			parts = append(parts, path)
		}
		oldS, newS := str("old_string"), str("new_string")
		oldN, newN := lineCount(oldS), lineCount(newS)
		switch {
		case newN > oldN:
			parts = append(parts, fmt.Sprintf("(+%d lines)", newN-oldN))
		case oldN > newN:
			parts = append(parts, fmt.Sprintf("(-%d lines)", oldN-newN))
		}
		if b, _ := input["replace_all"].(bool); b {
			parts = append(parts, "[replace_all]")
		}
		if oldS != "" {
			parts = append(parts, strconv.Quote(truncate(firstLine(oldS), 40)))
		}
		return strings.Join(parts, " ")
	}
	if path != "" {
		return path
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatParam(input[k]))
	}
	return strings.Join(parts, " ")
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		x = strings.NewReplacer("\n", `\n`, "\r", `\r`).Replace(x)
		return truncate(x, 60)
	case []any:
		return fmt.Sprintf("list[%d]", len(x))
	case map[string]any:
		return "{...}"
	}
	return fmt.Sprint(v)
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// emitTodos reports a TodoWrite call as a summary plus one event per item
func emitTodos(input map[string]any, emit func(Event)) {
	todos, _ := input["todos"].([]any)
	counts := map[string]int{}
	for _, t := range todos {
		if m, ok := t.(map[string]any); ok {
			status, _ := m["status"].(string)
			counts[status]++
		}
	}
	summary := fmt.Sprintf("%d todos", len(todos))
	if len(todos) > 0 {
		summary += fmt.Sprintf(" (pending: %d, in_progress: %d, completed: %d)",
			counts["pending"], counts["in_progress"], counts["completed"])
	}
	emit(Event{Kind: EventTool, Tool: "TodoWrite", Detail: summary})
	for _, t := range todos {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		status, _ := m["status"].(string)
		content, _ := m["content"].(string)
		emit(Event{Kind: EventTodo, Detail: status, Text: truncate(content, 60)})
	}
}
