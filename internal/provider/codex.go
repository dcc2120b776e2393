package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var codexImage = dockerImage{
	npmPackage: "@openai/codex",
	cli:        "codex",
	configDir:  ".codex",
	envVars:    []string{"CODEX_API_KEY", "OPENAI_API_KEY"},
}

// Codex runs the OpenAI Codex CLI
type Codex struct {
	base
}

// NewCodex returns the Codex provider
func NewCodex(opts ...Option) *Codex {
	return &Codex{base: newBase("codex", "codex", opts)}
}

func (c *Codex) CredentialHint() string {
	return "Set CODEX_API_KEY in ~/.gza/.env or run 'codex login' to authenticate"
}

func (c *Codex) CheckCredentials() bool {
	return c.hasDir(".codex") || c.anyEnv("CODEX_API_KEY", "OPENAI_API_KEY")
}

func (c *Codex) VerifyCredentials(ctx context.Context, docker *DockerOptions) error {
	return c.verify(ctx, docker, codexImage, []string{"Invalid API key", "authentication", "unauthorized"})
}

func (c *Codex) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	workDir := req.WorkDir
	if req.Docker != nil {
		workDir = ContainerWorkspace
	}
	cmd, err := c.resolve(ctx, req, codexImage, codexArgs(req, workDir), nil)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, cmd, req, &codexParser{model: req.Model}, codexPricing)
}

func codexArgs(req RunRequest, workDir string) []string {
	args := []string{"exec", "--json", "--dangerously-bypass-approvals-and-sandbox", "-C", workDir}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	args = append(args, req.Args...)
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
	}
	// Prompt from stdin
	return append(args, "-")
}

type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Item     *codexItem  `json:"item"`
	Usage    *codexUsage `json:"usage"`
}

type codexItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Text    string `json:"text"`
	Command string `json:"command"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// codexParser reports turns from turn.started events and computes them from
// distinct completed agent messages. Usage is keyed by
// (turn, input, output, cached) so replayed turn.completed events count once.
type codexParser struct {
	model     string
	threadID  string
	turns     int
	messages  map[string]bool
	anonymous int
	usage     usageLedger
}

func (p *codexParser) parseLine(line string, elapsed time.Duration, emit func(Event)) {
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		emit(Event{Kind: EventRaw, Text: line})
		return
	}

	switch ev.Type {
	case "thread.started":
		p.threadID = ev.ThreadID

	case "turn.started":
		p.turns++
		emit(Event{
			Kind:    EventTurn,
			Turn:    p.turns,
			Tokens:  p.usage.total(),
			CostUSD: codexPricing.Cost(p.model, p.usage.input, p.usage.output),
			Elapsed: elapsed,
		})

	case "item.completed":
		if ev.Item == nil {
			return
		}
		switch ev.Item.Type {
		case "command_execution":
			emit(Event{Kind: EventTool, Turn: p.turns, Tool: "Bash", Detail: truncate(ev.Item.Command, 80)})
		case "agent_message":
			if ev.Item.ID == "" {
				p.anonymous++
			} else {
				if p.messages == nil {
					p.messages = make(map[string]bool)
				}
				p.messages[ev.Item.ID] = true
			}
			if text := strings.TrimSpace(ev.Item.Text); text != "" {
				emit(Event{Kind: EventMessage, Turn: p.turns, Text: text})
			}
		}

	case "turn.completed":
		if ev.Usage == nil {
			return
		}
		u := ev.Usage
		key := fmt.Sprintf("%d/%d/%d/%d", p.turns, u.InputTokens, u.OutputTokens, u.CachedInputTokens)
		p.usage.add(key, u.InputTokens, u.OutputTokens)
	}
}

func (p *codexParser) computed() int {
	return len(p.messages) + p.anonymous
}

func (p *codexParser) exceeded(maxSteps int) bool {
	return p.turns > maxSteps
}

func (p *codexParser) finish(res *RunResult) {
	res.SessionID = p.threadID
	if p.turns > 0 {
		n := p.turns
		res.TurnsReported = &n
	}
	if n := p.computed(); n > 0 {
		res.TurnsComputed = &n
	}
	p.usage.apply(res)
}
