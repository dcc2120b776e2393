package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

var geminiImage = dockerImage{
	npmPackage: "@google/gemini-cli",
	cli:        "gemini",
	envVars:    []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_APPLICATION_CREDENTIALS"},
}

// Gemini runs the Gemini CLI
type Gemini struct {
	base
}

// NewGemini returns the Gemini provider
func NewGemini(opts ...Option) *Gemini {
	return &Gemini{base: newBase("gemini", "gemini", opts)}
}

func (g *Gemini) CredentialHint() string {
	return "Set GEMINI_API_KEY or GOOGLE_API_KEY in ~/.gza/.env, or run 'gemini auth' to authenticate"
}

func (g *Gemini) CheckCredentials() bool {
	return g.anyEnv("GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_APPLICATION_CREDENTIALS") || g.hasDir(".gemini")
}

func (g *Gemini) VerifyCredentials(ctx context.Context, docker *DockerOptions) error {
	return g.verify(ctx, docker, geminiImage, []string{"authentication", "api key", "unauthorized"})
}

func (g *Gemini) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	cmd, err := g.resolve(ctx, req, geminiImage, geminiArgs(req), []string{"GEMINI_SHELL_ENABLED=true"})
	if err != nil {
		return nil, err
	}
	return g.execute(ctx, cmd, req, &geminiParser{model: req.Model}, geminiPricing)
}

// geminiArgs runs the CLI headless; with no --prompt it reads the prompt from stdin
func geminiArgs(req RunRequest) []string {
	args := []string{"--output-format", "stream-json", "--yolo"}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return append(args, req.Args...)
}

type geminiEvent struct {
	Type      string         `json:"type"`
	Model     string         `json:"model"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Delta     bool           `json:"delta"`
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	Stats     *geminiStats   `json:"stats"`
}

type geminiStats struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
	ToolCalls    *int `json:"tool_calls"`
}

// geminiParser treats each assistant message, and each tool call not
// preceded by one, as a step. A user message closes the current step.
type geminiParser struct {
	model     string
	sessionID string
	steps     int
	open      bool // current step has no message text yet
	inStep    bool
	tools     map[string]bool
	usage     usageLedger
	reported  *int
}

func (p *geminiParser) startStep(elapsed time.Duration, emit func(Event)) {
	p.steps++
	p.inStep = true
	emit(Event{
		Kind:    EventTurn,
		Turn:    p.steps,
		Tokens:  p.usage.total(),
		CostUSD: geminiPricing.Cost(p.model, p.usage.input, p.usage.output),
		Elapsed: elapsed,
	})
}

func (p *geminiParser) parseLine(line string, elapsed time.Duration, emit func(Event)) {
	var ev geminiEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		emit(Event{Kind: EventRaw, Text: line})
		return
	}

	switch ev.Type {
	case "init":
		if p.model == "" {
			p.model = ev.Model
		}
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}

	case "message":
		if ev.Role == "user" {
			p.inStep, p.open = false, false
			return
		}
		if ev.Role != "assistant" || ev.Content == "" || ev.Delta {
			return
		}
		if p.inStep && p.open {
			p.open = false
		} else {
			p.startStep(elapsed, emit)
		}
		emit(Event{Kind: EventMessage, Turn: p.steps, Text: ev.Content})

	case "tool_use":
		if ev.ID != "" {
			if p.tools == nil {
				p.tools = make(map[string]bool)
			}
			if p.tools[ev.ID] {
				return
			}
			p.tools[ev.ID] = true
		}
		if !p.inStep {
			p.startStep(elapsed, emit)
			p.open = true
		}
		emit(Event{Kind: EventTool, Turn: p.steps, Tool: ev.ToolName, Detail: describeTool(ev.ToolName, ev.ToolInput)})

	case "result":
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		if ev.Stats == nil {
			return
		}
		if ev.Stats.ToolCalls != nil {
			p.reported = ev.Stats.ToolCalls
		}
		if ev.Stats.InputTokens != nil && ev.Stats.OutputTokens != nil {
			in, out := *ev.Stats.InputTokens, *ev.Stats.OutputTokens
			p.usage.add(fmt.Sprintf("result/%d/%d", in, out), in, out)
		}
	}
}

func (p *geminiParser) exceeded(maxSteps int) bool {
	return p.steps > maxSteps
}

func (p *geminiParser) finish(res *RunResult) {
	res.SessionID = p.sessionID
	res.TurnsReported = p.reported
	if p.steps > 0 {
		n := p.steps
		res.TurnsComputed = &n
	}
	p.usage.apply(res)
	if p.usage.any {
		// The init event may name the model when the request did not
		cost := geminiPricing.Cost(p.model, p.usage.input, p.usage.output)
		res.CostUSD = &cost
	}
}
