package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/pkg/telemetry"
)

// parser interprets one agent's event stream
type parser interface {
	// parseLine handles one non-empty output line
	parseLine(line string, elapsed time.Duration, emit func(Event))
	// exceeded reports whether the step budget was crossed
	exceeded(maxSteps int) bool
	// finish copies accumulated figures into res
	finish(res *RunResult)
}

// command is a fully resolved agent invocation
type command struct {
	name  string
	args  []string
	dir   string
	env   []string
	stdin string
}

// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
// after the agent itself exits or is killed
const waitDelay = 5 * time.Second

// execute runs cmd, tees its combined output to the log file line by line,
// feeds every line to p as it arrives and kills the process once p reports
// the step budget exceeded.
func (b *base) execute(ctx context.Context, cmd command, req RunRequest, p parser, prices PriceTable) (*RunResult, error) {
	ctx, span := telemetry.StartProviderSpan(ctx, b.name, req.Model,
		attribute.String(telemetry.KeyTaskSlug, req.TaskID),
		attribute.Int(telemetry.KeyMaxSteps, req.MaxSteps),
		attribute.Bool(telemetry.KeyResume, req.ResumeSessionID != ""),
	)
	defer span.End()

	log := b.logger.With(zap.String("task_id", req.TaskID))

	if err := os.MkdirAll(filepath.Dir(req.LogFile), 0o755); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryProvider)
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(req.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryProvider)
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	timeoutCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		timeoutCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	runCtx, kill := context.WithCancel(timeoutCtx)
	defer kill()

	c := exec.CommandContext(runCtx, cmd.name, cmd.args...)
	c.Dir = cmd.dir
	c.Env = append(os.Environ(), cmd.env...)
	c.Stdin = strings.NewReader(cmd.stdin)
	c.WaitDelay = waitDelay
	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	log.Info("starting agent",
		zap.String("command", cmd.name),
		zap.Int("prompt_chars", len(cmd.stdin)),
		zap.Int("max_steps", req.MaxSteps),
		zap.Duration("timeout", req.Timeout),
	)
	start := time.Now()
	if err := c.Start(); err != nil {
		pw.Close()
		telemetry.RecordError(span, err, telemetry.ErrorCategoryProvider)
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCLINotFound, cmd.name)
		}
		return nil, fmt.Errorf("starting %s: %w", cmd.name, err)
	}

	done := make(chan error, 1)
	go func() {
		err := c.Wait()
		pw.Close()
		done <- err
	}()

	emit := func(e Event) {
		if req.OnEvent != nil {
			req.OnEvent(e)
		}
	}

	var (
		outputChars int
		killed      bool
		logErr      error
	)
	reader := bufio.NewReader(pr)
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			// Raw events are persisted verbatim before interpretation
			if _, err := logFile.WriteString(line); err != nil && logErr == nil {
				logErr = err
				log.Warn("could not write agent log", zap.Error(err))
			}
			outputChars += len(line)

			if trimmed := strings.TrimSpace(line); trimmed != "" {
				p.parseLine(trimmed, time.Since(start), emit)
				if !killed && req.MaxSteps > 0 && p.exceeded(req.MaxSteps) {
					killed = true
					log.Warn("step budget exceeded, stopping agent", zap.Int("max_steps", req.MaxSteps))
					kill()
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	waitErr := <-done

	res := &RunResult{Duration: time.Since(start)}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	} else if waitErr != nil {
		res.ExitCode = 1
	}

	switch {
	case killed:
		res.ErrorType = ErrorMaxSteps
	case ctx.Err() != nil:
		res.ExitCode = ExitInterrupted
		res.ErrorType = ErrorProcess
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = ExitTimeout
		res.ErrorType = ErrorTimeout
	case res.ExitCode == ExitTimeout:
		res.ErrorType = ErrorTimeout
	case res.ExitCode != 0:
		res.ErrorType = ErrorProcess
	}
	if res.ExitCode < 0 {
		// Killed by signal
		res.ExitCode = 1
	}

	// Explicit budget signals in the stream take precedence over exit codes
	p.finish(res)

	if res.InputTokens == nil && res.OutputTokens == nil {
		in, out := estimateTokens(len(cmd.stdin)), estimateTokens(outputChars)
		res.InputTokens, res.OutputTokens = &in, &out
		res.TokensEstimated = true
		res.CostEstimated = true
	}
	if res.CostUSD == nil {
		cost := prices.Cost(req.Model, deref(res.InputTokens), deref(res.OutputTokens))
		res.CostUSD = &cost
	}

	span.SetAttributes(
		attribute.Int(telemetry.KeyExitCode, res.ExitCode),
		attribute.Int(telemetry.KeyTurnsReported, deref(res.TurnsReported)),
		attribute.Int(telemetry.KeyTurnsComputed, deref(res.TurnsComputed)),
		attribute.Float64(telemetry.KeyCostUSD, *res.CostUSD),
	)
	if res.ErrorType != ErrorNone {
		telemetry.RecordError(span, fmt.Errorf("agent run ended with %s (exit %d)", res.ErrorType, res.ExitCode), errorCategory(res.ErrorType))
	}
	b.metrics.ObserveProviderRun(b.name, req.Model, string(res.ErrorType), res.Duration,
		deref(res.TurnsComputed), deref(res.InputTokens), deref(res.OutputTokens), *res.CostUSD)

	log.Info("agent finished",
		zap.Int("exit_code", res.ExitCode),
		zap.String("error_type", string(res.ErrorType)),
		zap.Duration("duration", res.Duration),
		zap.Intp("turns_reported", res.TurnsReported),
		zap.Intp("turns_computed", res.TurnsComputed),
		zap.Float64p("cost_usd", res.CostUSD),
		zap.Bool("estimated", res.CostEstimated),
	)
	return res, nil
}

func errorCategory(t ErrorType) string {
	switch t {
	case ErrorMaxSteps:
		return telemetry.ErrorCategoryBudget
	case ErrorTimeout:
		return telemetry.ErrorCategoryTimeout
	case ErrorProcess:
		return telemetry.ErrorCategoryProvider
	}
	return telemetry.ErrorCategoryUnknown
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// truncate trims s to max runes with an ellipsis; max <= 0 means no limit
func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// usageLedger accumulates token usage, ignoring repeats of the same key
type usageLedger struct {
	seen   map[string]bool
	input  int
	output int
	any    bool
}

// add records usage under key and reports whether it was new
func (u *usageLedger) add(key string, input, output int) bool {
	if u.seen == nil {
		u.seen = make(map[string]bool)
	}
	if u.seen[key] {
		return false
	}
	u.seen[key] = true
	u.input += input
	u.output += output
	u.any = true
	return true
}

func (u *usageLedger) total() int {
	return u.input + u.output
}

// apply stores the totals on res when any usage was observed
func (u *usageLedger) apply(res *RunResult) {
	if !u.any {
		return
	}
	in, out := u.input, u.output
	res.InputTokens, res.OutputTokens = &in, &out
}
