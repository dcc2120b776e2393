// Package provider runs external coding-agent CLIs and normalizes their
// streaming JSON output into one result contract
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

var (
	// ErrUnknownProvider is returned by Registry.Get for an unregistered name
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrCLINotFound means the agent binary is not installed
	ErrCLINotFound = errors.New("agent command not found")
	// ErrInvalidCredentials means the agent reported an authentication failure
	ErrInvalidCredentials = errors.New("invalid or missing credentials")
)

// ErrorType classifies how a run ended
type ErrorType string

const (
	ErrorNone     ErrorType = ""
	ErrorMaxSteps ErrorType = "max_steps"
	ErrorTimeout  ErrorType = "timeout"
	ErrorProcess  ErrorType = "process_error"
)

// Exit codes with special meaning to the runner
const (
	ExitTimeout     = 124
	ExitInterrupted = 130
)

// Provider is one coding-agent CLI
type Provider interface {
	// Name is the registry key, e.g. "claude"
	Name() string
	// CredentialHint tells the operator how to set up credentials
	CredentialHint() string
	// CheckCredentials is a cheap local presence check
	CheckCredentials() bool
	// VerifyCredentials runs the agent's version command, inside the
	// container when docker is set, and scans it for auth failures
	VerifyCredentials(ctx context.Context, docker *DockerOptions) error
	// Run executes the agent. A nonzero exit is reported in the result, not
	// as an error; errors mean the run could not happen at all.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// DockerOptions selects container execution
type DockerOptions struct {
	Image        string
	ProjectDir   string   // Where etc/Dockerfile.<cli> lives
	Volumes      []string // Extra host:container mounts
	SetupCommand string   // Run inside the container before the agent
}

// RunRequest is the input to Provider.Run
type RunRequest struct {
	Prompt          string
	LogFile         string
	WorkDir         string
	ResumeSessionID string
	Model           string
	MaxSteps        int
	Timeout         time.Duration
	Args            []string // Extra provider-specific CLI arguments
	Docker          *DockerOptions

	// OnEvent receives progress while the agent runs; may be nil
	OnEvent func(Event)
	// TaskID labels logs and spans
	TaskID string
}

// RunResult is the normalized outcome of one agent run
type RunResult struct {
	ExitCode        int
	Duration        time.Duration
	TurnsReported   *int
	TurnsComputed   *int
	CostUSD         *float64
	CostEstimated   bool
	InputTokens     *int
	OutputTokens    *int
	TokensEstimated bool
	SessionID       string
	ErrorType       ErrorType
}

// Stats converts the result into the figures persisted on a task
func (r *RunResult) Stats() types.Stats {
	secs := r.Duration.Seconds()
	return types.Stats{
		DurationSeconds:  &secs,
		NumTurnsReported: r.TurnsReported,
		NumTurnsComputed: r.TurnsComputed,
		CostUSD:          r.CostUSD,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
	}
}

// EventKind distinguishes progress events
type EventKind int

const (
	EventTurn EventKind = iota
	EventTool
	EventMessage
	EventTodo
	EventRaw
)

// Event is a progress notification parsed from the agent's output
type Event struct {
	Kind    EventKind
	Turn    int
	Tokens  int
	CostUSD float64
	Elapsed time.Duration
	Tool    string
	Detail  string
	Text    string
}

// Option configures a provider
type Option func(*base)

// WithBinary overrides the agent executable
func WithBinary(path string) Option {
	return func(b *base) { b.binary = path }
}

// WithHome overrides the home directory searched for credential directories
func WithHome(dir string) Option {
	return func(b *base) { b.home = dir }
}

// WithGetenv overrides environment lookups
func WithGetenv(fn func(string) string) Option {
	return func(b *base) { b.getenv = fn }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(b *base) { b.logger = l }
}

// WithMetrics records run figures
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// WithDockerBinary overrides the docker executable
func WithDockerBinary(path string) Option {
	return func(b *base) { b.dockerBinary = path }
}

// WithKeychainSync copies Claude OAuth credentials out of the macOS
// keychain before container runs
func WithKeychainSync(enabled bool) Option {
	return func(b *base) { b.keychainSync = enabled }
}

// base holds what every provider shares
type base struct {
	name         string
	binary       string
	home         string
	getenv       func(string) string
	logger       *zap.Logger
	metrics      *telemetry.Metrics
	dockerBinary string
	keychainSync bool
}

func newBase(name, binary string, opts []Option) base {
	home, _ := os.UserHomeDir()
	b := base{
		name:         name,
		binary:       binary,
		home:         home,
		getenv:       os.Getenv,
		logger:       zap.NewNop(),
		dockerBinary: "docker",
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With(zap.String("provider", name))
	return b
}

func (b *base) Name() string {
	return b.name
}

// hasDir reports whether $HOME/name is a directory
func (b *base) hasDir(name string) bool {
	if b.home == "" {
		return false
	}
	fi, err := os.Stat(filepath.Join(b.home, name))
	return err == nil && fi.IsDir()
}

func (b *base) anyEnv(names ...string) bool {
	for _, n := range names {
		if b.getenv(n) != "" {
			return true
		}
	}
	return false
}

// Registry maps provider names to implementations
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns a registry holding claude, codex and gemini built with opts
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Register(NewClaude(opts...))
	r.Register(NewCodex(opts...))
	r.Register(NewGemini(opts...))
	return r
}

// Register adds or replaces a provider
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownProvider, name, r.Names())
	}
	return p, nil
}

// Names lists registered providers in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
