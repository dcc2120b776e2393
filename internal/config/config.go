// Package config handles gza configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/pkg/types"
)

// ErrConfiguration wraps every load or validation failure
var ErrConfiguration = errors.New("configuration error")

// FileName is the project configuration file at the repository root
const FileName = "gza.toml"

const (
	DefaultMaxSteps     = 50
	DefaultTimeout      = 10 * time.Minute
	DefaultWorktreeDir  = "/tmp/gza-worktrees"
	DefaultProvider     = "claude"
	DefaultWorkers      = 1
	DefaultPollInterval = 2 * time.Second
	DefaultServeAddr    = "127.0.0.1:7420"

	// StateDir holds the database, logs, reports and backups
	StateDir = ".gza"
)

// KnownProviders are the agent CLIs gza can drive
var KnownProviders = []string{"claude", "codex", "gemini"}

// BranchMode selects how code tasks are given branches
type BranchMode string

const (
	// BranchModeMulti gives every task its own branch
	BranchModeMulti BranchMode = "multi"
	// BranchModeSingle reuses one <project>/gza-work branch, recreated per task
	BranchModeSingle BranchMode = "single"
)

// TaskTypeConfig overrides settings for one task type
type TaskTypeConfig struct {
	Model    string `toml:"model"`
	MaxSteps *int   `toml:"max_steps"`
}

// ProviderConfig scopes settings to one provider
type ProviderConfig struct {
	Model     string                    `toml:"model"`
	TaskTypes map[string]TaskTypeConfig `toml:"task_types"`
}

// WebhookConfig is an endpoint notified of task events. An empty Events
// list subscribes to every event.
type WebhookConfig struct {
	URL     string            `toml:"url"`
	Secret  string            `toml:"secret"`
	Events  []string          `toml:"events"`
	Headers map[string]string `toml:"headers"`
}

// ClaudeConfig holds Claude-specific settings
type ClaudeConfig struct {
	FetchAuthTokenFromKeychain bool     `toml:"fetch_auth_token_from_keychain"`
	Args                       []string `toml:"args"`
}

// Config holds gza configuration
type Config struct {
	ProjectName string `toml:"project_name"`
	LogDir      string `toml:"log_dir"`

	// Execution
	Provider     string        `toml:"provider"`
	Model        string        `toml:"model"`
	MaxSteps     int           `toml:"max_steps"`
	Timeout      time.Duration `toml:"timeout"`
	Workers      int           `toml:"workers"`
	PollInterval time.Duration `toml:"poll_interval"`
	VerifyCreds  bool          `toml:"verify_credentials"`

	// Docker
	UseDocker          bool     `toml:"use_docker"`
	DockerImage        string   `toml:"docker_image"`
	DockerVolumes      []string `toml:"docker_volumes"`
	DockerSetupCommand string   `toml:"docker_setup_command"`

	// Git
	BranchMode     BranchMode     `toml:"branch_mode"`
	BranchStrategy BranchStrategy `toml:"branch_strategy"`
	WorktreeDir    string         `toml:"worktree_dir"`

	Claude    ClaudeConfig              `toml:"claude"`
	TaskTypes map[string]TaskTypeConfig `toml:"task_types"`
	Providers map[string]ProviderConfig `toml:"providers"`

	Webhooks []WebhookConfig `toml:"webhooks"`

	// Logging and the status server
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	ServeAddr string `toml:"serve_addr"`

	// ProjectDir is the repository root the config was loaded from
	ProjectDir string `toml:"-"`
	// Warnings lists keys in the file that gza does not know
	Warnings []string `toml:"-"`
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig(projectDir string) *Config {
	return &Config{
		ProjectDir:     projectDir,
		LogDir:         filepath.Join(StateDir, "logs"),
		Provider:       DefaultProvider,
		MaxSteps:       DefaultMaxSteps,
		Timeout:        DefaultTimeout,
		Workers:        DefaultWorkers,
		PollInterval:   DefaultPollInterval,
		VerifyCreds:    true,
		UseDocker:      true,
		BranchMode:     BranchModeMulti,
		BranchStrategy: Presets["monorepo"],
		WorktreeDir:    DefaultWorktreeDir,
		Claude: ClaudeConfig{
			Args: []string{"--allowedTools", "Read", "Write", "Edit", "Glob", "Grep", "Bash"},
		},
		LogLevel:  "info",
		LogFormat: "console",
		ServeAddr: DefaultServeAddr,
	}
}

// Path returns the configuration file path for projectDir
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// Load reads gza.toml from projectDir, applies GZA_* environment overrides
// and validates the result
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig(projectDir)

	md, err := toml.DecodeFile(Path(projectDir), cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found; run 'gza init' to create one", ErrConfiguration, Path(projectDir))
		}
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfiguration, FileName, err)
	}
	for _, key := range md.Undecoded() {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown configuration key %q", key.String()))
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if cfg.DockerImage == "" {
		cfg.DockerImage = cfg.ProjectName + "-gza"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GZA_* environment variables
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("GZA_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := getenv("GZA_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("GZA_BRANCH_MODE"); v != "" {
		c.BranchMode = BranchMode(v)
	}
	if v := getenv("GZA_WORKTREE_DIR"); v != "" {
		c.WorktreeDir = v
	}
	if v := getenv("GZA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("GZA_TIMEOUT"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%w: GZA_TIMEOUT: %v", ErrConfiguration, err)
		}
		c.Timeout = d
	}
	for name, dst := range map[string]*int{"GZA_WORKERS": &c.Workers, "GZA_MAX_STEPS": &c.MaxSteps} {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrConfiguration, name, err)
			}
			*dst = n
		}
	}
	if v := getenv("GZA_USE_DOCKER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: GZA_USE_DOCKER: %v", ErrConfiguration, err)
		}
		c.UseDocker = b
	}
	return nil
}

// parseTimeout accepts a Go duration or a bare number of minutes
func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the configuration for values gza cannot run with
func (c *Config) Validate() error {
	var problems []string
	if c.ProjectName == "" {
		problems = append(problems, "project_name is required")
	}
	if !isKnownProvider(c.Provider) {
		problems = append(problems, fmt.Sprintf("unknown provider %q (valid: %s)", c.Provider, strings.Join(KnownProviders, ", ")))
	}
	if c.BranchMode != BranchModeMulti && c.BranchMode != BranchModeSingle {
		problems = append(problems, fmt.Sprintf("branch_mode must be %q or %q, got %q", BranchModeMulti, BranchModeSingle, c.BranchMode))
	}
	if c.MaxSteps < 1 {
		problems = append(problems, "max_steps must be at least 1")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.Workers < 1 || c.Workers > 20 {
		problems = append(problems, "workers must be between 1 and 20")
	}
	if err := c.BranchStrategy.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	for i, wh := range c.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			problems = append(problems, fmt.Sprintf("webhooks[%d]: url must be http or https, got %q", i, wh.URL))
		}
	}

	for name, tt := range c.TaskTypes {
		problems = append(problems, checkTaskType("task_types."+name, name, tt, c.Provider)...)
	}
	for name, pc := range c.Providers {
		if !isKnownProvider(name) {
			problems = append(problems, fmt.Sprintf("providers.%s: unknown provider", name))
			continue
		}
		if !modelFitsProvider(name, pc.Model) {
			problems = append(problems, mismatch("providers."+name+".model", name, pc.Model))
		}
		for tname, tt := range pc.TaskTypes {
			problems = append(problems, checkTaskType("providers."+name+".task_types."+tname, tname, tt, name)...)
		}
	}
	if !modelFitsProvider(c.Provider, c.Model) {
		problems = append(problems, mismatch("model", c.Provider, c.Model))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n- %s", ErrConfiguration, strings.Join(problems, "\n- "))
	}
	return nil
}

func checkTaskType(path, name string, tt TaskTypeConfig, provider string) []string {
	var problems []string
	if _, err := types.ParseTaskType(name); err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", path, err))
	}
	if tt.MaxSteps != nil && *tt.MaxSteps < 1 {
		problems = append(problems, path+".max_steps must be at least 1")
	}
	if !modelFitsProvider(provider, tt.Model) {
		problems = append(problems, mismatch(path+".model", provider, tt.Model))
	}
	return problems
}

func mismatch(path, provider, model string) string {
	return fmt.Sprintf("%s %q appears incompatible with provider %q", path, model, provider)
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

// modelFamily guesses which provider a model name belongs to, or "" if unclear
func modelFamily(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return ""
	case strings.HasPrefix(m, "claude"):
		return "claude"
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	case strings.Contains(m, "codex"), strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "codex"
	}
	return ""
}

func modelFitsProvider(provider, model string) bool {
	f := modelFamily(model)
	return f == "" || f == provider
}

// ModelFor resolves the model for a task type under provider:
// providers.<p>.task_types.<t>, providers.<p>, task_types.<t>, then the global model
func (c *Config) ModelFor(t types.TaskType, provider string) string {
	if pc, ok := c.Providers[provider]; ok {
		if tt, ok := pc.TaskTypes[string(t)]; ok && tt.Model != "" {
			return tt.Model
		}
		if pc.Model != "" {
			return pc.Model
		}
	}
	if tt, ok := c.TaskTypes[string(t)]; ok && tt.Model != "" {
		return tt.Model
	}
	return c.Model
}

// MaxStepsFor resolves the step budget with the same precedence as ModelFor
func (c *Config) MaxStepsFor(t types.TaskType, provider string) int {
	if pc, ok := c.Providers[provider]; ok {
		if tt, ok := pc.TaskTypes[string(t)]; ok && tt.MaxSteps != nil {
			return *tt.MaxSteps
		}
	}
	if tt, ok := c.TaskTypes[string(t)]; ok && tt.MaxSteps != nil {
		return *tt.MaxSteps
	}
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return DefaultMaxSteps
}

// Effective is the provider, model and budget a task runs with
type Effective struct {
	Provider string
	Model    string
	MaxSteps int
}

// EffectiveFor applies a task's own provider and model overrides on top of
// the configured precedence chain
func (c *Config) EffectiveFor(t *types.Task) Effective {
	e := Effective{Provider: c.Provider}
	if t.Provider != nil && *t.Provider != "" {
		e.Provider = *t.Provider
	}
	if t.Model != nil && *t.Model != "" {
		e.Model = *t.Model
	} else {
		e.Model = c.ModelFor(t.Type, e.Provider)
	}
	e.MaxSteps = c.MaxStepsFor(t.Type, e.Provider)
	return e
}

// DockerOptions returns the container settings, or nil when docker is off
func (c *Config) DockerOptions() *provider.DockerOptions {
	if !c.UseDocker {
		return nil
	}
	return &provider.DockerOptions{
		Image:        c.DockerImage,
		ProjectDir:   c.ProjectDir,
		Volumes:      c.DockerVolumes,
		SetupCommand: c.DockerSetupCommand,
	}
}

// ProviderArgs returns the extra CLI arguments configured for a provider
func (c *Config) ProviderArgs(name string) []string {
	if name == "claude" {
		return c.Claude.Args
	}
	return nil
}

// StatePath joins elem onto the project's .gza directory
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.ProjectDir, StateDir}, elem...)...)
}

// DBPath is the task database
func (c *Config) DBPath() string { return c.StatePath("gza.db") }

// BackupDir holds hourly database backups
func (c *Config) BackupDir() string { return c.StatePath("backups") }

// LogPath is the directory of per-attempt provider logs
func (c *Config) LogPath() string {
	if filepath.IsAbs(c.LogDir) {
		return c.LogDir
	}
	return filepath.Join(c.ProjectDir, c.LogDir)
}

// WorktreePath is the directory holding this project's worktrees
func (c *Config) WorktreePath() string {
	return filepath.Join(c.WorktreeDir, c.ProjectName)
}

// SingleBranch is the shared branch used in single branch mode
func (c *Config) SingleBranch() string {
	return c.ProjectName + "/gza-work"
}
