package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BranchStrategy names code task branches. Pattern variables: {project},
// {task_id}, {date}, {slug} and {type}.
type BranchStrategy struct {
	Pattern     string `toml:"pattern"`
	DefaultType string `toml:"default_type"`
}

// Presets are the named strategies accepted as `branch_strategy = "<name>"`
var Presets = map[string]BranchStrategy{
	"monorepo":     {Pattern: "{project}/{task_id}", DefaultType: "feature"},
	"conventional": {Pattern: "{type}/{slug}", DefaultType: "feature"},
	"simple":       {Pattern: "{slug}", DefaultType: "feature"},
	"date_slug":    {Pattern: "{date}-{slug}", DefaultType: "feature"},
}

// UnmarshalTOML accepts either a preset name or a table with a pattern
func (b *BranchStrategy) UnmarshalTOML(v any) error {
	switch data := v.(type) {
	case string:
		preset, ok := Presets[data]
		if !ok {
			names := make([]string, 0, len(Presets))
			for n := range Presets {
				names = append(names, n)
			}
			sort.Strings(names)
			return fmt.Errorf("unknown branch_strategy preset %q (valid: %s)", data, strings.Join(names, ", "))
		}
		*b = preset
	case map[string]any:
		pattern, ok := data["pattern"].(string)
		if !ok || pattern == "" {
			return fmt.Errorf("branch_strategy table must have a 'pattern' key")
		}
		b.Pattern = pattern
		b.DefaultType = "feature"
		if dt, ok := data["default_type"].(string); ok && dt != "" {
			b.DefaultType = dt
		}
	default:
		return fmt.Errorf("branch_strategy must be a preset name or a table, got %T", v)
	}
	return nil
}

// Validate rejects patterns that cannot produce a valid git ref
func (b BranchStrategy) Validate() error {
	p := b.Pattern
	for _, c := range []string{" ", "~", "^", ":", "?", "*", "[", "\\"} {
		if strings.Contains(p, c) {
			return fmt.Errorf("branch_strategy pattern contains invalid character %q", c)
		}
	}
	switch {
	case p == "":
		return fmt.Errorf("branch_strategy pattern is empty")
	case strings.Contains(p, ".."):
		return fmt.Errorf("branch_strategy pattern cannot contain '..'")
	case strings.Contains(p, "//"):
		return fmt.Errorf("branch_strategy pattern cannot contain '//'")
	case strings.HasPrefix(p, "."), strings.HasPrefix(p, "/"):
		return fmt.Errorf("branch_strategy pattern cannot start with %q", p[:1])
	case strings.HasSuffix(p, "/"):
		return fmt.Errorf("branch_strategy pattern cannot end with '/'")
	case strings.HasSuffix(p, ".lock"):
		return fmt.Errorf("branch_strategy pattern cannot end with '.lock'")
	}
	return nil
}

// typeKeywords maps leading prompt words to conventional branch types
var typeKeywords = map[string]string{
	"fix": "fix", "bug": "fix", "bugfix": "fix", "hotfix": "fix",
	"add": "feature", "implement": "feature", "feature": "feature", "create": "feature",
	"refactor": "refactor", "cleanup": "refactor",
	"doc": "docs", "docs": "docs", "document": "docs",
	"test": "test", "tests": "test",
	"chore": "chore", "bump": "chore", "update": "chore",
	"perf": "perf", "optimize": "perf",
}

// inferType picks a branch type from the prompt's first word
func (b BranchStrategy) inferType(prompt string) string {
	fields := strings.Fields(strings.ToLower(prompt))
	if len(fields) > 0 {
		if t, ok := typeKeywords[strings.Trim(fields[0], ":,.")]; ok {
			return t
		}
	}
	if b.DefaultType != "" {
		return b.DefaultType
	}
	return "feature"
}

// BranchName expands the pattern for a task. taskID is `YYYYMMDD-slug`;
// typeHint, when set, overrides the type inferred from the prompt.
func (b BranchStrategy) BranchName(project, taskID, prompt, typeHint string) string {
	date, slug, ok := strings.Cut(taskID, "-")
	if !ok || len(date) != 8 {
		date, slug = time.Now().Format("20060102"), taskID
	}
	typ := typeHint
	if typ == "" {
		typ = b.inferType(prompt)
	}
	return strings.NewReplacer(
		"{project}", project,
		"{task_id}", taskID,
		"{date}", date,
		"{slug}", slug,
		"{type}", typ,
	).Replace(b.Pattern)
}

// BranchName names the branch for a task in multi branch mode
func (c *Config) BranchName(taskID, prompt, typeHint string) string {
	return c.BranchStrategy.BranchName(c.ProjectName, taskID, prompt, typeHint)
}
