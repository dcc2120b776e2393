// Package importer loads batches of tasks from YAML files into the task
// store. Entries can reference each other by key, so a plan, its
// implementation and a review can be queued in one file.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/pkg/types"
)

// ErrInvalidFile wraps every problem found while parsing or validating a file
var ErrInvalidFile = errors.New("invalid task file")

// Ref points at another task: a key defined earlier in the same file or
// the numeric id of a task already in the store
type Ref struct {
	Key string
	ID  int64
}

// UnmarshalYAML accepts either an integer id or a key string
func (r *Ref) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: reference must be a key or a task id", node.Line)
	}
	if node.Tag == "!!int" {
		id, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil || id < 1 {
			return fmt.Errorf("line %d: invalid task id %q", node.Line, node.Value)
		}
		r.ID = id
		return nil
	}
	r.Key = node.Value
	return nil
}

func (r Ref) String() string {
	if r.Key != "" {
		return r.Key
	}
	return "#" + strconv.FormatInt(r.ID, 10)
}

// Entry is one task in a file
type Entry struct {
	Key    string `yaml:"key"`
	Prompt string `yaml:"prompt"`
	// Description is the older name of Prompt
	Description   string `yaml:"description"`
	Type          string `yaml:"type"`
	Status        string `yaml:"status"`
	DependsOn     *Ref   `yaml:"depends_on"`
	BasedOn       *Ref   `yaml:"based_on"`
	Group         string `yaml:"group"`
	Spec          string `yaml:"spec"`
	TypeHint      string `yaml:"type_hint"`
	CreateReview  *bool  `yaml:"create_review"`
	SameBranch    bool   `yaml:"same_branch"`
	SkipLearnings bool   `yaml:"skip_learnings"`
	Model         string `yaml:"model"`
	Provider      string `yaml:"provider"`

	line int
}

// File is a parsed task file. The top-level group, spec and create_review
// apply to every entry that does not set its own.
type File struct {
	Group        string  `yaml:"group"`
	Spec         string  `yaml:"spec"`
	CreateReview bool    `yaml:"create_review"`
	Tasks        []Entry `yaml:"tasks"`
}

// Parse decodes a task file. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file is empty", ErrInvalidFile)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	recordLines(&root, &f)
	return &f, nil
}

// ParseFile reads and decodes the task file at path
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening task file: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// recordLines remembers where each entry starts for error messages
func recordLines(root *yaml.Node, f *File) {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return
	}
	doc := root.Content[0]
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "tasks" {
			continue
		}
		for j, item := range doc.Content[i+1].Content {
			if j < len(f.Tasks) {
				f.Tasks[j].line = item.Line
			}
		}
	}
}

// Options control an import
type Options struct {
	// ProjectDir resolves relative spec paths; empty skips the existence check
	ProjectDir string
	// Group overrides the group of every entry
	Group string
	// DryRun validates and plans without writing
	DryRun bool
}

// Planned is one task an import creates, or would create on a dry run
type Planned struct {
	Key  string
	Task db.NewTask
	// DependsOnKey and BasedOnKey name in-file references resolved at insert
	DependsOnKey string
	BasedOnKey   string
}

// Result reports what an import did
type Result struct {
	Planned []Planned
	Created []*types.Task
	// Skipped counts entries whose status was not pending
	Skipped int
}

// Import validates every entry, then adds them in file order. Nothing is
// written when any entry is invalid.
func Import(ctx context.Context, store *db.Store, f *File, opts Options) (*Result, error) {
	plan, skipped, err := validate(ctx, store, f, opts)
	if err != nil {
		return nil, err
	}
	res := &Result{Planned: plan, Skipped: skipped}
	if opts.DryRun {
		return res, nil
	}

	ids := make(map[string]int64, len(plan))
	for _, p := range plan {
		nt := p.Task
		if p.DependsOnKey != "" {
			id := ids[p.DependsOnKey]
			nt.DependsOn = &id
		}
		if p.BasedOnKey != "" {
			id := ids[p.BasedOnKey]
			nt.BasedOn = &id
		}
		task, err := store.Add(ctx, nt)
		if err != nil {
			return res, fmt.Errorf("adding %q: %w", label(p), err)
		}
		if p.Key != "" {
			ids[p.Key] = task.ID
		}
		res.Created = append(res.Created, task)
	}
	return res, nil
}

func label(p Planned) string {
	if p.Key != "" {
		return p.Key
	}
	return p.Task.Prompt
}

// validate checks the whole file before anything is inserted
func validate(ctx context.Context, store *db.Store, f *File, opts Options) ([]Planned, int, error) {
	if len(f.Tasks) == 0 {
		return nil, 0, fmt.Errorf("%w: no tasks", ErrInvalidFile)
	}

	var (
		errs    []error
		plan    []Planned
		skipped int
		keys    = make(map[string]bool)
	)
	for i := range f.Tasks {
		e := &f.Tasks[i]
		where := fmt.Sprintf("task %d (line %d)", i+1, e.line)
		if e.Status != "" && e.Status != string(types.TaskStatusPending) {
			skipped++
			continue
		}

		p, err := planEntry(ctx, store, f, e, keys, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
			continue
		}
		if e.Key != "" {
			if keys[e.Key] {
				errs = append(errs, fmt.Errorf("%s: duplicate key %q", where, e.Key))
				continue
			}
			keys[e.Key] = true
		}
		plan = append(plan, p)
	}
	if len(errs) > 0 {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidFile, errors.Join(errs...))
	}
	return plan, skipped, nil
}

func planEntry(ctx context.Context, store *db.Store, f *File, e *Entry, keys map[string]bool, opts Options) (Planned, error) {
	prompt := e.Prompt
	if prompt == "" {
		prompt = e.Description
	}
	if err := db.ValidatePrompt(prompt); err != nil {
		return Planned{}, err
	}

	taskType := types.TaskTypeTask
	if e.Type != "" {
		tt, err := types.ParseTaskType(e.Type)
		if err != nil {
			return Planned{}, err
		}
		taskType = tt
	}

	p := Planned{
		Key: e.Key,
		Task: db.NewTask{
			Prompt:        prompt,
			Type:          taskType,
			SameBranch:    e.SameBranch,
			SkipLearnings: e.SkipLearnings,
			CreateReview:  f.CreateReview,
			Group:         firstNonEmpty(opts.Group, e.Group, f.Group),
			Spec:          firstNonEmpty(e.Spec, f.Spec),
			TypeHint:      firstNonEmpty(e.TypeHint),
			Model:         firstNonEmpty(e.Model),
			Provider:      firstNonEmpty(e.Provider),
		},
	}
	if e.CreateReview != nil {
		p.Task.CreateReview = *e.CreateReview
	}

	var err error
	if p.Task.DependsOn, p.DependsOnKey, err = resolve(ctx, store, e.DependsOn, keys); err != nil {
		return Planned{}, fmt.Errorf("depends_on: %w", err)
	}
	if p.Task.BasedOn, p.BasedOnKey, err = resolve(ctx, store, e.BasedOn, keys); err != nil {
		return Planned{}, fmt.Errorf("based_on: %w", err)
	}
	if p.Task.SameBranch && e.DependsOn == nil && e.BasedOn == nil {
		return Planned{}, errors.New("same_branch needs depends_on or based_on")
	}

	if p.Task.Spec != nil && opts.ProjectDir != "" {
		path := *p.Task.Spec
		if !filepath.IsAbs(path) {
			path = filepath.Join(opts.ProjectDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return Planned{}, fmt.Errorf("spec file %s: %w", *p.Task.Spec, err)
		}
	}
	return p, nil
}

// resolve turns a reference into a store id, or an in-file key resolved
// once the referenced entry is inserted
func resolve(ctx context.Context, store *db.Store, ref *Ref, keys map[string]bool) (*int64, string, error) {
	if ref == nil {
		return nil, "", nil
	}
	if ref.Key != "" {
		if !keys[ref.Key] {
			return nil, "", fmt.Errorf("unknown key %q (references must point to earlier entries)", ref.Key)
		}
		return nil, ref.Key, nil
	}
	if _, err := store.Get(ctx, ref.ID); err != nil {
		return nil, "", err
	}
	id := ref.ID
	return &id, "", nil
}

func firstNonEmpty(vals ...string) *string {
	for _, v := range vals {
		if v != "" {
			return &v
		}
	}
	return nil
}
