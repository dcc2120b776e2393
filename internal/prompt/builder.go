package prompt

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// ReviewGuidelinesFile is the optional project file whose content is added
// to every review prompt
const ReviewGuidelinesFile = "REVIEW.md"

// markerReasons are the reasons an agent may report with a failure marker
var markerReasons = []types.FailureReason{
	types.FailureTestFailure, types.FailureMaxSteps, types.FailureMaxTurns,
	types.FailureTimeout, types.FailureNoChanges, types.FailureUnknown,
}

// Paths are the artifact locations as the agent sees them. Explore, plan and
// review tasks write Report; code tasks write Summary.
type Paths struct {
	Report  string
	Summary string
}

type promptData struct {
	Prompt      string
	SpecPath    string
	Spec        string
	Context     string
	Guidelines  string
	ReportPath  string
	SummaryPath string
	Reasons     string
}

// Build assembles the full prompt for task
func (a *Assembler) Build(ctx context.Context, task *types.Task, paths Paths) (_ string, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanPromptBuild, telemetry.TaskAttrs(task)...)
	defer func() { telemetry.EndWithError(span, err, telemetry.ErrorCategoryDatabase) }()

	reasons := make([]string, len(markerReasons))
	for i, r := range markerReasons {
		reasons[i] = string(r)
	}
	data := promptData{
		Prompt:      task.Prompt,
		ReportPath:  paths.Report,
		SummaryPath: paths.Summary,
		Reasons:     strings.Join(reasons, ", "),
	}

	if spec := a.readSpec(task.Spec); spec != "" {
		data.SpecPath, data.Spec = *task.Spec, spec
	}
	if task.BasedOn != nil || task.Type == types.TaskTypeImplement || task.Type == types.TaskTypeReview {
		if data.Context, err = a.BuildChainContext(ctx, task); err != nil {
			return "", fmt.Errorf("building context for task %d: %w", task.ID, err)
		}
	}
	if task.Type == types.TaskTypeReview {
		if b, err := os.ReadFile(filepath.Join(a.projectDir, ReviewGuidelinesFile)); err == nil {
			data.Guidelines = string(b)
		}
	}

	base, err := render("base.tmpl", data)
	if err != nil {
		return "", err
	}

	var instructions string
	switch task.Type {
	case types.TaskTypeExplore, types.TaskTypePlan, types.TaskTypeReview:
		if paths.Report != "" {
			instructions, err = render(string(task.Type)+".tmpl", data)
		}
	case types.TaskTypeTask, types.TaskTypeImplement, types.TaskTypeImprove:
		instructions, err = render("code.tmpl", data)
	}
	if err != nil {
		return "", err
	}

	out := strings.TrimRight(base, "\n")
	if instructions != "" {
		out += "\n\n" + strings.TrimSpace(instructions)
	}
	return out, nil
}

// ResumePrompt asks a resumed agent to reconcile its todo list with the
// worktree before continuing
func ResumePrompt() string {
	s, err := render("resume.tmpl", nil)
	if err != nil {
		panic(fmt.Sprintf("resume prompt template: %v", err))
	}
	return strings.TrimSpace(s)
}

// ReviewTaskPrompt is the prompt of a review created for implementation implID
func ReviewTaskPrompt(implID int64, implPrompt string) string {
	p := fmt.Sprintf("Review the implementation from task #%d", implID)
	if implPrompt != "" {
		p += ": " + truncate(implPrompt, 100)
	}
	return p + ". The diff shows what changed, but you should use Read/Glob/Grep tools" +
		" to understand the surrounding context of each changed file." +
		" Read the full content of modified files to understand how changes fit" +
		" into the broader codebase."
}

// ImproveTaskPrompt is the prompt of an improve task addressing reviewID
func ImproveTaskPrompt(reviewID int64) string {
	return fmt.Sprintf("Improve implementation based on review #%d", reviewID)
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}
