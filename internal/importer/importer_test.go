package importer_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/importer"
	"github.com/cloud-shuttle/gza/pkg/types"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "gza.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func parse(t *testing.T, body string) *importer.File {
	t.Helper()
	f, err := importer.Parse(strings.NewReader(body))
	require.NoError(t, err)
	return f
}

const chain = `
group: parser
create_review: true
tasks:
  - key: plan
    type: plan
    prompt: Plan the parser feature flag
    create_review: false
  - key: impl
    type: implement
    prompt: Implement the parser feature flag
    depends_on: plan
    based_on: plan
    type_hint: feature
  - description: Document the parser feature flag
    depends_on: impl
    same_branch: true
    group: docs
  - description: Already finished legacy task
    status: completed
`

func TestImport_Chain(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	res, err := importer.Import(ctx, store, parse(t, chain), importer.Options{})
	require.NoError(t, err)
	require.Len(t, res.Created, 3)
	assert.Equal(t, 1, res.Skipped)

	plan, impl, docs := res.Created[0], res.Created[1], res.Created[2]
	assert.Equal(t, types.TaskTypePlan, plan.Type)
	assert.False(t, plan.CreateReview, "entries override the file default")
	assert.Equal(t, "parser", *plan.Group)

	assert.Equal(t, types.TaskTypeImplement, impl.Type)
	assert.Equal(t, plan.ID, *impl.DependsOn)
	assert.Equal(t, plan.ID, *impl.BasedOn)
	assert.Equal(t, "feature", *impl.TypeHint)
	assert.True(t, impl.CreateReview)

	assert.Equal(t, "Document the parser feature flag", docs.Prompt)
	assert.Equal(t, types.TaskTypeTask, docs.Type)
	assert.Equal(t, impl.ID, *docs.DependsOn)
	assert.True(t, docs.SameBranch)
	assert.Equal(t, "docs", *docs.Group)

	blocked, dep, _, err := store.IsBlocked(ctx, docs)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, impl.ID, *dep)
}

func TestImport_ExistingIDAndGroupOverride(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	existing, err := store.Add(ctx, db.NewTask{Prompt: "Existing implementation task", Type: types.TaskTypeImplement})
	require.NoError(t, err)

	f := parse(t, `
tasks:
  - type: review
    prompt: Review the existing implementation
    depends_on: 1
`)
	res, err := importer.Import(ctx, store, f, importer.Options{Group: "sprint-3"})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, existing.ID, *res.Created[0].DependsOn)
	assert.Equal(t, "sprint-3", *res.Created[0].Group)
}

func TestImport_DryRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	res, err := importer.Import(ctx, store, parse(t, chain), importer.Options{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, res.Planned, 3)
	assert.Empty(t, res.Created)
	assert.Equal(t, "plan", res.Planned[1].DependsOnKey)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestImport_ValidationIsAllOrNothing(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	f := parse(t, `
tasks:
  - key: a
    prompt: A perfectly valid first task
  - prompt: short
  - prompt: Refers to a later entry
    depends_on: b
  - key: b
    type: bogus
    prompt: Has an unknown task type
  - key: a
    prompt: Reuses the key of the first task
  - prompt: Same branch without any source
    same_branch: true
  - prompt: Points at a missing task
    depends_on: 42
`)
	_, err := importer.Import(ctx, store, f, importer.Options{})
	require.ErrorIs(t, err, importer.ErrInvalidFile)
	msg := err.Error()
	assert.Contains(t, msg, "task 2 (line 5)")
	assert.ErrorIs(t, err, db.ErrInvalidPrompt)
	assert.Contains(t, msg, `unknown key "b"`)
	assert.Contains(t, msg, `duplicate key "a"`)
	assert.Contains(t, msg, "same_branch needs depends_on or based_on")
	assert.ErrorIs(t, err, db.ErrTaskNotFound)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "nothing is written when any entry is invalid")
}

func TestImport_SpecMustExist(t *testing.T) {
	store := openStore(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "parser.md"), []byte("# Parser\n"), 0o644))

	f := parse(t, `
spec: docs/parser.md
tasks:
  - prompt: Implement the parser from its spec
  - prompt: Implement the lexer from its spec
    spec: docs/lexer.md
`)
	_, err := importer.Import(context.Background(), store, f, importer.Options{ProjectDir: dir})
	require.ErrorIs(t, err, importer.ErrInvalidFile)
	assert.Contains(t, err.Error(), "docs/lexer.md")
	assert.NotContains(t, err.Error(), "task 1")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", "tasks: [\n"},
		{"unknown field", "tasks:\n  - prompt: A valid prompt here\n    priority: 3\n"},
		{"reference list", "tasks:\n  - prompt: A valid prompt here\n    depends_on: [1, 2]\n"},
		{"negative id", "tasks:\n  - prompt: A valid prompt here\n    depends_on: -4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := importer.Parse(strings.NewReader(tt.body))
			assert.ErrorIs(t, err, importer.ErrInvalidFile)
		})
	}
}

func TestImport_NoTasks(t *testing.T) {
	_, err := importer.Import(context.Background(), openStore(t), parse(t, "group: empty\n"), importer.Options{})
	assert.ErrorIs(t, err, importer.ErrInvalidFile)
}
