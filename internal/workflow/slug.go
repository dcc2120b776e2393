package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/prompt"
)

// maxSlugLength bounds the prompt-derived part of a task slug
const maxSlugLength = 50

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	retrySuffix  = regexp.MustCompile(`-\d+$`)
)

// Slugify lowercases text and joins its alphanumeric runs with hyphens,
// cutting at a hyphen boundary when longer than n
func Slugify(text string, n int) string {
	slug := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(text), "-"), "-")
	if len(slug) > n {
		slug = slug[:n]
		if i := strings.LastIndexByte(slug, '-'); i > 0 {
			slug = slug[:i]
		}
	}
	return slug
}

// slugTaken reports whether a slug is already used by a log file, a branch
// or another task
type slugTaken func(ctx context.Context, slug string) (bool, error)

// generateTaskID returns `YYYYMMDD-slug`, appending -2, -3, ... until the
// candidate is free
func generateTaskID(ctx context.Context, prompt string, now time.Time, taken slugTaken) (string, error) {
	base := now.Format("20060102") + "-" + Slugify(prompt, maxSlugLength)
	candidate := base
	for n := 2; ; n++ {
		used, err := taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// slugInUse checks the places a slug leaves traces: the log directory, the
// branch the strategy would create and the task table
func (r *Runner) slugInUse(ctx context.Context, slug string) (bool, error) {
	if _, err := os.Stat(filepath.Join(r.cfg.LogPath(), slug+".log")); err == nil {
		return true, nil
	}
	if r.wm.Repo().BranchExists(ctx, r.cfg.ProjectName+"/"+slug) {
		return true, nil
	}
	_, err := r.store.GetByTaskID(ctx, slug)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, db.ErrTaskNotFound):
		return false, nil
	}
	return false, err
}

// ReviewPrompt derives the prompt of an automatically created review:
// "review <slug>" with the date prefix and any retry suffix removed, or the
// long form when the slug is unusable
func ReviewPrompt(taskID string, implID int64, implPrompt string) string {
	if _, slug, ok := strings.Cut(taskID, "-"); ok {
		slug = retrySuffix.ReplaceAllString(slug, "")
		if p := "review " + slug; slug != "" && len(p) >= db.MinPromptLength {
			return p
		}
	}
	return prompt.ReviewTaskPrompt(implID, implPrompt)
}
