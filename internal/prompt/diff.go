package prompt

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/gza/internal/git"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
)

// Review diff size thresholds, in changed lines
const (
	smallDiffLines   = 500
	mediumDiffLines  = 2000
	excerptFileLimit = 12
	excerptContext   = 8
)

// DiffTier is how much of an implementation diff a review prompt carries
type DiffTier int

const (
	// TierFull inlines the whole diff
	TierFull DiffTier = iota + 1
	// TierSummarized prefixes the whole diff with a --stat summary
	TierSummarized
	// TierExcerpted inlines wider-context diffs of the first files only
	TierExcerpted
)

func (t DiffTier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierSummarized:
		return "summarized"
	case TierExcerpted:
		return "excerpted"
	}
	return "unknown"
}

// TierFor picks the tier for a diff of totalLines changed lines
func TierFor(totalLines int) DiffTier {
	switch {
	case totalLines < smallDiffLines:
		return TierFull
	case totalLines < mediumDiffLines:
		return TierSummarized
	default:
		return TierExcerpted
	}
}

// BuildReviewDiffContext renders the diff between baseRef and branch for a
// review prompt, sized by TierFor
func (a *Assembler) BuildReviewDiffContext(ctx context.Context, baseRef, branch string) (_ string, err error) {
	revRange := baseRef + "..." + branch
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanReviewDiff, attribute.String(telemetry.KeyBranch, branch))
	defer func() { telemetry.EndWithError(span, err, telemetry.ErrorCategoryGit) }()

	numstat, err := a.git.DiffNumstat(ctx, revRange)
	if err != nil {
		return "", fmt.Errorf("reading numstat for %s: %w", revRange, err)
	}
	stats := git.ParseDiffNumstat(numstat)
	files := git.ChangedFiles(numstat)
	total := stats.TotalLines()
	tier := TierFor(total)

	span.SetAttributes(attribute.Int(telemetry.KeyDiffLines, total), attribute.String(telemetry.KeyDiffTier, tier.String()))
	if a.metrics != nil {
		a.metrics.ReviewDiffs.WithLabelValues(tier.String()).Inc()
	}

	var b strings.Builder
	b.WriteString("## Implementation Diff Context\n\n")
	fmt.Fprintf(&b, "Implementation branch: %s\n", branch)
	fmt.Fprintf(&b, "Revision range: %s\n", revRange)
	fmt.Fprintf(&b, "Files changed: %d, lines added: %d, lines removed: %d\n",
		stats.FilesChanged, stats.LinesAdded, stats.LinesRemoved)
	if len(files) > 0 {
		b.WriteString("\nChanged files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if tier != TierFull {
		stat, err := a.git.DiffStat(ctx, revRange)
		if err != nil {
			return "", fmt.Errorf("reading diff stat for %s: %w", revRange, err)
		}
		if stat != "" {
			fmt.Fprintf(&b, "\nDiff summary:\n%s\n", stat)
		}
	}

	switch tier {
	case TierFull, TierSummarized:
		diff, err := a.git.Diff(ctx, revRange)
		if err != nil {
			return "", fmt.Errorf("reading diff for %s: %w", revRange, err)
		}
		if diff != "" {
			fmt.Fprintf(&b, "\nFull diff:\n%s\n", diff)
		}

	case TierExcerpted:
		selected := files
		if len(selected) > excerptFileLimit {
			selected = selected[:excerptFileLimit]
		}
		if len(selected) > 0 {
			excerpt, err := a.git.DiffFiles(ctx, revRange, excerptContext, selected)
			if err != nil {
				return "", fmt.Errorf("reading diff excerpts for %s: %w", revRange, err)
			}
			if excerpt != "" {
				fmt.Fprintf(&b, "\nTargeted diff excerpts (first %d changed files; total changed lines: %d):\n%s\n",
					len(selected), total, excerpt)
			}
		}
		if omitted := len(files) - len(selected); omitted > 0 {
			fmt.Fprintf(&b, "\nAdditional changed files not expanded inline: %d\n", omitted)
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}
