package prompt

import (
	"os"
	"regexp"
	"strings"

	"github.com/cloud-shuttle/gza/pkg/types"
)

var (
	failureMarkerRe = regexp.MustCompile(`\[GZA_FAILURE:(\w+)\]`)
	verdictRe       = regexp.MustCompile(`(?i)\*{0,2}Verdict:\s*(APPROVED|CHANGES_REQUESTED|NEEDS_DISCUSSION)\*{0,2}`)
)

// Verdict is the outcome a review reports
type Verdict string

const (
	VerdictApproved         Verdict = "APPROVED"
	VerdictChangesRequested Verdict = "CHANGES_REQUESTED"
	VerdictNeedsDiscussion  Verdict = "NEEDS_DISCUSSION"
)

// FailureReasonFrom returns the last recognised failure marker in content,
// or UNKNOWN when there is none. Unrecognised reasons are skipped.
func FailureReasonFrom(content string) types.FailureReason {
	reason := types.FailureUnknown
	for _, m := range failureMarkerRe.FindAllStringSubmatch(content, -1) {
		if r, ok := types.ParseFailureReason(m[1]); ok {
			reason = r
		}
	}
	return reason
}

// FailureReasonFromLog scans a log file for failure markers
func FailureReasonFromLog(path string) types.FailureReason {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.FailureUnknown
	}
	return FailureReasonFrom(string(b))
}

// ReviewVerdict extracts the first verdict line of a review, or "" if none
func ReviewVerdict(content string) Verdict {
	m := verdictRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return Verdict(strings.ToUpper(m[1]))
}
