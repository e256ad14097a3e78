package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Change set bounds accepted from the code generator.
const (
	MaxChangesPerSet     = 20
	MinChangeDescription = 10
	MaxChangeDescription = 200
)

// Bounds of the build log excerpt embedded in a fix commit.
const (
	CommitLogLines    = 15
	CommitLogBytes    = 2048
	commitHeadlineMax = 200
)

var changePathPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_/.]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("changepath", func(fl validator.FieldLevel) bool {
		return changePathPattern.MatchString(fl.Field().String())
	})
	return v
}

// FileChange is a full-content replacement of one file.
type FileChange struct {
	Path        string `json:"path" validate:"required,changepath"`
	Content     string `json:"content" validate:"required"`
	Description string `json:"description" validate:"min=10,max=200"`
}

// ChangeSet is the code generator's answer: a bounded list of file changes.
type ChangeSet struct {
	Changes []FileChange `json:"changes" validate:"min=1,max=20,dive"`
}

// Empty reports whether the set carries no changes.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Changes) == 0
}

// Paths returns the changed paths in order.
func (cs *ChangeSet) Paths() []string {
	if cs == nil {
		return nil
	}
	paths := make([]string, len(cs.Changes))
	for i, c := range cs.Changes {
		paths[i] = c.Path
	}
	return paths
}

// Files converts the set to commit input.
func (cs *ChangeSet) Files() []RepoFile {
	files := make([]RepoFile, len(cs.Changes))
	for i, c := range cs.Changes {
		files[i] = RepoFile{Path: c.Path, Content: c.Content}
	}
	return files
}

// ValidateChangeSet checks a generated change set against the accepted shape.
// An empty set is valid here; callers decide what emptiness means.
func ValidateChangeSet(cs *ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	if err := validate.Struct(cs); err != nil {
		return NewValidationError("generated change set is malformed", err).
			WithOperation("validate_change_set").
			WithDetail("changes", len(cs.Changes))
	}
	seen := make(map[string]struct{}, len(cs.Changes))
	for _, c := range cs.Changes {
		if _, dup := seen[c.Path]; dup {
			return NewValidationError("generated change set touches a path twice", nil).
				WithOperation("validate_change_set").
				WithResource(c.Path)
		}
		seen[c.Path] = struct{}{}
	}
	return nil
}

// Validate checks the request shape.
func (r *CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return NewValidationError("invalid create request", err).
			WithOperation("accept")
	}
	if NormalizeName(r.Name) == "" {
		return NewValidationError("name has no usable characters", nil).
			WithOperation("accept").
			WithDetail("name", r.Name)
	}
	return nil
}

// FixCommitMessage renders the audit trail of one self-healing attempt.
func FixCommitMessage(deploymentError string, changes []FileChange) string {
	var b strings.Builder
	b.WriteString("fix: deployment error\n\n")
	b.WriteString(deploymentError)
	b.WriteString("\n\n")
	writeDescriptions(&b, changes)
	return b.String()
}

// DeploymentErrorText condenses a failed deployment into the text a fix
// commit embeds: the first build log line reporting an error (or the check's
// own error) followed by a short tail of the log.
func DeploymentErrorText(check DeploymentCheck) string {
	headline := check.Error
	if line := firstErrorLine(check.Logs); line != "" {
		headline = line
	}
	headline = truncateHead(headline, commitHeadlineMax)

	excerpt := logExcerpt(check.Logs)
	if excerpt == "" || excerpt == headline {
		return headline
	}
	return headline + "\n\n" + excerpt
}

func firstErrorLine(logs string) string {
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "error") {
			return line
		}
	}
	return ""
}

// logExcerpt keeps the last CommitLogLines lines of logs, at most
// CommitLogBytes of them.
func logExcerpt(logs string) string {
	lines := strings.Split(strings.TrimRight(logs, " \t\r\n"), "\n")
	truncated := false
	if len(lines) > CommitLogLines {
		lines = lines[len(lines)-CommitLogLines:]
		truncated = true
	}
	excerpt := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(excerpt) > CommitLogBytes {
		start := len(excerpt) - CommitLogBytes
		for start < len(excerpt) && !utf8.RuneStart(excerpt[start]) {
			start++
		}
		excerpt = excerpt[start:]
		if i := strings.IndexByte(excerpt, '\n'); i >= 0 && i < len(excerpt)-1 {
			excerpt = excerpt[i+1:]
		}
		truncated = true
	}
	if truncated && excerpt != "" {
		return "[...]\n" + excerpt
	}
	return excerpt
}

// truncateHead cuts s to at most n bytes on a rune boundary.
func truncateHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// FeatureCommitMessage renders the message of the initial feature commit.
func FeatureCommitMessage(description string, changes []FileChange) string {
	var b strings.Builder
	b.WriteString("feat: ")
	b.WriteString(description)
	b.WriteString("\n\n")
	writeDescriptions(&b, changes)
	return b.String()
}

func writeDescriptions(b *strings.Builder, changes []FileChange) {
	for i, c := range changes {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(c.Description)
	}
}

// ChangeReview is the input of a ChangeGuard.
type ChangeReview struct {
	ProjectID   string
	ProjectName string
	Purpose     GenerationPurpose
	Changes     []FileChange
}

// Violation is one policy finding against a change.
type Violation struct {
	Path     string `json:"path"`
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ReviewResult splits a change set into what may be committed and what may not.
type ReviewResult struct {
	Allowed  []FileChange
	Denied   []Violation
	Warnings []Violation
}

// AllowAll is a ChangeGuard that accepts every change.
type AllowAll struct{}

// Review returns every change as allowed.
func (AllowAll) Review(_ context.Context, review ChangeReview) (*ReviewResult, error) {
	return &ReviewResult{Allowed: review.Changes}, nil
}

// FileDiffStat is the line-level size of one change.
type FileDiffStat struct {
	Path    string
	Created bool
	Added   int
	Removed int
}

func (s FileDiffStat) String() string {
	if s.Created {
		return fmt.Sprintf("%s (new, +%d)", s.Path, s.Added)
	}
	return fmt.Sprintf("%s (+%d -%d)", s.Path, s.Added, s.Removed)
}

// SummarizeChanges diffs each change against the current file contents.
func SummarizeChanges(current map[string]string, changes []FileChange) []FileDiffStat {
	dmp := diffmatchpatch.New()
	stats := make([]FileDiffStat, 0, len(changes))
	for _, c := range changes {
		before, exists := current[c.Path]
		stat := FileDiffStat{Path: c.Path, Created: !exists}

		a, b, lines := dmp.DiffLinesToChars(before, c.Content)
		diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				stat.Added += countLines(d.Text)
			case diffmatchpatch.DiffDelete:
				stat.Removed += countLines(d.Text)
			}
		}
		stats = append(stats, stat)
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats
}

// TotalLines sums added and removed lines over stats.
func TotalLines(stats []FileDiffStat) (added, removed int) {
	for _, s := range stats {
		added += s.Added
		removed += s.Removed
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
