package engine

import (
	"context"
	"time"

	"github.com/usewisp/wisp/pkg/telemetry"
)

// ApplyTarget identifies the repository a change set is committed to.
type ApplyTarget struct {
	ProjectID   string
	ProjectName string
	RepoURL     string
	Branch      string
}

// ApplyResult describes one generate-review-commit round.
type ApplyResult struct {
	// Committed is false when nothing survived generation and review.
	Committed bool

	Changes []FileChange
	Denied  []Violation
	Stats   []FileDiffStat
}

// ChangeApplier asks the code generator for a change set and commits what the
// change guard allows as one commit.
type ChangeApplier struct {
	vcs       VCS
	generator CodeGenerator
	guard     ChangeGuard

	rateLimitAttempts int
	rateLimitWait     time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
}

// NewChangeApplier creates an applier. A nil guard allows every change.
// rateLimitAttempts bounds how many RATE_LIMITED answers are waited out per
// generation; rateLimitWait is used when the answer carries no retry-after.
func NewChangeApplier(vcs VCS, generator CodeGenerator, guard ChangeGuard, rateLimitAttempts int, rateLimitWait time.Duration) *ChangeApplier {
	if guard == nil {
		guard = AllowAll{}
	}
	return &ChangeApplier{
		vcs:               vcs,
		generator:         generator,
		guard:             guard,
		rateLimitAttempts: rateLimitAttempts,
		rateLimitWait:     rateLimitWait,
		sleep:             sleepContext,
	}
}

// Generate calls the generator, waiting out rate limits.
func (a *ChangeApplier) Generate(ctx context.Context, req GenerationRequest) (*ChangeSet, error) {
	log := telemetry.FromContext(ctx)
	for waited := 0; ; waited++ {
		var cs *ChangeSet
		err := callProvider(ctx, SystemCodegen, "generate_"+string(req.Purpose), func(ctx context.Context) error {
			var err error
			cs, err = a.generator.GenerateChanges(ctx, req)
			return err
		})
		if err == nil {
			return cs, nil
		}
		if !IsRateLimited(err) || waited >= a.rateLimitAttempts {
			return nil, err
		}

		wait, ok := RetryAfter(err)
		if !ok {
			wait = a.rateLimitWait
		}
		log.WithField("wait", wait.String()).Warnf("code generator rate limited (%d/%d)", waited+1, a.rateLimitAttempts)
		if err := a.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Apply fetches the repository, generates a change set for instruction,
// reviews it and commits the allowed changes with message(allowed).
func (a *ChangeApplier) Apply(
	ctx context.Context,
	target ApplyTarget,
	purpose GenerationPurpose,
	instruction string,
	message func(changes []FileChange) string,
) (*ApplyResult, error) {
	var content *RepositoryContent
	err := callProvider(ctx, SystemVCS, "fetch_content", func(ctx context.Context) error {
		var err error
		content, err = a.vcs.FetchContent(ctx, target.RepoURL)
		return err
	})
	if err != nil {
		return nil, wrapExternal(SystemVCS, "failed to fetch repository content", err).
			WithOperation("fetch_content").
			WithResource(target.RepoURL)
	}

	cs, err := a.Generate(ctx, GenerationRequest{
		Purpose:     purpose,
		ProjectName: target.ProjectName,
		Instruction: instruction,
		Repository:  content,
	})
	if err != nil {
		return nil, wrapExternal(SystemCodegen, "code generation failed", err).
			WithOperation("generate_changes")
	}
	if cs.Empty() {
		return &ApplyResult{}, nil
	}
	if err := ValidateChangeSet(cs); err != nil {
		return nil, err
	}

	review, err := a.guard.Review(ctx, ChangeReview{
		ProjectID:   target.ProjectID,
		ProjectName: target.ProjectName,
		Purpose:     purpose,
		Changes:     cs.Changes,
	})
	if err != nil {
		return nil, NewPermanentError("change review failed", err).
			WithCode(ErrCodeInternal).
			WithOperation("review_changes")
	}
	a.reportReview(ctx, target.ProjectID, review)

	result := &ApplyResult{Changes: review.Allowed, Denied: review.Denied}
	if len(review.Allowed) == 0 {
		return result, nil
	}

	result.Stats = SummarizeChanges(content.FileContents(), review.Allowed)
	allowed := &ChangeSet{Changes: review.Allowed}
	err = callProvider(ctx, SystemVCS, "commit_files", func(ctx context.Context) error {
		return a.vcs.CommitFiles(ctx, target.RepoURL, target.Branch, allowed.Files(), message(review.Allowed))
	})
	if err != nil {
		return nil, wrapExternal(SystemVCS, "failed to commit changes", err).
			WithOperation("commit_files").
			WithResource(target.RepoURL).
			WithDetail("files", allowed.Paths())
	}
	result.Committed = true
	return result, nil
}

func (a *ChangeApplier) reportReview(ctx context.Context, projectID string, review *ReviewResult) {
	log := telemetry.FromContext(ctx)
	tel := telemetry.FromTelemetryContext(ctx)
	for _, v := range review.Denied {
		log.WithFields(map[string]interface{}{
			"path":   v.Path,
			"policy": v.Policy,
		}).Warnf("generated change denied: %s", v.Message)
		if tel != nil {
			tel.Metrics.RecordPolicyDenial(v.Policy)
			_ = tel.Events.PublishPolicyViolation(projectID, v.Path, v.Policy, v.Message)
		}
	}
	for _, v := range review.Warnings {
		log.WithField("path", v.Path).Infof("generated change warning: %s", v.Message)
	}
}

// callProvider runs fn as an instrumented external call.
func callProvider(ctx context.Context, system, operation string, fn func(ctx context.Context) error) error {
	return telemetry.RecordProviderOperation(ctx, system, operation, fn)
}

// wrapExternal adds message to the chain of err. Taxonomy errors keep their
// class and code; anything else becomes an external service failure of system.
func wrapExternal(system, message string, err error) *EngineError {
	if inner, ok := AsEngineError(err); ok {
		return newError(inner.Class, inner.Code, message, err).
			WithDetail("system", system)
	}
	return NewExternalServiceError(system, message, err)
}
