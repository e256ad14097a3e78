package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/usewisp/wisp/pkg/telemetry"
)

// MonitorConfig bounds deployment polling and self-healing.
type MonitorConfig struct {
	// Polls is the number of state lookups per wait.
	Polls int

	// Interval is the fixed sleep between lookups.
	Interval time.Duration

	// MaxFixAttempts bounds the commit-and-repoll cycles.
	MaxFixAttempts int

	// FixSettleDelay is the wait after a fix commit for the platform to start
	// a new deployment.
	FixSettleDelay time.Duration
}

// HealTarget identifies the deployment being watched and where fixes go.
type HealTarget struct {
	ApplyTarget
	HostingProjectID string

	// Progress receives human-readable notes as the loop advances.
	Progress func(message string)
}

func (t HealTarget) progress(format string, args ...interface{}) {
	if t.Progress != nil {
		t.Progress(fmt.Sprintf(format, args...))
	}
}

// DeploymentMonitor waits for deployments and repairs failed builds with
// generated fixes.
type DeploymentMonitor struct {
	hosting Hosting
	applier *ChangeApplier
	config  MonitorConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDeploymentMonitor creates a monitor.
func NewDeploymentMonitor(hosting Hosting, applier *ChangeApplier, config MonitorConfig) *DeploymentMonitor {
	if config.Polls < 1 {
		config.Polls = 1
	}
	if config.MaxFixAttempts < 0 {
		config.MaxFixAttempts = 0
	}
	return &DeploymentMonitor{
		hosting: hosting,
		applier: applier,
		config:  config,
		sleep:   sleepContext,
	}
}

// WaitForDeployment polls the latest deployment until it reaches a final
// state or the poll budget is spent. READY is success, ERROR carries the build
// logs, CANCELED and DELETED fail without logs, and every other state (or a
// failed lookup) is still in progress. Only context cancellation is returned
// as an error.
func (m *DeploymentMonitor) WaitForDeployment(ctx context.Context, hostingProjectID string) (DeploymentCheck, error) {
	log := telemetry.FromContext(ctx)

	var lastState DeploymentState
	var lastErr error
	for poll := 1; poll <= m.config.Polls; poll++ {
		var status *DeploymentStatus
		err := callProvider(ctx, SystemHosting, "latest_deployment", func(ctx context.Context) error {
			var err error
			status, err = m.hosting.LatestDeployment(ctx, hostingProjectID)
			return err
		})

		switch {
		case err != nil:
			lastErr = err
			log.WithError(err).Debugf("deployment lookup failed (poll %d/%d)", poll, m.config.Polls)
		case status.State == DeploymentStateReady:
			return DeploymentCheck{Success: true, State: status.State, Polls: poll}, nil
		case status.State == DeploymentStateError:
			return DeploymentCheck{
				State: status.State,
				Error: "deployment failed",
				Logs:  status.Logs,
				Polls: poll,
			}, nil
		case status.State == DeploymentStateCanceled || status.State == DeploymentStateDeleted:
			return DeploymentCheck{
				State: status.State,
				Error: fmt.Sprintf("deployment %s", statusWord(status.State)),
				Polls: poll,
			}, nil
		default:
			lastState, lastErr = status.State, nil
			log.Debugf("deployment in state %s (poll %d/%d)", status.State, poll, m.config.Polls)
		}

		if poll == m.config.Polls {
			break
		}
		if err := m.sleep(ctx, m.config.Interval); err != nil {
			return DeploymentCheck{}, err
		}
	}

	check := DeploymentCheck{
		State: lastState,
		Error: fmt.Sprintf("deployment not ready after %d polls", m.config.Polls),
		Polls: m.config.Polls,
	}
	if lastState != "" {
		check.Error += fmt.Sprintf(" (last state %s)", lastState)
	}
	if lastErr != nil {
		check.Error += ": " + lastErr.Error()
	}
	return check, nil
}

func statusWord(s DeploymentState) string {
	switch s {
	case DeploymentStateCanceled:
		return "canceled"
	case DeploymentStateDeleted:
		return "deleted"
	default:
		return string(s)
	}
}

// Heal waits for the deployment and, while it fails with build logs, commits
// generated fixes and waits again. At most MaxFixAttempts fixes are committed;
// the deployment triggered by the last one is still observed. A generator
// that returns nothing usable ends the loop without spending an attempt.
func (m *DeploymentMonitor) Heal(ctx context.Context, target HealTarget) (*HealResult, error) {
	log := telemetry.FromContext(ctx)

	fixes := 0
	for {
		check, err := m.WaitForDeployment(ctx, target.HostingProjectID)
		if err != nil {
			return nil, err
		}

		if check.Success {
			return m.finish(ctx, &HealResult{Outcome: HealOutcomeSuccess, FixAttempts: fixes, Last: check}), nil
		}
		if !check.Remediable() {
			return m.finish(ctx, &HealResult{Outcome: HealOutcomeNotRemediable, FixAttempts: fixes, Last: check}), nil
		}
		if fixes >= m.config.MaxFixAttempts {
			return m.finish(ctx, &HealResult{Outcome: HealOutcomeExhausted, FixAttempts: fixes, Last: check}), nil
		}

		attempt := fixes + 1
		target.progress("Deployment failed, generating fix (attempt %d/%d)", attempt, m.config.MaxFixAttempts)
		log.Warnf("deployment failed, generating fix %d/%d", attempt, m.config.MaxFixAttempts)

		result, err := m.applier.Apply(ctx, target.ApplyTarget, PurposeFix, check.Logs, func(changes []FileChange) string {
			return FixCommitMessage(DeploymentErrorText(check), changes)
		})
		if err != nil {
			if IsValidation(err) {
				return m.finish(ctx, &HealResult{
					Outcome:     HealOutcomeUnrecoverable,
					FixAttempts: fixes,
					Last:        check,
					Cause:       err,
				}), nil
			}
			return nil, err
		}
		if !result.Committed {
			return m.finish(ctx, &HealResult{Outcome: HealOutcomeUnrecoverable, FixAttempts: fixes, Last: check}), nil
		}

		fixes = attempt
		added, removed := TotalLines(result.Stats)
		log.WithFields(map[string]interface{}{
			"attempt": attempt,
			"files":   len(result.Changes),
			"added":   added,
			"removed": removed,
		}).Info("fix committed")
		for _, s := range result.Stats {
			log.Debugf("fix change %s", s)
		}
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			paths := (&ChangeSet{Changes: result.Changes}).Paths()
			_ = tel.Events.PublishFixCommitted(target.ProjectID, attempt, paths, added, removed)
		}
		target.progress("Fix %d/%d committed, waiting for redeploy", attempt, m.config.MaxFixAttempts)

		if err := m.sleep(ctx, m.config.FixSettleDelay); err != nil {
			return nil, err
		}
	}
}

func (m *DeploymentMonitor) finish(ctx context.Context, result *HealResult) *HealResult {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordFixOutcome(string(result.Outcome))
	}
	return result
}
