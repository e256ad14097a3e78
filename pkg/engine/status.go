package engine

import (
	"encoding/json"
	"fmt"
)

// ProjectStatus represents the persisted position of a project in its lifecycle.
type ProjectStatus string

const (
	// ProjectStatusCreating indicates provisioning stages are running.
	ProjectStatusCreating ProjectStatus = "creating"

	// ProjectStatusDeploying indicates resources exist and the deployment is being verified.
	ProjectStatusDeploying ProjectStatus = "deploying"

	// ProjectStatusDeployed indicates the deployment is live on its custom domain.
	ProjectStatusDeployed ProjectStatus = "deployed"

	// ProjectStatusFailed indicates a stage failed or verification exhausted its budget.
	ProjectStatusFailed ProjectStatus = "failed"

	// ProjectStatusDeleted indicates teardown has started or completed.
	ProjectStatusDeleted ProjectStatus = "deleted"
)

// projectTransitions lists the statuses reachable from each status.
// Active statuses may be rewritten onto themselves, which is how progress
// messages are recorded. deleted may be rewritten onto itself so a teardown
// can record partial failures; nothing leaves it.
var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusCreating:  {ProjectStatusCreating, ProjectStatusDeploying, ProjectStatusFailed, ProjectStatusDeleted},
	ProjectStatusDeploying: {ProjectStatusDeploying, ProjectStatusDeployed, ProjectStatusFailed},
	ProjectStatusDeployed:  {ProjectStatusDeleted},
	ProjectStatusFailed:    {ProjectStatusDeleted},
	ProjectStatusDeleted:   {ProjectStatusDeleted},
}

// IsTerminal returns true if no pipeline stage may write after this status.
func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusFailed || s == ProjectStatusDeleted
}

// IsActive returns true if a provisioning pipeline owns the project.
func (s ProjectStatus) IsActive() bool {
	return s == ProjectStatusCreating || s == ProjectStatusDeploying
}

// CanTransitionTo reports whether the state machine allows writing next after s.
func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	for _, allowed := range projectTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the project status is valid.
func (s ProjectStatus) Validate() error {
	switch s {
	case ProjectStatusCreating, ProjectStatusDeploying, ProjectStatusDeployed,
		ProjectStatusFailed, ProjectStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid project status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ProjectStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ProjectStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ProjectStatus(str)
	return s.Validate()
}

// DeploymentState is the hosting platform's state for the latest deployment.
type DeploymentState string

const (
	DeploymentStateReady         DeploymentState = "READY"
	DeploymentStateError         DeploymentState = "ERROR"
	DeploymentStateCanceled      DeploymentState = "CANCELED"
	DeploymentStateDeleted       DeploymentState = "DELETED"
	DeploymentStateNoDeployments DeploymentState = "NO_DEPLOYMENTS"
	DeploymentStateBuilding      DeploymentState = "BUILDING"
	DeploymentStateQueued        DeploymentState = "QUEUED"
	DeploymentStateInitializing  DeploymentState = "INITIALIZING"
)

// IsFinal returns true if re-polling cannot change the outcome.
func (s DeploymentState) IsFinal() bool {
	return s == DeploymentStateReady || s == DeploymentStateError ||
		s == DeploymentStateCanceled || s == DeploymentStateDeleted
}

// HealOutcome is the terminal outcome of the self-healing loop.
type HealOutcome string

const (
	// HealOutcomeSuccess means some poll observed READY.
	HealOutcomeSuccess HealOutcome = "success"

	// HealOutcomeExhausted means the fix budget ran out without READY.
	HealOutcomeExhausted HealOutcome = "exhausted"

	// HealOutcomeUnrecoverable means the generator produced no changes.
	HealOutcomeUnrecoverable HealOutcome = "unrecoverable"

	// HealOutcomeNotRemediable means the failure carried nothing to fix from
	// (canceled, deleted, timed out, or no build logs).
	HealOutcomeNotRemediable HealOutcome = "not_remediable"
)

// Stage names a step of the provisioning pipeline.
type Stage string

const (
	StageResolveName   Stage = "resolve_name"
	StageCreateRecord  Stage = "create_record"
	StageCreateRepo    Stage = "create_repository"
	StageHosting       Stage = "create_hosting_project"
	StageBindDomain    Stage = "bind_domain"
	StageDNS           Stage = "create_dns_record"
	StageFeatureCommit Stage = "feature_commit"
	StageVerifyDomain  Stage = "verify_domain"
	StageMonitor       Stage = "monitor_deployment"
	StageScreenshot    Stage = "screenshot"
	StageTeardown      Stage = "teardown"
)
