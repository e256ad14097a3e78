package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usewisp/wisp/pkg/telemetry"
)

// RetryPolicy is the retry budget of one provisioning stage.
type RetryPolicy struct {
	Attempts     int           `yaml:"attempts" validate:"min=1"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// PipelineConfig holds every constant of the provisioning pipeline.
type PipelineConfig struct {
	TemplateOwner string `yaml:"template_owner" validate:"required"`
	TemplateRepo  string `yaml:"template_repo" validate:"required"`
	Branch        string `yaml:"branch" validate:"required"`

	// RepoOwner is the account new repositories are created under.
	RepoOwner string `yaml:"repo_owner" validate:"required"`

	// DomainSuffix is appended to the project name to form the custom domain.
	DomainSuffix string `yaml:"domain_suffix" validate:"required,hostname"`

	StageRetry          RetryPolicy   `yaml:"stage_retry"`
	TemplateSettleDelay time.Duration `yaml:"template_settle_delay"`

	DomainAttempts int           `yaml:"domain_attempts" validate:"min=1"`
	DomainInterval time.Duration `yaml:"domain_interval"`

	DeploymentPolls    int           `yaml:"deployment_polls" validate:"min=1"`
	DeploymentInterval time.Duration `yaml:"deployment_interval"`
	MaxFixAttempts     int           `yaml:"max_fix_attempts" validate:"min=0"`
	FixSettleDelay     time.Duration `yaml:"fix_settle_delay"`

	RateLimitAttempts int           `yaml:"rate_limit_attempts" validate:"min=0"`
	RateLimitWait     time.Duration `yaml:"rate_limit_wait"`

	// NameAttempts bounds how often a lost insert race re-resolves the name.
	NameAttempts int `yaml:"name_attempts" validate:"min=1"`

	LeaseKeyPrefix string `yaml:"lease_key_prefix"`
}

// DefaultPipelineConfig returns the production constants.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TemplateOwner:       "productstudioinc",
		TemplateRepo:        "vite_react_shadcn_pwa",
		Branch:              "main",
		RepoOwner:           "productstudioinc",
		DomainSuffix:        "usewisp.app",
		StageRetry:          RetryPolicy{Attempts: 3, InitialDelay: time.Second},
		TemplateSettleDelay: 3 * time.Second,
		DomainAttempts:      10,
		DomainInterval:      2 * time.Second,
		DeploymentPolls:     20,
		DeploymentInterval:  5 * time.Second,
		MaxFixAttempts:      3,
		FixSettleDelay:      5 * time.Second,
		RateLimitAttempts:   3,
		RateLimitWait:       20 * time.Second,
		NameAttempts:        3,
		LeaseKeyPrefix:      "wisp:lease:project:",
	}
}

// Dependencies are the capabilities the orchestrator drives. Generator,
// Screenshotter, Guard and Locker are optional.
type Dependencies struct {
	Store         Store
	VCS           VCS
	Hosting       Hosting
	DNS           DNS
	Generator     CodeGenerator
	Screenshotter Screenshotter
	Guard         ChangeGuard
	Locker        Locker
	Telemetry     *telemetry.Telemetry
}

// Orchestrator is the single entry point of provisioning and teardown.
type Orchestrator struct {
	store         Store
	vcs           VCS
	hosting       Hosting
	dns           DNS
	generator     CodeGenerator
	screenshotter Screenshotter
	locker        Locker
	tel           *telemetry.Telemetry
	log           *telemetry.Logger
	config        PipelineConfig

	resolver   *NameResolver
	applier    *ChangeApplier
	poller     *DomainPoller
	monitor    *DeploymentMonitor
	teardown   *Teardown
	supervisor *Supervisor

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewOrchestrator wires the pipeline components.
func NewOrchestrator(deps Dependencies, config PipelineConfig) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, NewValidationError("orchestrator requires a store", nil)
	case deps.VCS == nil:
		return nil, NewValidationError("orchestrator requires a version-control capability", nil)
	case deps.Hosting == nil:
		return nil, NewValidationError("orchestrator requires a hosting capability", nil)
	case deps.DNS == nil:
		return nil, NewValidationError("orchestrator requires a DNS capability", nil)
	}
	if err := validate.Struct(config); err != nil {
		return nil, NewValidationError("invalid pipeline configuration", err)
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}

	applier := NewChangeApplier(deps.VCS, deps.Generator, deps.Guard, config.RateLimitAttempts, config.RateLimitWait)
	o := &Orchestrator{
		store:         deps.Store,
		vcs:           deps.VCS,
		hosting:       deps.Hosting,
		dns:           deps.DNS,
		generator:     deps.Generator,
		screenshotter: deps.Screenshotter,
		locker:        locker,
		tel:           tel,
		log:           tel.Logger.NewComponentLogger("orchestrator"),
		config:        config,
		resolver:      NewNameResolver(deps.Store),
		applier:       applier,
		poller:        NewDomainPoller(deps.Hosting, config.DomainAttempts, config.DomainInterval),
		monitor: NewDeploymentMonitor(deps.Hosting, applier, MonitorConfig{
			Polls:          config.DeploymentPolls,
			Interval:       config.DeploymentInterval,
			MaxFixAttempts: config.MaxFixAttempts,
			FixSettleDelay: config.FixSettleDelay,
		}),
		teardown: NewTeardown(deps.Store, deps.VCS, deps.Hosting, deps.DNS, locker, config.RepoOwner, config.LeaseKeyPrefix),
		sleep:    sleepContext,
		now:      time.Now,
	}
	o.supervisor = NewSupervisor(o.context(context.Background()), tel.Logger.Zerolog())
	return o, nil
}

// setSleep replaces every wait of the pipeline.
func (o *Orchestrator) setSleep(fn func(ctx context.Context, d time.Duration) error) {
	o.sleep = fn
	o.applier.sleep = fn
	o.poller.sleep = fn
	o.monitor.sleep = fn
}

func (o *Orchestrator) context(ctx context.Context) context.Context {
	return o.log.WithContext(o.tel.WithContext(ctx))
}

// Config returns the pipeline configuration.
func (o *Orchestrator) Config() PipelineConfig {
	return o.config
}

// Accept validates req, resolves a free name, persists the project in status
// creating and starts the pipeline in the background. The returned project is
// the persisted record.
func (o *Orchestrator) Accept(ctx context.Context, req CreateRequest) (*Project, error) {
	ctx = o.context(ctx)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.store.GetUser(ctx, req.UserID); err != nil {
		if IsNotFound(err) {
			return nil, NewUserNotFoundError(req.UserID).WithOperation("accept")
		}
		return nil, err
	}

	project, err := o.createRecord(ctx, req)
	if err != nil {
		return nil, err
	}
	accepted := *project

	if err := o.supervisor.Go(project.ID, func(ctx context.Context) error {
		return o.Provision(ctx, project, req)
	}); err != nil {
		o.markFailed(ctx, project.ID, err)
		return nil, err
	}

	o.log.WithProjectID(accepted.ID).WithField("name", accepted.Name).Info("provisioning accepted")
	return &accepted, nil
}

func (o *Orchestrator) createRecord(ctx context.Context, req CreateRequest) (*Project, error) {
	for attempt := 1; ; attempt++ {
		name, err := o.resolver.Resolve(ctx, req.Name)
		if err != nil {
			return nil, err
		}

		now := o.now().UTC()
		project := &Project{
			ID:            uuid.New().String(),
			Name:          name,
			DisplayName:   strings.TrimSpace(req.Name),
			Description:   req.Description,
			UserID:        req.UserID,
			Status:        ProjectStatusCreating,
			StatusMessage: "Project created",
			Private:       req.Private,
			CreatedAt:     now,
			LastUpdated:   now,
		}
		err = o.store.CreateProject(ctx, project)
		if err == nil {
			return project, nil
		}
		if !IsAlreadyExists(err) || attempt >= o.config.NameAttempts {
			return nil, err
		}
		o.log.WithField("name", name).Debugf("name taken concurrently, resolving again (%d/%d)", attempt, o.config.NameAttempts)
	}
}

// Provision runs the provisioning stages for an accepted project. Every
// failure is written to the project as status failed before it is returned.
func (o *Orchestrator) Provision(ctx context.Context, project *Project, req CreateRequest) (err error) {
	ctx = telemetry.WithPipelineContext(o.context(ctx), project.ID, project.Name)
	log := telemetry.FromContext(ctx)

	r := &run{o: o, project: project, req: req, status: project.Status}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(fmt.Sprintf("pipeline panicked: %v\n%s", rec, debug.Stack()))
			err = NewPanicError(rec).WithResource(project.ID)
		}
		if err != nil {
			o.markFailed(ctx, project.ID, err)
			if e, ok := AsEngineError(err); ok {
				o.tel.Metrics.RecordError(string(e.Class), e.Code)
			}
			r.status = ProjectStatusFailed
		}
		telemetry.EndPipelineContext(ctx, project.ID, string(r.status), err)
	}()

	lease, err := o.locker.Acquire(ctx, o.config.LeaseKeyPrefix+project.ID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.WithError(rerr).Warn("failed to release project lease")
		}
	}()

	// A teardown or reaper may have finished the project before the lease was taken.
	current, err := o.store.GetProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if !current.Status.IsActive() {
		return NewInvalidTransitionError(current.Status, ProjectStatusCreating).
			WithOperation("provision").
			WithResource(project.ID)
	}

	return r.execute(ctx)
}

// markFailed writes status failed with err's trace unless the project is
// already final, gone, or owned by another orchestrator.
func (o *Orchestrator) markFailed(ctx context.Context, projectID string, cause error) {
	if IsLeaseHeld(cause) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := telemetry.FromContext(ctx).WithProjectID(projectID)

	current, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		log.WithError(err).Warn("cannot record pipeline failure")
		return
	}
	if !current.Status.CanTransitionTo(ProjectStatusFailed) || current.Status == ProjectStatusFailed {
		log.WithError(cause).Warnf("pipeline failed after project reached %s", current.Status)
		return
	}

	message := cause.Error()
	if e, ok := AsEngineError(cause); ok {
		message = e.Message
	}
	if err := o.store.UpdateStatus(ctx, projectID, StatusUpdate{
		Status:  ProjectStatusFailed,
		Message: message,
		Error:   TraceOf(cause),
	}); err != nil {
		log.WithError(err).Error("failed to record pipeline failure")
		return
	}
	_ = o.tel.Events.PublishStatusChanged(projectID, string(ProjectStatusFailed), message)
	log.WithField("code", ErrorCode(cause)).Error("provisioning failed: " + message)
}

// Teardown deletes a project's resources and record on behalf of userID.
func (o *Orchestrator) Teardown(ctx context.Context, projectID, userID string) error {
	return o.teardown.Project(o.context(ctx), projectID, userID)
}

// ScheduleTeardown checks ownership synchronously and runs the teardown in
// the background.
func (o *Orchestrator) ScheduleTeardown(ctx context.Context, projectID, userID string) error {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if userID != "" && project.UserID != userID {
		return NewPermissionDeniedError(projectID, userID).WithOperation("teardown")
	}
	return o.supervisor.Go("teardown:"+projectID, func(ctx context.Context) error {
		return o.Teardown(ctx, projectID, userID)
	})
}

// DeleteUser tears down every project of the user, then the user.
func (o *Orchestrator) DeleteUser(ctx context.Context, userID string) error {
	return o.teardown.User(o.context(ctx), userID)
}

// ScheduleDeleteUser runs DeleteUser in the background.
func (o *Orchestrator) ScheduleDeleteUser(ctx context.Context, userID string) error {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return o.supervisor.Go("user:"+userID, func(ctx context.Context) error {
		return o.DeleteUser(ctx, userID)
	})
}

// Cleanup tears down base, base-2, ... for i in [from, to], batchSize at a time.
func (o *Orchestrator) Cleanup(ctx context.Context, base string, from, to, batchSize int) []CleanupResult {
	return o.teardown.Cleanup(o.context(ctx), CleanupNames(NormalizeName(base), from, to), batchSize)
}

// Project returns a project by id.
func (o *Orchestrator) Project(ctx context.Context, id string) (*Project, error) {
	return o.store.GetProject(ctx, id)
}

// Projects returns the projects of a user.
func (o *Orchestrator) Projects(ctx context.Context, userID string) ([]*Project, error) {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return o.store.ListProjectsByUser(ctx, userID)
}

// Active lists the keys of running background tasks.
func (o *Orchestrator) Active() []string {
	return o.supervisor.Active()
}

// Wait blocks until every background task has returned.
func (o *Orchestrator) Wait() {
	o.supervisor.Wait()
}

// Shutdown cancels background tasks and waits for them until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.supervisor.Shutdown(ctx)
}

// run is the state of one pipeline execution.
type run struct {
	o       *Orchestrator
	project *Project
	req     CreateRequest
	status  ProjectStatus
	repoURL string
}

func (r *run) execute(ctx context.Context) error {
	steps := []struct {
		stage Stage
		fn    func(ctx context.Context) error
	}{
		{StageCreateRepo, r.createRepository},
		{StageHosting, r.createHostingProject},
		{StageBindDomain, r.bindDomain},
		{StageDNS, r.createDNSRecord},
		{StageFeatureCommit, r.featureCommit},
		{StageVerifyDomain, r.verifyDomain},
		{StageMonitor, r.monitorDeployment},
	}
	for _, step := range steps {
		if err := r.stage(ctx, step.stage, step.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) stage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	ctx = telemetry.WithStageContext(ctx, r.project.ID, string(stage))
	err := fn(ctx)
	if e, ok := AsEngineError(err); ok && e.Operation == "" {
		e.WithOperation(string(stage))
	}
	telemetry.EndStageContext(ctx, r.project.ID, string(stage), err)
	return err
}

// setStatus writes a status and progress note. The store enforces the state
// machine, so a write after an external teardown fails and stops the run.
func (r *run) setStatus(ctx context.Context, update StatusUpdate) error {
	if err := r.o.store.UpdateStatus(ctx, r.project.ID, update); err != nil {
		return err
	}
	r.status = update.Status
	r.project.Status = update.Status
	r.project.StatusMessage = update.Message
	_ = r.o.tel.Events.PublishStatusChanged(r.project.ID, string(update.Status), update.Message)
	telemetry.FromContext(ctx).WithField("status", string(update.Status)).Info(update.Message)
	return nil
}

func (r *run) progress(ctx context.Context, message string) error {
	return r.setStatus(ctx, StatusUpdate{Status: r.status, Message: message})
}

func (r *run) retryOptions(ctx context.Context, stage Stage, label string) RetryOptions {
	policy := r.o.config.StageRetry
	return RetryOptions{
		MaxAttempts:  policy.Attempts,
		InitialDelay: policy.InitialDelay,
		MaxDelay:     policy.MaxDelay,
		ShouldRetry:  IsRetryable,
		OnAttemptFailure: func(attempt int, err error) {
			r.o.tel.Metrics.RecordRetryAttempt(string(stage))
			msg := fmt.Sprintf("%s attempt %d/%d failed: %s", label, attempt, policy.Attempts, err.Error())
			if perr := r.progress(ctx, msg); perr != nil {
				telemetry.FromContext(ctx).WithError(perr).Warn("failed to record retry progress")
			}
		},
		sleep: r.o.sleep,
	}
}

func (r *run) createRepository(ctx context.Context) error {
	cfg := r.o.config
	template := TemplateRef{Owner: cfg.TemplateOwner, Repo: cfg.TemplateRepo, Branch: cfg.Branch}

	attempts := 0
	url, err := Retry(ctx, r.retryOptions(ctx, StageCreateRepo, "Repository creation"), func(ctx context.Context) (string, error) {
		attempts++
		if attempts > 1 {
			// An earlier attempt may have created the repository before failing.
			exists, err := r.o.vcs.RepositoryExists(ctx, r.project.Name)
			if err != nil {
				return "", wrapExternal(SystemVCS, "failed to check repository", err)
			}
			if exists {
				return "", NewAlreadyExistsError("repository already exists", nil).
					WithResource(cfg.RepoOwner + "/" + r.project.Name)
			}
		}
		var url string
		err := callProvider(ctx, SystemVCS, "create_from_template", func(ctx context.Context) error {
			var err error
			url, err = r.o.vcs.CreateFromTemplate(ctx, template, r.project.Name, r.project.Private)
			return err
		})
		return url, err
	})
	if err != nil {
		return wrapExternal(SystemVCS, "failed to create repository from template", err).
			WithOperation(string(StageCreateRepo)).
			WithResource(r.project.Name).
			WithDetail("template", cfg.TemplateOwner+"/"+cfg.TemplateRepo)
	}
	r.repoURL = url

	if err := r.o.sleep(ctx, cfg.TemplateSettleDelay); err != nil {
		return err
	}
	return r.progress(ctx, "Repository created")
}

func (r *run) createHostingProject(ctx context.Context) error {
	cfg := r.o.config
	id, err := Retry(ctx, r.retryOptions(ctx, StageHosting, "Hosting project creation"), func(ctx context.Context) (string, error) {
		var id string
		err := callProvider(ctx, SystemHosting, "create_project", func(ctx context.Context) error {
			var err error
			id, err = r.o.hosting.CreateProject(ctx, r.project.Name, cfg.RepoOwner, r.project.Name)
			return err
		})
		return id, err
	})
	if err != nil {
		return wrapExternal(SystemHosting, "failed to create hosting project", err).
			WithOperation(string(StageHosting)).
			WithResource(r.project.Name)
	}

	if err := r.o.store.UpdateDetails(ctx, r.project.ID, DetailsUpdate{HostingProjectID: &id}); err != nil {
		return err
	}
	r.project.HostingProjectID = id
	return r.progress(ctx, "Hosting project created")
}

func (r *run) bindDomain(ctx context.Context) error {
	_, err := Retry(ctx, r.retryOptions(ctx, StageBindDomain, "Domain binding"), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, callProvider(ctx, SystemHosting, "bind_domain", func(ctx context.Context) error {
			return r.o.hosting.BindDomain(ctx, r.project.HostingProjectID, r.project.Name)
		})
	})
	if err != nil {
		return wrapExternal(SystemHosting, "failed to bind domain", err).
			WithOperation(string(StageBindDomain)).
			WithResource(r.project.HostingProjectID).
			WithDetail("domain_prefix", r.project.Name)
	}
	return nil
}

func (r *run) createDNSRecord(ctx context.Context) error {
	id, err := Retry(ctx, r.retryOptions(ctx, StageDNS, "DNS record creation"), func(ctx context.Context) (string, error) {
		var id string
		err := callProvider(ctx, SystemDNS, "create_record", func(ctx context.Context) error {
			var err error
			id, err = r.o.dns.CreateRecord(ctx, r.project.Name)
			return err
		})
		return id, err
	})
	if err != nil {
		return wrapExternal(SystemDNS, "failed to create DNS record", err).
			WithOperation(string(StageDNS)).
			WithResource(r.project.Name)
	}

	domain := r.project.Name + "." + r.o.config.DomainSuffix
	if err := r.o.store.UpdateDetails(ctx, r.project.ID, DetailsUpdate{
		DNSRecordID:  &id,
		CustomDomain: &domain,
	}); err != nil {
		return err
	}
	r.project.DNSRecordID = id
	r.project.CustomDomain = domain
	return r.progress(ctx, "Domain configured")
}

func (r *run) featureCommit(ctx context.Context) error {
	if r.o.generator == nil || r.req.SkipCodegen || strings.TrimSpace(r.req.Description) == "" {
		return r.progress(ctx, "Repository setup complete")
	}

	if err := r.progress(ctx, "Generating code changes"); err != nil {
		return err
	}
	result, err := r.o.applier.Apply(ctx, r.applyTarget(), PurposeFeature, r.req.Instruction(), func(changes []FileChange) string {
		return FeatureCommitMessage(r.req.Description, changes)
	})
	if err != nil {
		return err
	}
	if !result.Committed {
		return r.progress(ctx, "Repository setup complete (no code changes applied)")
	}

	added, removed := TotalLines(result.Stats)
	telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"files":   len(result.Changes),
		"added":   added,
		"removed": removed,
		"denied":  len(result.Denied),
	}).Info("feature changes committed")
	return r.progress(ctx, "Repository setup complete")
}

func (r *run) verifyDomain(ctx context.Context) error {
	if err := r.setStatus(ctx, StatusUpdate{Status: ProjectStatusDeploying, Message: "Verifying domain"}); err != nil {
		return err
	}

	verified, err := r.o.poller.Poll(ctx, r.project.HostingProjectID, r.project.Name, func(attempt, attempts int, verified bool, err error) {
		if verified {
			return
		}
		msg := fmt.Sprintf("Domain verification attempt %d/%d: not verified yet", attempt, attempts)
		if err != nil {
			msg = fmt.Sprintf("Domain verification attempt %d/%d failed: %s", attempt, attempts, err.Error())
		}
		if perr := r.progress(ctx, msg); perr != nil {
			telemetry.FromContext(ctx).WithError(perr).Warn("failed to record domain verification progress")
		}
	})
	if err != nil {
		return err
	}
	if !verified {
		return NewDomainVerificationTimeoutError(r.project.CustomDomain, r.o.config.DomainAttempts).
			WithOperation(string(StageVerifyDomain))
	}
	return r.progress(ctx, "Domain verified")
}

func (r *run) monitorDeployment(ctx context.Context) error {
	if err := r.progress(ctx, "Waiting for deployment"); err != nil {
		return err
	}

	log := telemetry.FromContext(ctx)
	result, err := r.o.monitor.Heal(ctx, HealTarget{
		ApplyTarget:      r.applyTarget(),
		HostingProjectID: r.project.HostingProjectID,
		Progress: func(message string) {
			if perr := r.progress(ctx, message); perr != nil {
				log.WithError(perr).Warn("failed to record deployment progress")
			}
		},
	})
	if err != nil {
		return err
	}

	switch result.Outcome {
	case HealOutcomeSuccess:
		r.captureScreenshot(ctx)
		now := r.o.now().UTC()
		message := "Deployment complete"
		if result.FixAttempts > 0 {
			message = fmt.Sprintf("Deployment complete after %d automatic fixes", result.FixAttempts)
		}
		return r.setStatus(ctx, StatusUpdate{Status: ProjectStatusDeployed, Message: message, DeployedAt: &now})
	case HealOutcomeExhausted:
		return NewFixExhaustedError(result.FixAttempts, result.Last.Logs).
			WithOperation(string(StageMonitor)).
			WithResource(r.project.HostingProjectID)
	case HealOutcomeUnrecoverable:
		e := NewFixUnrecoverableError(result.FixAttempts+1, result.Last.Logs).
			WithOperation(string(StageMonitor)).
			WithResource(r.project.HostingProjectID)
		e.Err = result.Cause
		return e
	default:
		return NewDeploymentFailedError(result.Last.Error, result.Last.Logs).
			WithOperation(string(StageMonitor)).
			WithResource(r.project.HostingProjectID).
			WithDetail("state", string(result.Last.State))
	}
}

func (r *run) captureScreenshot(ctx context.Context) {
	if r.o.screenshotter == nil {
		return
	}
	ctx = telemetry.WithStageContext(ctx, r.project.ID, string(StageScreenshot))
	log := telemetry.FromContext(ctx)

	key := fmt.Sprintf("%s/%s/screenshot.jpg", r.project.UserID, r.project.ID)
	var url string
	err := callProvider(ctx, SystemScreenshot, "capture", func(ctx context.Context) error {
		var err error
		url, err = r.o.screenshotter.Capture(ctx, "https://"+r.project.CustomDomain, key)
		return err
	})
	if err == nil {
		err = r.o.store.UpdateScreenshot(ctx, r.project.ID, url)
	}
	if err != nil {
		log.WithError(err).Warn("screenshot capture failed")
	} else {
		r.project.MobileScreenshot = url
	}
	telemetry.EndStageContext(ctx, r.project.ID, string(StageScreenshot), err)
}

func (r *run) applyTarget() ApplyTarget {
	return ApplyTarget{
		ProjectID:   r.project.ID,
		ProjectName: r.project.Name,
		RepoURL:     r.repoURL,
		Branch:      r.o.config.Branch,
	}
}
