package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/usewisp/wisp/pkg/telemetry"
)

// Teardown removes every externally provisioned resource of a project and
// then the project record.
type Teardown struct {
	store     Store
	vcs       VCS
	hosting   Hosting
	dns       DNS
	locker    Locker
	repoOwner string
	leaseKey  func(projectID string) string
}

// NewTeardown creates a compensator. A nil locker skips lease checks.
func NewTeardown(store Store, vcs VCS, hosting Hosting, dns DNS, locker Locker, repoOwner, leasePrefix string) *Teardown {
	return &Teardown{
		store:     store,
		vcs:       vcs,
		hosting:   hosting,
		dns:       dns,
		locker:    locker,
		repoOwner: repoOwner,
		leaseKey:  func(id string) string { return leasePrefix + id },
	}
}

// Project tears down one project on behalf of userID. An empty userID skips
// the ownership check (operator tooling).
//
// The hosting project, DNS record and repository are deleted concurrently;
// deletes of resources that are already gone count as success. The record
// is removed only when every delete succeeded. Otherwise it stays in status
// deleted with the failures in its error field, and the aggregated error is
// returned so the teardown can be retried.
func (t *Teardown) Project(ctx context.Context, projectID, userID string) (err error) {
	log := telemetry.FromContext(ctx).WithProjectID(projectID).WithStage(string(StageTeardown))

	project, err := t.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if userID != "" && project.UserID != userID {
		return NewPermissionDeniedError(projectID, userID).WithOperation("teardown")
	}

	if t.locker != nil {
		lease, err := t.locker.Acquire(ctx, t.leaseKey(projectID))
		if err != nil {
			return err
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				log.WithError(rerr).Warn("failed to release project lease")
			}
		}()
	}

	if !project.Status.CanTransitionTo(ProjectStatusDeleted) {
		return NewInvalidTransitionError(project.Status, ProjectStatusDeleted).
			WithOperation("teardown").
			WithResource(projectID)
	}
	if project.Status != ProjectStatusDeleted {
		if err := t.store.UpdateStatus(ctx, projectID, StatusUpdate{
			Status:  ProjectStatusDeleted,
			Message: "Tearing down resources",
		}); err != nil {
			return err
		}
	}

	defer func() {
		tel := telemetry.FromTelemetryContext(ctx)
		if tel == nil {
			return
		}
		result := "succeeded"
		if err != nil {
			result = "failed"
		}
		tel.Metrics.RecordTeardown(result)
		_ = tel.Events.PublishTeardown(projectID, err)
	}()

	if derr := t.deleteResources(ctx, project); derr != nil {
		failure := NewPermanentError("teardown incomplete", derr).
			WithCode(ErrCodeDeleteFailed).
			WithOperation("teardown").
			WithResource(projectID)
		if uerr := t.store.UpdateStatus(context.WithoutCancel(ctx), projectID, StatusUpdate{
			Status:  ProjectStatusDeleted,
			Message: "Teardown incomplete",
			Error:   failure.Trace(),
		}); uerr != nil {
			log.WithError(uerr).Warn("failed to record teardown failure")
		}
		return failure
	}

	if err := t.store.DeleteProject(ctx, projectID); err != nil && !IsNotFound(err) {
		return err
	}
	log.Info("project torn down")
	return nil
}

func (t *Teardown) deleteResources(ctx context.Context, project *Project) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)

	run := func(system, operation, resource string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := callProvider(ctx, system, operation, fn)
			if err == nil || IsNotFound(err) {
				return
			}
			mu.Lock()
			result = multierror.Append(result, wrapExternal(system, fmt.Sprintf("%s failed", operation), err).
				WithOperation(operation).
				WithResource(resource))
			mu.Unlock()
		}()
	}

	if project.HostingProjectID != "" {
		run(SystemHosting, "delete_hosting_project", project.HostingProjectID, func(ctx context.Context) error {
			return t.hosting.DeleteProject(ctx, project.HostingProjectID)
		})
	}
	if project.DNSRecordID != "" {
		run(SystemDNS, "delete_dns_record", project.DNSRecordID, func(ctx context.Context) error {
			return t.dns.DeleteRecord(ctx, project.DNSRecordID)
		})
	}
	run(SystemVCS, "delete_repository", t.repoOwner+"/"+project.Name, func(ctx context.Context) error {
		return t.vcs.DeleteRepository(ctx, t.repoOwner, project.Name)
	})

	wg.Wait()
	return result.ErrorOrNil()
}

// User tears down every project of userID and then deletes the user. The
// user row is kept when any project teardown fails.
func (t *Teardown) User(ctx context.Context, userID string) error {
	if _, err := t.store.GetUser(ctx, userID); err != nil {
		return err
	}

	projects, err := t.store.ListProjectsByUser(ctx, userID)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, p := range projects {
		if err := t.Project(ctx, p.ID, userID); err != nil && !IsNotFound(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return NewPermanentError("user teardown incomplete", err).
			WithCode(ErrCodeDeleteFailed).
			WithOperation("delete_user").
			WithResource(userID)
	}

	return t.store.DeleteUser(ctx, userID)
}

// CleanupResult is the outcome of one name in a batch cleanup.
type CleanupResult struct {
	Name      string
	ProjectID string
	Skipped   bool
	Err       error
}

// CleanupNames expands base over [from, to]: i == 1 is base itself, every
// other i is base-i.
func CleanupNames(base string, from, to int) []string {
	var names []string
	for i := from; i <= to; i++ {
		if i == 1 {
			names = append(names, base)
			continue
		}
		names = append(names, fmt.Sprintf("%s-%d", base, i))
	}
	return names
}

// Cleanup tears down the projects named by names, batchSize at a time.
// Names without a record are reported as skipped.
func (t *Teardown) Cleanup(ctx context.Context, names []string, batchSize int) []CleanupResult {
	if batchSize < 1 {
		batchSize = 1
	}
	results := make([]CleanupResult, len(names))

	for start := 0; start < len(names); start += batchSize {
		end := start + batchSize
		if end > len(names) {
			end = len(names)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = t.cleanupOne(ctx, names[i])
			}(i)
		}
		wg.Wait()

		if ctx.Err() != nil {
			for i := end; i < len(names); i++ {
				results[i] = CleanupResult{Name: names[i], Err: ctx.Err()}
			}
			break
		}
	}
	return results
}

func (t *Teardown) cleanupOne(ctx context.Context, name string) CleanupResult {
	project, err := t.store.GetProjectByName(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return CleanupResult{Name: name, Skipped: true}
		}
		return CleanupResult{Name: name, Err: err}
	}
	return CleanupResult{
		Name:      name,
		ProjectID: project.ID,
		Err:       t.Project(ctx, project.ID, ""),
	}
}
