package engine

import (
	"context"
	"time"
)

// ProjectStore persists projects. Every failure is an *EngineError carrying the
// operation name and the identifiers involved.
type ProjectStore interface {
	// CreateProject inserts a project. A taken name fails with ALREADY_EXISTS.
	CreateProject(ctx context.Context, project *Project) error

	// GetProject returns a project by id or fails with NOT_FOUND.
	GetProject(ctx context.Context, id string) (*Project, error)

	// GetProjectByName returns a project by name or fails with NOT_FOUND.
	GetProjectByName(ctx context.Context, name string) (*Project, error)

	// ListProjectNames returns the names of all project records starting with prefix.
	ListProjectNames(ctx context.Context, prefix string) ([]string, error)

	// UpdateStatus writes a status transition allowed by the state machine.
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error

	// UpdateDetails records external resource handles without clearing existing ones.
	UpdateDetails(ctx context.Context, id string, update DetailsUpdate) error

	// UpdateScreenshot records the screenshot URL.
	UpdateScreenshot(ctx context.Context, id, url string) error

	// DeleteProject removes the record.
	DeleteProject(ctx context.Context, id string) error

	// ListProjectsByUser returns the user's projects, newest first.
	ListProjectsByUser(ctx context.Context, userID string) ([]*Project, error)

	// ListStaleProjects returns projects in one of statuses last updated before cutoff.
	ListStaleProjects(ctx context.Context, statuses []ProjectStatus, cutoff time.Time) ([]*Project, error)
}

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Store is the full persisted record interface.
type Store interface {
	ProjectStore
	UserStore
}

// VCS is the version-control capability.
type VCS interface {
	// CreateFromTemplate instantiates a new repository and returns its URL.
	// It is not idempotent.
	CreateFromTemplate(ctx context.Context, template TemplateRef, name string, private bool) (string, error)

	// RepositoryExists reports whether a repository with name exists under the owner.
	RepositoryExists(ctx context.Context, name string) (bool, error)

	// FetchContent walks the repository, skipping ignored paths.
	FetchContent(ctx context.Context, repoURL string) (*RepositoryContent, error)

	// CommitFiles replaces the listed files in one commit on branch.
	CommitFiles(ctx context.Context, repoURL, branch string, files []RepoFile, message string) error

	// DeleteRepository removes owner/name. A missing repository fails with NOT_FOUND.
	DeleteRepository(ctx context.Context, owner, name string) error
}

// Hosting is the hosting-platform capability.
type Hosting interface {
	// CreateProject binds a new hosting project to repoOwner/repoName.
	CreateProject(ctx context.Context, name, repoOwner, repoName string) (string, error)

	// BindDomain registers {domainPrefix}.{platform suffix} on the project.
	BindDomain(ctx context.Context, hostingProjectID, domainPrefix string) error

	// VerifyDomain performs one verification check.
	VerifyDomain(ctx context.Context, hostingProjectID, domainPrefix string) (bool, error)

	// LatestDeployment returns the state of the newest deployment, with build
	// logs when the state is ERROR.
	LatestDeployment(ctx context.Context, hostingProjectID string) (*DeploymentStatus, error)

	// DeleteProject removes the hosting project. A missing project fails with NOT_FOUND.
	DeleteProject(ctx context.Context, hostingProjectID string) error
}

// DNS is the DNS-provider capability.
type DNS interface {
	// CreateRecord creates a CNAME for domainPrefix pointing at the hosting edge.
	CreateRecord(ctx context.Context, domainPrefix string) (string, error)

	// DeleteRecord removes a record. A missing record fails with NOT_FOUND.
	DeleteRecord(ctx context.Context, recordID string) error
}

// CodeGenerator is the code-generation capability. The returned set may be
// empty. Rate limits surface as RATE_LIMITED errors.
type CodeGenerator interface {
	GenerateChanges(ctx context.Context, req GenerationRequest) (*ChangeSet, error)
}

// Screenshotter captures a live URL and stores the image under key.
type Screenshotter interface {
	Capture(ctx context.Context, url, key string) (string, error)
}

// ChangeGuard reviews a change set before it is committed.
type ChangeGuard interface {
	Review(ctx context.Context, review ChangeReview) (*ReviewResult, error)
}

// Locker hands out exclusive per-key leases.
type Locker interface {
	// Acquire takes the lease or fails with LEASE_HELD.
	Acquire(ctx context.Context, key string) (Lease, error)

	// Held reports whether a lease exists for key.
	Held(ctx context.Context, key string) (bool, error)
}

// Lease is an acquired lock.
type Lease interface {
	Release(ctx context.Context) error
}
