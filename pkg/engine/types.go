package engine

import (
	"sort"
	"strings"
	"time"
)

// User is the owning principal of projects.
type User struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name,omitempty"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is the persisted record of one provisioned application.
type Project struct {
	// ID is generated at creation and never changes.
	ID string `json:"id"`

	// Name is the unique, DNS-safe slug. It doubles as the repository name,
	// hosting project name and domain prefix.
	Name string `json:"name"`

	// DisplayName is the name as the user typed it.
	DisplayName string `json:"display_name"`

	// Description is the user's natural-language description of the app.
	Description string `json:"description,omitempty"`

	// UserID is the owning user.
	UserID string `json:"user_id"`

	// HostingProjectID, DNSRecordID and CustomDomain are empty until their
	// stage completes and are never cleared afterwards.
	HostingProjectID string `json:"hosting_project_id,omitempty"`
	DNSRecordID      string `json:"dns_record_id,omitempty"`
	CustomDomain     string `json:"custom_domain,omitempty"`

	// Status is the lifecycle position.
	Status ProjectStatus `json:"status"`

	// StatusMessage is the last progress note.
	StatusMessage string `json:"status_message,omitempty"`

	// Error is the last error trace.
	Error string `json:"error,omitempty"`

	// Private is passed through to the repository visibility.
	Private bool `json:"private"`

	// MobileScreenshot is the stored screenshot URL, once captured.
	MobileScreenshot string `json:"mobile_screenshot,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	DeployedAt  *time.Time `json:"deployed_at,omitempty"`
}

// CreateRequest is the input of the provisioning pipeline.
type CreateRequest struct {
	UserID      string            `json:"user_id" validate:"required"`
	Name        string            `json:"name" validate:"required,max=64"`
	Description string            `json:"description" validate:"max=4000"`
	Private     bool              `json:"private"`
	Questions   map[string]string `json:"questions,omitempty"`

	// SkipCodegen deploys the template as-is.
	SkipCodegen bool `json:"skip_codegen,omitempty"`
}

// Instruction returns the feature instruction for the code generator: the
// description followed by any question answers, sorted by question.
func (r *CreateRequest) Instruction() string {
	if len(r.Questions) == 0 {
		return r.Description
	}
	questions := make([]string, 0, len(r.Questions))
	for q := range r.Questions {
		questions = append(questions, q)
	}
	sort.Strings(questions)

	var b strings.Builder
	b.WriteString(r.Description)
	b.WriteString("\n\nAdditional context from questions:")
	for _, q := range questions {
		b.WriteString("\n")
		b.WriteString(q)
		b.WriteString(": ")
		b.WriteString(r.Questions[q])
	}
	return b.String()
}

// StatusUpdate is a single status write.
type StatusUpdate struct {
	Status  ProjectStatus
	Message string
	Error   string

	// DeployedAt is written only when non-nil; an existing value is kept otherwise.
	DeployedAt *time.Time
}

// DetailsUpdate records external resource handles. Nil fields are left as they are.
type DetailsUpdate struct {
	HostingProjectID *string
	DNSRecordID      *string
	CustomDomain     *string
}

// TemplateRef names the repository new projects are instantiated from.
type TemplateRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// RepoFile is one file of a repository snapshot.
type RepoFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RepositoryContent is a directory listing plus file contents, used as
// code-generation context.
type RepositoryContent struct {
	Tree  string     `json:"tree"`
	Files []RepoFile `json:"files"`
}

// Render formats the snapshot the way the code generator receives it.
func (c *RepositoryContent) Render() string {
	var b strings.Builder
	b.WriteString("Directory structure:\n")
	b.WriteString(c.Tree)
	b.WriteString("\n\nFiles:\n")
	for i, f := range c.Files {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("\n--- ")
		b.WriteString(f.Path)
		b.WriteString(" ---\n")
		b.WriteString(f.Content)
	}
	return b.String()
}

// FileContents returns the snapshot keyed by path.
func (c *RepositoryContent) FileContents() map[string]string {
	out := make(map[string]string, len(c.Files))
	for _, f := range c.Files {
		out[f.Path] = f.Content
	}
	return out
}

// GenerationPurpose distinguishes feature requests from deployment fixes.
type GenerationPurpose string

const (
	PurposeFeature GenerationPurpose = "feature"
	PurposeFix     GenerationPurpose = "fix"
)

// GenerationRequest is the input of the code-generation capability.
type GenerationRequest struct {
	Purpose     GenerationPurpose
	ProjectName string

	// Instruction is the feature description or the deployment error text.
	Instruction string

	Repository *RepositoryContent
}

// DeploymentStatus is one observation of the hosting platform.
type DeploymentStatus struct {
	DeploymentID string
	State        DeploymentState
	Logs         string
}

// DeploymentCheck is the result of waiting for a deployment.
type DeploymentCheck struct {
	Success bool
	State   DeploymentState
	Error   string
	Logs    string
	Polls   int
}

// Remediable reports whether the failure carries logs a fix can be generated from.
func (c DeploymentCheck) Remediable() bool {
	return !c.Success && c.State == DeploymentStateError && strings.TrimSpace(c.Logs) != ""
}

// HealResult is the outcome of the self-healing loop.
type HealResult struct {
	Outcome HealOutcome

	// FixAttempts is the number of fix commits made.
	FixAttempts int

	// Last is the final deployment observation.
	Last DeploymentCheck

	// Cause explains an unrecoverable outcome, when there is one.
	Cause error
}
