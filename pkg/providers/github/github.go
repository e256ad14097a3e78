// Package github implements the version-control capability on the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	gh "github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/usewisp/wisp/pkg/engine"
)

// DefaultIgnore lists paths never sent to the code generator. Patterns
// without a slash match the file name at any depth.
var DefaultIgnore = []string{
	".git/**",
	".github/**",
	"node_modules/**",
	"dist/**",
	"build/**",
	".vercel/**",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"bun.lockb",
	".env*",
	".DS_Store",
	"*.{png,jpg,jpeg,gif,webp,ico,bmp,avif}",
	"*.{woff,woff2,ttf,otf,eot}",
	"*.{mp3,mp4,webm,wav,pdf,zip}",
}

// Config configures the GitHub provider.
type Config struct {
	Token string `yaml:"token" validate:"required"`

	// Owner is the account repositories are created under.
	Owner string `yaml:"owner"`

	// BaseURL overrides the API root, e.g. for GitHub Enterprise.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Ignore replaces DefaultIgnore when set.
	Ignore []string `yaml:"ignore"`

	// MaxFileBytes skips larger files when fetching content.
	MaxFileBytes int `yaml:"max_file_bytes" validate:"min=0"`

	// FetchConcurrency bounds parallel file downloads.
	FetchConcurrency int `yaml:"fetch_concurrency" validate:"min=0"`
}

// Provider implements engine.VCS.
type Provider struct {
	client      *gh.Client
	owner       string
	ignore      []glob.Glob
	maxFile     int
	concurrency int
	logger      zerolog.Logger
}

var _ engine.VCS = (*Provider)(nil)

// New creates a provider from cfg.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.Token == "" {
		return nil, engine.NewValidationError("github token is required", nil).WithOperation("new_github_provider")
	}
	if cfg.Owner == "" {
		return nil, engine.NewValidationError("github owner is required", nil).WithOperation("new_github_provider")
	}

	client := gh.NewClient(&http.Client{Timeout: 60 * time.Second}).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, engine.NewValidationError("invalid github base url", err).WithOperation("new_github_provider")
		}
		client.BaseURL = u
	}

	patterns := cfg.Ignore
	if len(patterns) == 0 {
		patterns = DefaultIgnore
	}
	ignore, err := compileIgnore(patterns)
	if err != nil {
		return nil, err
	}

	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = 256 * 1024
	}
	if cfg.FetchConcurrency == 0 {
		cfg.FetchConcurrency = 8
	}

	return &Provider{
		client:      client,
		owner:       cfg.Owner,
		ignore:      ignore,
		maxFile:     cfg.MaxFileBytes,
		concurrency: cfg.FetchConcurrency,
		logger:      logger.With().Str("component", "github").Logger(),
	}, nil
}

func compileIgnore(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("invalid ignore pattern %q", p), err).
				WithOperation("compile_ignore")
		}
		globs = append(globs, ignorePattern{glob: g, basename: !strings.Contains(p, "/")})
	}
	return globs, nil
}

// ignorePattern matches slash-free patterns against the file name.
type ignorePattern struct {
	glob     glob.Glob
	basename bool
}

func (p ignorePattern) Match(s string) bool {
	if p.basename {
		return p.glob.Match(path.Base(s))
	}
	return p.glob.Match(s)
}

// Ignored reports whether p is excluded from fetched content.
func (p *Provider) Ignored(filePath string) bool {
	for _, g := range p.ignore {
		if g.Match(filePath) {
			return true
		}
	}
	return false
}

// RepoURL returns the browser URL of owner/name.
func RepoURL(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s", owner, name)
}

// ParseRepoURL splits a https://github.com/owner/name URL.
func ParseRepoURL(repoURL string) (owner, name string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", engine.NewValidationError("invalid repository url", err).WithResource(repoURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", engine.NewValidationError("repository url must name owner and repository", nil).
			WithResource(repoURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// CreateFromTemplate instantiates template as owner/name.
func (p *Provider) CreateFromTemplate(ctx context.Context, template engine.TemplateRef, name string, private bool) (string, error) {
	req := &gh.TemplateRepoRequest{
		Name:               gh.String(name),
		Owner:              gh.String(p.owner),
		Private:            gh.Bool(private),
		IncludeAllBranches: gh.Bool(false),
	}

	repo, _, err := p.client.Repositories.CreateFromTemplate(ctx, template.Owner, template.Repo, req)
	if err != nil {
		return "", classify(err, "create_from_template", p.owner+"/"+name)
	}

	p.logger.Info().
		Str("repo", repo.GetFullName()).
		Str("template", template.Owner+"/"+template.Repo).
		Msg("Repository created from template")

	if u := repo.GetHTMLURL(); u != "" {
		return u, nil
	}
	return RepoURL(p.owner, name), nil
}

// RepositoryExists reports whether owner/name exists.
func (p *Provider) RepositoryExists(ctx context.Context, name string) (bool, error) {
	_, _, err := p.client.Repositories.Get(ctx, p.owner, name)
	if err == nil {
		return true, nil
	}
	classified := classify(err, "get_repository", p.owner+"/"+name)
	if engine.IsNotFound(classified) {
		return false, nil
	}
	return false, classified
}

// FetchContent lists the default branch tree and downloads every file that
// is not ignored.
func (p *Provider) FetchContent(ctx context.Context, repoURL string) (*engine.RepositoryContent, error) {
	owner, name, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	repo, _, err := p.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classify(err, "get_repository", owner+"/"+name)
	}
	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}

	tree, _, err := p.client.Git.GetTree(ctx, owner, name, branch, true)
	if err != nil {
		return nil, classify(err, "get_tree", owner+"/"+name)
	}

	var paths []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" || p.Ignored(entry.GetPath()) {
			continue
		}
		if p.maxFile > 0 && entry.GetSize() > p.maxFile {
			p.logger.Debug().Str("path", entry.GetPath()).Int("size", entry.GetSize()).Msg("Skipping large file")
			continue
		}
		paths = append(paths, entry.GetPath())
	}
	sort.Strings(paths)

	files := make([]engine.RepoFile, len(paths))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, filePath := range paths {
		g.Go(func() error {
			content, _, _, err := p.client.Repositories.GetContents(gctx, owner, name, filePath,
				&gh.RepositoryContentGetOptions{Ref: branch})
			if err != nil {
				return classify(err, "get_contents", filePath)
			}
			if content == nil {
				return engine.NewExternalServiceError(engine.SystemVCS, "path is not a file", nil).
					WithOperation("get_contents").
					WithResource(filePath)
			}
			text, err := content.GetContent()
			if err != nil {
				return engine.NewExternalServiceError(engine.SystemVCS, "failed to decode file content", err).
					WithOperation("get_contents").
					WithResource(filePath)
			}
			mu.Lock()
			files[i] = engine.RepoFile{Path: filePath, Content: text}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &engine.RepositoryContent{
		Tree:  engine.RenderTree(name+"/", paths),
		Files: files,
	}, nil
}

// CommitFiles writes files in one commit on branch through the Git data API.
func (p *Provider) CommitFiles(ctx context.Context, repoURL, branch string, files []engine.RepoFile, message string) error {
	owner, name, err := ParseRepoURL(repoURL)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return engine.NewValidationError("commit has no files", nil).
			WithOperation("commit_files").
			WithResource(repoURL)
	}

	ref, _, err := p.client.Git.GetRef(ctx, owner, name, "heads/"+branch)
	if err != nil {
		return classify(err, "get_ref", owner+"/"+name)
	}
	parentSHA := ref.GetObject().GetSHA()

	parent, _, err := p.client.Git.GetCommit(ctx, owner, name, parentSHA)
	if err != nil {
		return classify(err, "get_commit", parentSHA)
	}

	entries := make([]*gh.TreeEntry, len(files))
	for i, f := range files {
		entries[i] = &gh.TreeEntry{
			Path:    gh.String(f.Path),
			Mode:    gh.String("100644"),
			Type:    gh.String("blob"),
			Content: gh.String(f.Content),
		}
	}

	tree, _, err := p.client.Git.CreateTree(ctx, owner, name, parent.GetTree().GetSHA(), entries)
	if err != nil {
		return classify(err, "create_tree", owner+"/"+name)
	}

	commit, _, err := p.client.Git.CreateCommit(ctx, owner, name, &gh.Commit{
		Message: gh.String(message),
		Tree:    &gh.Tree{SHA: tree.SHA},
		Parents: []*gh.Commit{{SHA: gh.String(parentSHA)}},
	}, nil)
	if err != nil {
		return classify(err, "create_commit", owner+"/"+name)
	}

	_, _, err = p.client.Git.UpdateRef(ctx, owner, name, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return classify(err, "update_ref", owner+"/"+name)
	}

	p.logger.Info().
		Str("repo", owner+"/"+name).
		Str("sha", commit.GetSHA()).
		Int("files", len(files)).
		Msg("Files committed")

	return nil
}

// DeleteRepository removes owner/name.
func (p *Provider) DeleteRepository(ctx context.Context, owner, name string) error {
	if _, err := p.client.Repositories.Delete(ctx, owner, name); err != nil {
		return classify(err, "delete_repository", owner+"/"+name)
	}
	p.logger.Info().Str("repo", owner+"/"+name).Msg("Repository deleted")
	return nil
}

// classify maps go-github errors onto the engine taxonomy.
func classify(err error, operation, resource string) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return engine.NewRateLimitedError(engine.SystemVCS, "github rate limit exceeded", wait, err).
			WithOperation(operation).
			WithResource(resource)
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return engine.NewRateLimitedError(engine.SystemVCS, "github secondary rate limit", abuseErr.GetRetryAfter(), err).
			WithOperation(operation).
			WithResource(resource)
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch status := respErr.Response.StatusCode; {
		case status == http.StatusNotFound:
			return engine.NewNotFoundError(fmt.Sprintf("%s not found", resource), err).
				WithOperation(operation).
				WithResource(resource)
		case status == http.StatusUnprocessableEntity && alreadyExists(respErr):
			return engine.NewAlreadyExistsError(fmt.Sprintf("%s already exists", resource), err).
				WithOperation(operation).
				WithResource(resource)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return engine.NewPermanentError("github rejected credentials", err).
				WithCode(engine.ErrCodeExternalService).
				WithOperation(operation).
				WithResource(resource).
				WithDetail("system", engine.SystemVCS).
				WithDetail("status", status)
		}
	}

	return engine.NewExternalServiceError(engine.SystemVCS, fmt.Sprintf("github %s failed", operation), err).
		WithOperation(operation).
		WithResource(resource)
}

func alreadyExists(resp *gh.ErrorResponse) bool {
	if strings.Contains(strings.ToLower(resp.Message), "already exists") {
		return true
	}
	for _, e := range resp.Errors {
		if strings.Contains(strings.ToLower(e.Message), "already exists") || e.Code == "already_exists" {
			return true
		}
	}
	return false
}
