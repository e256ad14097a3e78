// Package vercel implements the hosting capability on the Vercel REST API.
package vercel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/usewisp/wisp/pkg/engine"
)

const (
	defaultBaseURL = "https://api.vercel.com"

	// maxLogBytes bounds the build log handed to the code generator; the
	// tail is kept since failures are reported last.
	maxLogBytes = 24 * 1024
)

// Config configures the Vercel provider.
type Config struct {
	Token string `yaml:"token" validate:"required"`

	// TeamID scopes every request to a team.
	TeamID string `yaml:"team_id"`

	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Framework is the preset of created projects.
	Framework string `yaml:"framework"`

	// DomainSuffix completes the domain prefix handed to BindDomain.
	DomainSuffix string `yaml:"domain_suffix" validate:"omitempty,hostname"`

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the settings used by the pipeline.
func DefaultConfig() Config {
	return Config{
		TeamID:       "product-studio",
		BaseURL:      defaultBaseURL,
		Framework:    "vite",
		DomainSuffix: "usewisp.app",
		Timeout:      30 * time.Second,
	}
}

// Provider implements engine.Hosting.
type Provider struct {
	http   *http.Client
	config Config
	base   *url.URL
	logger zerolog.Logger
}

var _ engine.Hosting = (*Provider)(nil)

// New creates a provider. Empty fields of cfg take DefaultConfig values,
// except TeamID which stays empty for personal accounts.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.Token == "" {
		return nil, engine.NewValidationError("vercel token is required", nil).WithOperation("new_vercel_provider")
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Framework == "" {
		cfg.Framework = def.Framework
	}
	if cfg.DomainSuffix == "" {
		cfg.DomainSuffix = def.DomainSuffix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, engine.NewValidationError("invalid vercel base url", err).WithOperation("new_vercel_provider")
	}

	return &Provider{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		base:   base,
		logger: logger.With().Str("component", "vercel").Logger(),
	}, nil
}

// Domain returns the full domain for prefix.
func (p *Provider) Domain(prefix string) string {
	return prefix + "." + p.config.DomainSuffix
}

type createProjectRequest struct {
	Name          string        `json:"name"`
	Framework     string        `json:"framework,omitempty"`
	GitRepository gitRepository `json:"gitRepository"`
}

type gitRepository struct {
	Repo string `json:"repo"`
	Type string `json:"type"`
}

type projectResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateProject creates a project linked to repoOwner/repoName.
func (p *Provider) CreateProject(ctx context.Context, name, repoOwner, repoName string) (string, error) {
	req := createProjectRequest{
		Name:      name,
		Framework: p.config.Framework,
		GitRepository: gitRepository{
			Repo: repoOwner + "/" + repoName,
			Type: "github",
		},
	}

	var resp projectResponse
	if err := p.do(ctx, http.MethodPost, "/v10/projects", nil, req, &resp, "create_project", name); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", engine.NewExternalServiceError(engine.SystemHosting, "vercel returned a project without id", nil).
			WithOperation("create_project").
			WithResource(name)
	}

	p.logger.Info().Str("project_id", resp.ID).Str("name", name).Msg("Hosting project created")
	return resp.ID, nil
}

// BindDomain adds prefix.suffix to the project.
func (p *Provider) BindDomain(ctx context.Context, hostingProjectID, domainPrefix string) error {
	domain := p.Domain(domainPrefix)
	body := map[string]string{"name": domain}
	path := fmt.Sprintf("/v10/projects/%s/domains", url.PathEscape(hostingProjectID))
	if err := p.do(ctx, http.MethodPost, path, nil, body, nil, "bind_domain", domain); err != nil {
		return err
	}
	p.logger.Info().Str("project_id", hostingProjectID).Str("domain", domain).Msg("Domain bound")
	return nil
}

// VerifyDomain asks Vercel to verify the domain once. A refusal because the
// domain is not verified yet is a false result, not an error.
func (p *Provider) VerifyDomain(ctx context.Context, hostingProjectID, domainPrefix string) (bool, error) {
	domain := p.Domain(domainPrefix)
	path := fmt.Sprintf("/v9/projects/%s/domains/%s/verify", url.PathEscape(hostingProjectID), url.PathEscape(domain))

	var resp struct {
		Verified bool `json:"verified"`
	}
	err := p.do(ctx, http.MethodPost, path, nil, nil, &resp, "verify_domain", domain)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Status == http.StatusBadRequest {
			return false, nil
		}
		return false, err
	}
	return resp.Verified, nil
}

type deploymentsResponse struct {
	Deployments []struct {
		UID        string `json:"uid"`
		State      string `json:"state"`
		ReadyState string `json:"readyState"`
	} `json:"deployments"`
}

type deploymentEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Payload struct {
		Text string `json:"text"`
	} `json:"payload"`
}

// LatestDeployment returns the newest deployment's state. Build logs are
// fetched only for ERROR.
func (p *Provider) LatestDeployment(ctx context.Context, hostingProjectID string) (*engine.DeploymentStatus, error) {
	query := url.Values{}
	query.Set("projectId", hostingProjectID)
	query.Set("limit", "1")

	var list deploymentsResponse
	if err := p.do(ctx, http.MethodGet, "/v6/deployments", query, nil, &list, "list_deployments", hostingProjectID); err != nil {
		return nil, err
	}
	if len(list.Deployments) == 0 {
		return &engine.DeploymentStatus{State: engine.DeploymentStateNoDeployments}, nil
	}

	d := list.Deployments[0]
	state := d.ReadyState
	if state == "" {
		state = d.State
	}
	status := &engine.DeploymentStatus{
		DeploymentID: d.UID,
		State:        engine.DeploymentState(strings.ToUpper(state)),
	}

	if status.State == engine.DeploymentStateError {
		logs, err := p.buildLogs(ctx, d.UID)
		if err != nil {
			p.logger.Warn().Err(err).Str("deployment_id", d.UID).Msg("Failed to fetch build logs")
		}
		status.Logs = logs
	}
	return status, nil
}

func (p *Provider) buildLogs(ctx context.Context, deploymentID string) (string, error) {
	query := url.Values{}
	query.Set("builds", "1")

	var events []deploymentEvent
	path := fmt.Sprintf("/v3/deployments/%s/events", url.PathEscape(deploymentID))
	if err := p.do(ctx, http.MethodGet, path, query, nil, &events, "deployment_events", deploymentID); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, ev := range events {
		text := ev.Payload.Text
		if text == "" {
			text = ev.Text
		}
		if text == "" {
			continue
		}
		b.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			b.WriteByte('\n')
		}
	}
	return tail(b.String(), maxLogBytes), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}

// DeleteProject removes the hosting project.
func (p *Provider) DeleteProject(ctx context.Context, hostingProjectID string) error {
	path := fmt.Sprintf("/v9/projects/%s", url.PathEscape(hostingProjectID))
	if err := p.do(ctx, http.MethodDelete, path, nil, nil, nil, "delete_project", hostingProjectID); err != nil {
		return err
	}
	p.logger.Info().Str("project_id", hostingProjectID).Msg("Hosting project deleted")
	return nil
}

// APIError is a non-2xx Vercel response.
type APIError struct {
	Status     int
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vercel: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vercel: %d %s", e.Status, e.Message)
}

func asAPIError(err error) (*APIError, bool) {
	e, ok := engine.AsEngineError(err)
	if !ok {
		return nil, false
	}
	apiErr, ok := e.Err.(*APIError)
	return apiErr, ok
}

// do sends an authenticated request to the Vercel API, scoped to the configured
// team, and decodes a successful JSON response into out when out is non-nil.
// Non-2xx responses are classified into engine errors carrying operation and
// resource.
func (p *Provider) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, operation, resource string) error {
	u := *p.base
	u.Path += path
	if query == nil {
		query = url.Values{}
	}
	if p.config.TeamID != "" {
		query.Set("teamId", p.config.TeamID)
	}
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewValidationError("failed to encode vercel request", err).WithOperation(operation)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return engine.NewValidationError("failed to build vercel request", err).WithOperation(operation)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return engine.NewExternalServiceError(engine.SystemHosting, fmt.Sprintf("vercel %s failed", operation), err).
			WithOperation(operation).
			WithResource(resource)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return engine.NewExternalServiceError(engine.SystemHosting, "failed to read vercel response", err).
			WithOperation(operation).
			WithResource(resource)
	}

	if resp.StatusCode >= 300 {
		return classify(parseAPIError(resp, data), operation, resource)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return engine.NewExternalServiceError(engine.SystemHosting, "failed to decode vercel response", err).
				WithOperation(operation).
				WithResource(resource)
		}
	}
	return nil
}

func parseAPIError(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	} else if s := resp.Header.Get("X-RateLimit-Reset"); s != "" {
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
			if wait := time.Until(time.Unix(epoch, 0)); wait > 0 {
				apiErr.RetryAfter = wait
			}
		}
	}
	return apiErr
}

func classify(apiErr *APIError, operation, resource string) *engine.EngineError {
	var e *engine.EngineError
	switch {
	case apiErr.Status == http.StatusNotFound:
		e = engine.NewNotFoundError(fmt.Sprintf("%s not found", resource), apiErr)
	case apiErr.Status == http.StatusConflict:
		e = engine.NewAlreadyExistsError(fmt.Sprintf("%s already exists", resource), apiErr)
	case apiErr.Status == http.StatusTooManyRequests:
		e = engine.NewRateLimitedError(engine.SystemHosting, "vercel rate limit exceeded", apiErr.RetryAfter, apiErr)
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		e = engine.NewPermanentError("vercel rejected credentials", apiErr).
			WithCode(engine.ErrCodeExternalService).
			WithDetail("system", engine.SystemHosting)
	case apiErr.Status == http.StatusBadRequest:
		e = engine.NewPermanentError(fmt.Sprintf("vercel rejected %s", operation), apiErr).
			WithCode(engine.ErrCodeExternalService).
			WithDetail("system", engine.SystemHosting)
	default:
		e = engine.NewExternalServiceError(engine.SystemHosting, fmt.Sprintf("vercel %s failed", operation), apiErr)
	}
	e.WithOperation(operation).WithResource(resource)
	if apiErr.Code != "" {
		e.WithDetail("vercel_code", apiErr.Code)
	}
	return e
}
