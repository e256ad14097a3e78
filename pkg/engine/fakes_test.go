package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store enforcing the same rules as the SQL store.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*User
	projects map[string]*Project

	// writes logs every status written per project, starting with the insert.
	writes   map[string][]ProjectStatus
	messages map[string][]string

	// failList makes ListProjectNames fail.
	failList error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*User),
		projects: make(map[string]*Project),
		writes:   make(map[string][]ProjectStatus),
		messages: make(map[string][]string),
	}
}

func (s *memStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return NewAlreadyExistsError("user exists", nil).WithResource(user.ID)
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, NewUserNotFoundError(id)
	}
	c := *u
	return &c, nil
}

func (s *memStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return NewUserNotFoundError(id)
	}
	delete(s.users, id)
	for pid, p := range s.projects {
		if p.UserID == id {
			delete(s.projects, pid)
		}
	}
	return nil
}

func (s *memStore) CreateProject(_ context.Context, project *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == project.Name {
			return NewAlreadyExistsError("project name taken", nil).WithResource(project.Name)
		}
	}
	c := *project
	s.projects[project.ID] = &c
	s.writes[project.ID] = append(s.writes[project.ID], project.Status)
	return nil
}

func (s *memStore) get(id string) (*Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, NewNotFoundError("project not found", nil).WithResource(id)
	}
	return p, nil
}

func (s *memStore) GetProject(_ context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return nil, err
	}
	c := *p
	return &c, nil
}

func (s *memStore) GetProjectByName(_ context.Context, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, NewNotFoundError("project not found", nil).WithResource(name)
}

func (s *memStore) ListProjectNames(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	var names []string
	for _, p := range s.projects {
		if strings.HasPrefix(p.Name, prefix) {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return err
	}
	if !p.Status.CanTransitionTo(update.Status) {
		return NewInvalidTransitionError(p.Status, update.Status).WithResource(id)
	}
	p.Status = update.Status
	s.writes[id] = append(s.writes[id], update.Status)
	s.messages[id] = append(s.messages[id], update.Message)
	p.StatusMessage = update.Message
	p.Error = update.Error
	if update.DeployedAt != nil {
		t := *update.DeployedAt
		p.DeployedAt = &t
	}
	p.LastUpdated = time.Now().UTC()
	return nil
}

func (s *memStore) UpdateDetails(_ context.Context, id string, update DetailsUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return err
	}
	if update.HostingProjectID != nil {
		p.HostingProjectID = *update.HostingProjectID
	}
	if update.DNSRecordID != nil {
		p.DNSRecordID = *update.DNSRecordID
	}
	if update.CustomDomain != nil {
		p.CustomDomain = *update.CustomDomain
	}
	p.LastUpdated = time.Now().UTC()
	return nil
}

func (s *memStore) UpdateScreenshot(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return err
	}
	p.MobileScreenshot = url
	return nil
}

func (s *memStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(id); err != nil {
		return err
	}
	delete(s.projects, id)
	return nil
}

func (s *memStore) ListProjectsByUser(_ context.Context, userID string) ([]*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Project
	for _, p := range s.projects {
		if p.UserID == userID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) ListStaleProjects(_ context.Context, statuses []ProjectStatus, cutoff time.Time) ([]*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Project
	for _, p := range s.projects {
		for _, st := range statuses {
			if p.Status == st && p.LastUpdated.Before(cutoff) {
				c := *p
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

// put inserts a project directly, bypassing the pipeline.
func (s *memStore) put(p *Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.projects[p.ID] = &c
}

// statusWrites returns the statuses written for id with consecutive
// repeats (progress notes) collapsed.
func (s *memStore) statusWrites(id string) []ProjectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ProjectStatus
	for _, st := range s.writes[id] {
		if len(out) > 0 && out[len(out)-1] == st {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *memStore) statusMessages(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages[id]...)
}

func (s *memStore) project(id string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

type commit struct {
	repoURL string
	files   []RepoFile
	message string
}

type fakeVCS struct {
	mu sync.Mutex

	createErrs []error
	created    []string
	existing   map[string]bool
	content    *RepositoryContent
	commits    []commit
	commitErr  error
	deleted    []string
	deleteErr  error
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{
		existing: make(map[string]bool),
		content: &RepositoryContent{
			Tree:  "repo/\n└── src/\n    └── App.tsx",
			Files: []RepoFile{{Path: "src/App.tsx", Content: "export default function App() {}\n"}},
		},
	}
}

func (v *fakeVCS) CreateFromTemplate(_ context.Context, _ TemplateRef, name string, _ bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.createErrs) > 0 {
		err := v.createErrs[0]
		v.createErrs = v.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	v.created = append(v.created, name)
	v.existing[name] = true
	return "https://github.com/acme/" + name, nil
}

func (v *fakeVCS) RepositoryExists(_ context.Context, name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.existing[name], nil
}

func (v *fakeVCS) FetchContent(_ context.Context, _ string) (*RepositoryContent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.content, nil
}

func (v *fakeVCS) CommitFiles(_ context.Context, repoURL, _ string, files []RepoFile, message string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.commitErr != nil {
		return v.commitErr
	}
	v.commits = append(v.commits, commit{repoURL: repoURL, files: files, message: message})
	return nil
}

func (v *fakeVCS) DeleteRepository(_ context.Context, owner, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.deleteErr != nil {
		return v.deleteErr
	}
	if !v.existing[name] {
		return NewNotFoundError("repository not found", nil).WithResource(owner + "/" + name)
	}
	delete(v.existing, name)
	v.deleted = append(v.deleted, owner+"/"+name)
	return nil
}

func (v *fakeVCS) commitCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.commits)
}

type fakeHosting struct {
	mu sync.Mutex

	createErr error
	projects  map[string]bool
	bound     []string

	// verify is consumed one answer per call; when empty verified is returned.
	verify    []bool
	verified  bool
	verifyN   int
	verifyErr error

	// deployments is consumed one status per call; the last one repeats.
	deployments []DeploymentStatus
	lookups     int

	deleteErr error
	deleted   []string
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{
		projects:    make(map[string]bool),
		verified:    true,
		deployments: []DeploymentStatus{{DeploymentID: "dpl_1", State: DeploymentStateReady}},
	}
}

func (h *fakeHosting) CreateProject(_ context.Context, name, _, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return "", h.createErr
	}
	id := "prj_" + name
	h.projects[id] = true
	return id, nil
}

func (h *fakeHosting) BindDomain(_ context.Context, _, prefix string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bound = append(h.bound, prefix)
	return nil
}

func (h *fakeHosting) VerifyDomain(_ context.Context, _, _ string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verifyN++
	if h.verifyErr != nil {
		return false, h.verifyErr
	}
	if len(h.verify) > 0 {
		v := h.verify[0]
		h.verify = h.verify[1:]
		return v, nil
	}
	return h.verified, nil
}

func (h *fakeHosting) LatestDeployment(_ context.Context, _ string) (*DeploymentStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookups++
	d := h.deployments[0]
	if len(h.deployments) > 1 {
		h.deployments = h.deployments[1:]
	}
	return &d, nil
}

func (h *fakeHosting) DeleteProject(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleteErr != nil {
		return h.deleteErr
	}
	if !h.projects[id] {
		return NewNotFoundError("hosting project not found", nil).WithResource(id)
	}
	delete(h.projects, id)
	h.deleted = append(h.deleted, id)
	return nil
}

type fakeDNS struct {
	mu        sync.Mutex
	records   map[string]string
	next      int
	deleteErr error
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{records: make(map[string]string)}
}

func (d *fakeDNS) CreateRecord(_ context.Context, prefix string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := fmt.Sprintf("rec_%d", d.next)
	d.records[id] = prefix
	return id, nil
}

func (d *fakeDNS) DeleteRecord(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	if _, ok := d.records[id]; !ok {
		return NewNotFoundError("record not found", nil).WithResource(id)
	}
	delete(d.records, id)
	return nil
}

// fakeGenerator returns its answers in order; the last one repeats.
type fakeGenerator struct {
	mu       sync.Mutex
	answers  []generatorAnswer
	requests []GenerationRequest
}

type generatorAnswer struct {
	set *ChangeSet
	err error
}

func (g *fakeGenerator) GenerateChanges(_ context.Context, req GenerationRequest) (*ChangeSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.answers) == 0 {
		return &ChangeSet{}, nil
	}
	a := g.answers[0]
	if len(g.answers) > 1 {
		g.answers = g.answers[1:]
	}
	return a.set, a.err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func fixSet(path string) *ChangeSet {
	return &ChangeSet{Changes: []FileChange{{
		Path:        path,
		Content:     "export default function App() { return null }\n",
		Description: "Return null from the root component",
	}}}
}

func noSleep(context.Context, time.Duration) error { return nil }

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}
