package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type teardownFixture struct {
	store   *memStore
	vcs     *fakeVCS
	hosting *fakeHosting
	dns     *fakeDNS
	locker  *LocalLocker
	td      *Teardown
}

func newTeardownFixture() *teardownFixture {
	f := &teardownFixture{
		store:   newMemStore(),
		vcs:     newFakeVCS(),
		hosting: newFakeHosting(),
		dns:     newFakeDNS(),
		locker:  NewLocalLocker(),
	}
	f.td = NewTeardown(f.store, f.vcs, f.hosting, f.dns, f.locker, "acme", "lease:")
	return f
}

// provisioned inserts a deployed project whose external resources all exist.
func (f *teardownFixture) provisioned(id, name, userID string) {
	f.vcs.existing[name] = true
	f.hosting.projects["prj_"+name] = true
	f.dns.records["rec_"+name] = name
	f.store.put(&Project{
		ID:               id,
		Name:             name,
		UserID:           userID,
		Status:           ProjectStatusDeployed,
		HostingProjectID: "prj_" + name,
		DNSRecordID:      "rec_" + name,
		CreatedAt:        time.Now(),
	})
}

func TestTeardown_Project(t *testing.T) {
	f := newTeardownFixture()
	f.provisioned("p1", "todo", "u1")

	if err := f.td.Project(context.Background(), "p1", "u1"); err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if f.store.project("p1") != nil {
		t.Error("record should be deleted")
	}
	if len(f.hosting.deleted) != 1 || len(f.vcs.deleted) != 1 || len(f.dns.records) != 0 {
		t.Errorf("resources left: hosting=%v vcs=%v dns=%v", f.hosting.deleted, f.vcs.deleted, f.dns.records)
	}
	if f.vcs.deleted[0] != "acme/todo" {
		t.Errorf("deleted repository %q", f.vcs.deleted[0])
	}
}

func TestTeardown_MissingResourcesCountAsDeleted(t *testing.T) {
	f := newTeardownFixture()
	// Failed during hosting: only the repository exists and no handles were recorded.
	f.vcs.existing["half"] = true
	f.store.put(&Project{ID: "p1", Name: "half", UserID: "u1", Status: ProjectStatusFailed})

	if err := f.td.Project(context.Background(), "p1", "u1"); err != nil {
		t.Fatalf("Project() error = %v", err)
	}

	// A second teardown of resources already gone is still a success.
	f.store.put(&Project{ID: "p2", Name: "gone", UserID: "u1", Status: ProjectStatusFailed,
		HostingProjectID: "prj_gone", DNSRecordID: "rec_gone"})
	if err := f.td.Project(context.Background(), "p2", "u1"); err != nil {
		t.Fatalf("Project() on absent resources error = %v", err)
	}
	if f.store.project("p2") != nil {
		t.Error("record should be deleted")
	}
}

func TestTeardown_PartialFailureKeepsRecord(t *testing.T) {
	f := newTeardownFixture()
	f.provisioned("p1", "todo", "u1")
	f.dns.deleteErr = NewExternalServiceError(SystemDNS, "HTTP 500", nil)

	err := f.td.Project(context.Background(), "p1", "u1")
	if ErrorCode(err) != ErrCodeDeleteFailed {
		t.Fatalf("error = %v, want DELETE_FAILED", err)
	}
	if len(f.hosting.deleted) != 1 || len(f.vcs.deleted) != 1 {
		t.Error("other resources should still be deleted")
	}

	p := f.store.project("p1")
	if p == nil {
		t.Fatal("record should be kept")
	}
	if p.Status != ProjectStatusDeleted || !strings.Contains(p.Error, "delete_dns_record failed") {
		t.Errorf("project = %+v", p)
	}

	// Retrying after the DNS provider recovers completes the teardown.
	f.dns.deleteErr = nil
	if err := f.td.Project(context.Background(), "p1", "u1"); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if f.store.project("p1") != nil {
		t.Error("record should be deleted after retry")
	}
}

func TestTeardown_RetryKeepsNameReserved(t *testing.T) {
	f := newTeardownFixture()
	ctx := context.Background()
	f.provisioned("p-old", "app", "u1")
	f.dns.deleteErr = NewExternalServiceError(SystemDNS, "HTTP 500", nil)

	if err := f.td.Project(ctx, "p-old", "u1"); ErrorCode(err) != ErrCodeDeleteFailed {
		t.Fatalf("error = %v, want DELETE_FAILED", err)
	}

	// Another user asks for the same name while the old record is kept.
	name, err := NewNameResolver(f.store).Resolve(ctx, "app")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if name != "app-2" {
		t.Fatalf("Resolve() = %q, want app-2", name)
	}
	err = f.store.CreateProject(ctx, &Project{ID: "p-dup", Name: "app", UserID: "u2", Status: ProjectStatusCreating})
	if !IsAlreadyExists(err) {
		t.Fatalf("CreateProject() with the kept name = %v, want ALREADY_EXISTS", err)
	}
	f.provisioned("p-new", name, "u2")

	f.dns.deleteErr = nil
	if err := f.td.Project(ctx, "p-old", "u1"); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if len(f.vcs.deleted) != 1 || f.vcs.deleted[0] != "acme/app" {
		t.Errorf("deleted repositories = %v, want [acme/app]", f.vcs.deleted)
	}
	if !f.vcs.existing["app-2"] {
		t.Error("the new project's repository must survive the retry")
	}
	if p := f.store.project("p-new"); p == nil || p.Status != ProjectStatusDeployed {
		t.Errorf("new project = %+v", p)
	}
}

func TestTeardown_Ownership(t *testing.T) {
	f := newTeardownFixture()
	f.provisioned("p1", "todo", "u1")

	err := f.td.Project(context.Background(), "p1", "intruder")
	if !IsPermissionDenied(err) {
		t.Fatalf("error = %v, want PERMISSION_DENIED", err)
	}
	if f.store.project("p1").Status != ProjectStatusDeployed {
		t.Error("project must be untouched")
	}

	if err := f.td.Project(context.Background(), "missing", "u1"); !IsNotFound(err) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestTeardown_RefusesRunningPipeline(t *testing.T) {
	f := newTeardownFixture()
	f.store.put(&Project{ID: "p1", Name: "todo", UserID: "u1", Status: ProjectStatusCreating})

	lease, err := f.locker.Acquire(context.Background(), "lease:p1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.td.Project(context.Background(), "p1", "u1"); !IsLeaseHeld(err) {
		t.Errorf("error = %v, want LEASE_HELD", err)
	}
	_ = lease.Release(context.Background())

	f.store.put(&Project{ID: "p2", Name: "busy", UserID: "u1", Status: ProjectStatusDeploying})
	if err := f.td.Project(context.Background(), "p2", "u1"); !IsInvalidTransition(err) {
		t.Errorf("error = %v, want INVALID_TRANSITION", err)
	}
}

func TestTeardown_User(t *testing.T) {
	f := newTeardownFixture()
	_ = f.store.CreateUser(context.Background(), &User{ID: "u1", Email: "a@b.c"})
	f.provisioned("p1", "todo", "u1")
	f.provisioned("p2", "blog", "u1")
	f.provisioned("p3", "other", "u2")

	if err := f.td.User(context.Background(), "u1"); err != nil {
		t.Fatalf("User() error = %v", err)
	}
	if _, err := f.store.GetUser(context.Background(), "u1"); !IsNotFound(err) {
		t.Error("user should be deleted")
	}
	if f.store.project("p3") == nil {
		t.Error("other users' projects must survive")
	}

	if err := f.td.User(context.Background(), "u1"); ErrorCode(err) != ErrCodeUserNotFound {
		t.Errorf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestTeardown_UserKeptOnFailure(t *testing.T) {
	f := newTeardownFixture()
	_ = f.store.CreateUser(context.Background(), &User{ID: "u1"})
	f.provisioned("p1", "todo", "u1")
	f.vcs.deleteErr = errors.New("HTTP 502")

	if err := f.td.User(context.Background(), "u1"); ErrorCode(err) != ErrCodeDeleteFailed {
		t.Fatalf("error = %v", err)
	}
	if _, err := f.store.GetUser(context.Background(), "u1"); err != nil {
		t.Error("user should be kept when a project teardown fails")
	}
}

func TestCleanup(t *testing.T) {
	if got := CleanupNames("todo", 1, 3); strings.Join(got, ",") != "todo,todo-2,todo-3" {
		t.Errorf("CleanupNames() = %v", got)
	}

	f := newTeardownFixture()
	f.provisioned("p1", "todo", "u1")
	f.provisioned("p3", "todo-3", "u1")

	results := f.td.Cleanup(context.Background(), CleanupNames("todo", 1, 4), 2)
	if len(results) != 4 {
		t.Fatalf("results = %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("%s: %v", r.Name, r.Err)
		}
	}
	if results[0].Skipped || !results[1].Skipped || results[2].Skipped || !results[3].Skipped {
		t.Errorf("skip flags = %+v", results)
	}
	if f.store.project("p1") != nil || f.store.project("p3") != nil {
		t.Error("projects should be torn down")
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	first, err := l.Acquire(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "k"); !IsLeaseHeld(err) {
		t.Errorf("second Acquire() = %v, want LEASE_HELD", err)
	}
	if held, _ := l.Held(ctx, "k"); !held {
		t.Error("Held() should be true")
	}

	_ = first.Release(ctx)
	second, err := l.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire() after release = %v", err)
	}
	// A stale lease must not release its successor.
	_ = first.Release(ctx)
	if held, _ := l.Held(ctx, "k"); !held {
		t.Error("stale release freed the new lease")
	}
	_ = second.Release(ctx)
}

func TestSupervisor(t *testing.T) {
	s := NewSupervisor(context.Background(), zerolog.Nop())

	var mu sync.Mutex
	exits := map[string]error{}
	s.onExit = func(key string, err error) {
		mu.Lock()
		exits[key] = err
		mu.Unlock()
	}

	release := make(chan struct{})
	if err := s.Go("a", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Go("a", func(context.Context) error { return nil }); !IsConflict(err) {
		t.Errorf("duplicate Go() = %v, want conflict", err)
	}
	if err := s.Go("b", func(context.Context) error { panic("boom") }); err != nil {
		t.Fatal(err)
	}

	close(release)
	s.Wait()

	if len(s.Active()) != 0 {
		t.Errorf("Active() = %v", s.Active())
	}
	if exits["a"] != nil {
		t.Errorf("a exited with %v", exits["a"])
	}
	if ErrorCode(exits["b"]) != ErrCodePanic {
		t.Errorf("b exited with %v, want PIPELINE_PANIC", exits["b"])
	}
}

func TestSupervisor_ShutdownCancelsTasks(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	s := NewSupervisor(parent, zerolog.Nop())

	started := make(chan struct{})
	_ = s.Go("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	// Canceling the parent does not reach tasks.
	cancelParent()
	if !s.Running("long") {
		t.Fatal("task should survive parent cancellation")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestReaper_Sweep(t *testing.T) {
	store := newMemStore()
	locker := NewLocalLocker()
	old := time.Now().Add(-2 * time.Hour)

	store.put(&Project{ID: "stale", Name: "a", Status: ProjectStatusCreating, StatusMessage: "Repository created", LastUpdated: old})
	store.put(&Project{ID: "leased", Name: "b", Status: ProjectStatusDeploying, LastUpdated: old})
	store.put(&Project{ID: "fresh", Name: "c", Status: ProjectStatusCreating, LastUpdated: time.Now()})
	store.put(&Project{ID: "done", Name: "d", Status: ProjectStatusDeployed, LastUpdated: old})

	lease, _ := locker.Acquire(context.Background(), "lease:leased")
	defer func() { _ = lease.Release(context.Background()) }()

	r := NewReaper(store, locker, time.Hour, "lease:", zerolog.Nop())
	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}

	p := store.project("stale")
	if p.Status != ProjectStatusFailed || p.StatusMessage != "pipeline abandoned" {
		t.Errorf("stale project = %+v", p)
	}
	if !strings.Contains(p.Error, "[TIMEOUT] pipeline abandoned") || !strings.Contains(p.Error, "Repository created") {
		t.Errorf("error trace = %q", p.Error)
	}
	for _, id := range []string{"leased", "fresh", "done"} {
		if store.project(id).Status == ProjectStatusFailed {
			t.Errorf("%s should not be reaped", id)
		}
	}
}
