package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/usewisp/wisp/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestUser(t *testing.T, store *SQLiteStore, id string) *engine.User {
	t.Helper()

	user := &engine.User{ID: id, FullName: "Test " + id, Email: id + "@example.com"}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func createTestProject(t *testing.T, store *SQLiteStore, id, name, userID string) *engine.Project {
	t.Helper()

	project := &engine.Project{
		ID:          id,
		Name:        name,
		DisplayName: name,
		Description: "a todo list",
		UserID:      userID,
		Status:      engine.ProjectStatusCreating,
		Private:     true,
	}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return project
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, _ := NewSQLiteStore(Config{Path: ":memory:"})
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("expected migrate to fail before Init")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"users", "projects"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	createTestUser(t, store, "user-1")
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, _ := NewSQLiteStore(Config{Path: path})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	var mode string
	if err := reopened.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal mode, got %s", mode)
	}

	if _, err := reopened.GetUser(ctx, "user-1"); err != nil {
		t.Errorf("user did not survive reopen: %v", err)
	}
}

// TestUserCRUD tests User CRUD operations
func TestUserCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "user-1")
	if user.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if got.Email != user.Email || got.FullName != user.FullName {
		t.Errorf("user mismatch: got %+v, want %+v", got, user)
	}

	dup := &engine.User{ID: "user-2", Email: user.Email}
	if err := store.CreateUser(ctx, dup); !engine.IsAlreadyExists(err) {
		t.Errorf("expected ALREADY_EXISTS for duplicate email, got %v", err)
	}

	if err := store.DeleteUser(ctx, "user-1"); err != nil {
		t.Fatalf("failed to delete user: %v", err)
	}
	if _, err := store.GetUser(ctx, "user-1"); engine.ErrorCode(err) != engine.ErrCodeUserNotFound {
		t.Errorf("expected USER_NOT_FOUND after delete, got %v", err)
	}
	if err := store.DeleteUser(ctx, "user-1"); engine.ErrorCode(err) != engine.ErrCodeUserNotFound {
		t.Errorf("expected USER_NOT_FOUND deleting twice, got %v", err)
	}
}

// TestProjectCRUD tests Project CRUD operations
func TestProjectCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	project := createTestProject(t, store, "proj-1", "todo-app", "user-1")

	got, err := store.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if got.Name != "todo-app" || got.UserID != "user-1" {
		t.Errorf("project mismatch: %+v", got)
	}
	if got.Status != engine.ProjectStatusCreating {
		t.Errorf("expected status creating, got %s", got.Status)
	}
	if !got.Private {
		t.Error("expected private to round-trip")
	}
	if got.DeployedAt != nil {
		t.Error("expected DeployedAt to be nil")
	}
	if !got.CreatedAt.Equal(project.CreatedAt.UTC()) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, project.CreatedAt)
	}

	byName, err := store.GetProjectByName(ctx, "todo-app")
	if err != nil {
		t.Fatalf("failed to get project by name: %v", err)
	}
	if byName.ID != "proj-1" {
		t.Errorf("expected proj-1, got %s", byName.ID)
	}

	if _, err := store.GetProject(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if _, err := store.GetProjectByName(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND by name, got %v", err)
	}

	if err := store.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	if err := store.DeleteProject(ctx, "proj-1"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND deleting twice, got %v", err)
	}
}

func TestCreateProjectUnknownUser(t *testing.T) {
	store := setupTestStore(t)

	err := store.CreateProject(context.Background(), &engine.Project{
		ID:     "proj-1",
		Name:   "orphan",
		UserID: "ghost",
		Status: engine.ProjectStatusCreating,
	})
	if engine.ErrorCode(err) != engine.ErrCodeUserNotFound {
		t.Errorf("expected USER_NOT_FOUND, got %v", err)
	}
}

func TestProjectNameUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestProject(t, store, "proj-1", "todo-app", "user-1")

	err := store.CreateProject(ctx, &engine.Project{
		ID:     "proj-2",
		Name:   "todo-app",
		UserID: "user-1",
		Status: engine.ProjectStatusCreating,
	})
	if !engine.IsAlreadyExists(err) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}

	// A record in status deleted still holds its name.
	if err := store.UpdateStatus(ctx, "proj-1", engine.StatusUpdate{Status: engine.ProjectStatusDeleted}); err != nil {
		t.Fatalf("failed to mark deleted: %v", err)
	}
	err = store.CreateProject(ctx, &engine.Project{
		ID:     "proj-2",
		Name:   "todo-app",
		UserID: "user-1",
		Status: engine.ProjectStatusCreating,
	})
	if !engine.IsAlreadyExists(err) {
		t.Fatalf("expected ALREADY_EXISTS while the deleted record exists, got %v", err)
	}

	// Removing the record releases the name.
	if err := store.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}
	createTestProject(t, store, "proj-2", "todo-app", "user-1")

	byName, err := store.GetProjectByName(ctx, "todo-app")
	if err != nil {
		t.Fatalf("failed to get by name: %v", err)
	}
	if byName.ID != "proj-2" {
		t.Errorf("expected proj-2, got %s", byName.ID)
	}
}

func TestConcurrentNameResolution(t *testing.T) {
	ctx := context.Background()

	// On disk, so the pool hands out several connections.
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "wisp.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	createTestUser(t, store, "user-1")

	const workers = 8
	resolver := engine.NewNameResolver(store)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   []string
		lost  int
		other []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			name, err := resolver.Resolve(ctx, "Shop")
			if err != nil {
				mu.Lock()
				other = append(other, err)
				mu.Unlock()
				return
			}
			err = store.CreateProject(ctx, &engine.Project{
				ID:     fmt.Sprintf("proj-%d", i),
				Name:   name,
				UserID: "user-1",
				Status: engine.ProjectStatusCreating,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, name)
			case engine.IsAlreadyExists(err):
				lost++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(won)+lost != workers {
		t.Fatalf("won %d + lost %d != %d", len(won), lost, workers)
	}
	if len(won) == 0 {
		t.Fatal("at least one insert must win")
	}

	seen := map[string]bool{}
	for _, name := range won {
		if seen[name] {
			t.Errorf("name %q persisted twice", name)
		}
		seen[name] = true
	}

	names, err := store.ListProjectNames(ctx, "shop")
	if err != nil {
		t.Fatalf("failed to list names: %v", err)
	}
	if len(names) != len(won) {
		t.Errorf("persisted names %v, winners %v", names, won)
	}
}

func TestDeletedRecordNameIsNotReused(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestUser(t, store, "user-2")
	createTestProject(t, store, "p-old", "app", "user-1")

	// An incomplete teardown leaves the record behind in status deleted.
	if err := store.UpdateStatus(ctx, "p-old", engine.StatusUpdate{
		Status: engine.ProjectStatusDeleted,
		Error:  "[DELETE_FAILED] teardown incomplete",
	}); err != nil {
		t.Fatalf("failed to mark deleted: %v", err)
	}

	name, err := engine.NewNameResolver(store).Resolve(ctx, "app")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if name != "app-2" {
		t.Fatalf("expected app-2 while the deleted record exists, got %s", name)
	}
	createTestProject(t, store, "p-new", name, "user-2")

	old, err := store.GetProjectByName(ctx, "app")
	if err != nil {
		t.Fatalf("failed to get by name: %v", err)
	}
	if old.ID != "p-old" {
		t.Errorf("app should still resolve to p-old, got %s", old.ID)
	}
}

func TestListProjectNames(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestProject(t, store, "p1", "todo-app", "user-1")
	createTestProject(t, store, "p2", "todo-app-2", "user-1")
	createTestProject(t, store, "p3", "todo-app-3", "user-1")
	createTestProject(t, store, "p4", "weather", "user-1")

	if err := store.UpdateStatus(ctx, "p3", engine.StatusUpdate{Status: engine.ProjectStatusDeleted}); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	// p3 is mid-teardown and keeps its name; p2 is gone.
	if err := store.DeleteProject(ctx, "p2"); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}

	names, err := store.ListProjectNames(ctx, "todo-app")
	if err != nil {
		t.Fatalf("failed to list names: %v", err)
	}
	want := []string{"todo-app", "todo-app-3"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	// Prefix matching is literal, not LIKE.
	names, err = store.ListProjectNames(ctx, "todo_app")
	if err != nil {
		t.Fatalf("failed to list names: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no names, got %v", names)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	project := createTestProject(t, store, "proj-1", "todo-app", "user-1")

	steps := []engine.StatusUpdate{
		{Status: engine.ProjectStatusCreating, Message: "Creating repository"},
		{Status: engine.ProjectStatusDeploying, Message: "Waiting for deployment"},
	}
	for _, step := range steps {
		if err := store.UpdateStatus(ctx, "proj-1", step); err != nil {
			t.Fatalf("update to %s failed: %v", step.Status, err)
		}
	}

	got, _ := store.GetProject(ctx, "proj-1")
	if got.StatusMessage != "Waiting for deployment" {
		t.Errorf("unexpected message %q", got.StatusMessage)
	}
	if got.LastUpdated.Before(project.LastUpdated) {
		t.Error("expected LastUpdated to move forward")
	}

	err := store.UpdateStatus(ctx, "proj-1", engine.StatusUpdate{Status: engine.ProjectStatusCreating})
	if !engine.IsInvalidTransition(err) {
		t.Errorf("expected INVALID_TRANSITION for deploying -> creating, got %v", err)
	}

	deployedAt := time.Now().UTC().Truncate(time.Second)
	err = store.UpdateStatus(ctx, "proj-1", engine.StatusUpdate{
		Status:     engine.ProjectStatusDeployed,
		Message:    "Deployment complete",
		DeployedAt: &deployedAt,
	})
	if err != nil {
		t.Fatalf("update to deployed failed: %v", err)
	}

	// A later write without DeployedAt keeps the recorded time.
	if err := store.UpdateStatus(ctx, "proj-1", engine.StatusUpdate{Status: engine.ProjectStatusDeleted, Error: "trace"}); err != nil {
		t.Fatalf("update to deleted failed: %v", err)
	}
	got, _ = store.GetProject(ctx, "proj-1")
	if got.DeployedAt == nil || !got.DeployedAt.Equal(deployedAt) {
		t.Errorf("expected DeployedAt %v, got %v", deployedAt, got.DeployedAt)
	}
	if got.Error != "trace" {
		t.Errorf("expected error trace, got %q", got.Error)
	}

	err = store.UpdateStatus(ctx, "proj-1", engine.StatusUpdate{Status: engine.ProjectStatusFailed})
	if !engine.IsInvalidTransition(err) {
		t.Errorf("expected INVALID_TRANSITION out of deleted, got %v", err)
	}

	if err := store.UpdateStatus(ctx, "missing", engine.StatusUpdate{Status: engine.ProjectStatusFailed}); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "proj-1", engine.StatusUpdate{Status: "bogus"}); !engine.IsValidation(err) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestUpdateDetailsKeepsExistingValues(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestProject(t, store, "proj-1", "todo-app", "user-1")

	hostingID := "prj_123"
	if err := store.UpdateDetails(ctx, "proj-1", engine.DetailsUpdate{HostingProjectID: &hostingID}); err != nil {
		t.Fatalf("failed to update details: %v", err)
	}

	empty := ""
	recordID := "rec_456"
	domain := "todo-app.usewisp.app"
	err := store.UpdateDetails(ctx, "proj-1", engine.DetailsUpdate{
		HostingProjectID: &empty,
		DNSRecordID:      &recordID,
		CustomDomain:     &domain,
	})
	if err != nil {
		t.Fatalf("failed to update details: %v", err)
	}

	got, _ := store.GetProject(ctx, "proj-1")
	if got.HostingProjectID != hostingID {
		t.Errorf("hosting id was cleared: %q", got.HostingProjectID)
	}
	if got.DNSRecordID != recordID || got.CustomDomain != domain {
		t.Errorf("details mismatch: %+v", got)
	}

	if err := store.UpdateDetails(ctx, "missing", engine.DetailsUpdate{}); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestUpdateScreenshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestProject(t, store, "proj-1", "todo-app", "user-1")

	url := "https://assets.usewisp.app/user-1/proj-1/screenshot.jpg"
	if err := store.UpdateScreenshot(ctx, "proj-1", url); err != nil {
		t.Fatalf("failed to update screenshot: %v", err)
	}
	got, _ := store.GetProject(ctx, "proj-1")
	if got.MobileScreenshot != url {
		t.Errorf("expected %s, got %s", url, got.MobileScreenshot)
	}

	if err := store.UpdateScreenshot(ctx, "missing", url); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestListProjectsByUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestUser(t, store, "user-2")

	base := time.Now().UTC().Add(-time.Hour)
	for i, name := range []string{"first", "second", "third"} {
		p := &engine.Project{
			ID:        "proj-" + name,
			Name:      name,
			UserID:    "user-1",
			Status:    engine.ProjectStatusCreating,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatalf("failed to create project: %v", err)
		}
	}
	createTestProject(t, store, "proj-other", "other", "user-2")

	projects, err := store.ListProjectsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("expected 3 projects, got %d", len(projects))
	}
	if projects[0].Name != "third" || projects[2].Name != "first" {
		t.Errorf("expected newest first, got %s..%s", projects[0].Name, projects[2].Name)
	}

	none, err := store.ListProjectsByUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", none)
	}
}

func TestListStaleProjects(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")

	old := time.Now().UTC().Add(-time.Hour)
	for _, p := range []*engine.Project{
		{ID: "stale-creating", Name: "a", Status: engine.ProjectStatusCreating},
		{ID: "stale-failed", Name: "b", Status: engine.ProjectStatusCreating},
		{ID: "fresh", Name: "c", Status: engine.ProjectStatusCreating},
	} {
		p.UserID = "user-1"
		p.CreatedAt = old
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatalf("failed to create project: %v", err)
		}
	}

	// UpdateStatus stamps last_updated with now.
	if err := store.UpdateStatus(ctx, "fresh", engine.StatusUpdate{Status: engine.ProjectStatusCreating}); err != nil {
		t.Fatalf("failed to touch project: %v", err)
	}

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	stale, err := store.ListStaleProjects(ctx, []engine.ProjectStatus{engine.ProjectStatusCreating, engine.ProjectStatusDeploying}, cutoff)
	if err != nil {
		t.Fatalf("failed to list stale projects: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale projects, got %d", len(stale))
	}
	for _, p := range stale {
		if p.ID == "fresh" {
			t.Error("fresh project reported as stale")
		}
	}

	stale, err = store.ListStaleProjects(ctx, []engine.ProjectStatus{engine.ProjectStatusDeployed}, cutoff)
	if err != nil {
		t.Fatalf("failed to list stale projects: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no deployed projects, got %d", len(stale))
	}

	stale, err = store.ListStaleProjects(ctx, nil, cutoff)
	if err != nil || len(stale) != 0 {
		t.Errorf("expected empty result for no statuses, got %v, %v", stale, err)
	}
}

// TestCascadeDelete tests that deleting a user removes their projects
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, store, "user-1")
	createTestUser(t, store, "user-2")
	createTestProject(t, store, "proj-1", "one", "user-1")
	createTestProject(t, store, "proj-2", "two", "user-1")
	createTestProject(t, store, "proj-3", "three", "user-2")

	if err := store.DeleteUser(ctx, "user-1"); err != nil {
		t.Fatalf("failed to delete user: %v", err)
	}

	for _, id := range []string{"proj-1", "proj-2"} {
		if _, err := store.GetProject(ctx, id); !engine.IsNotFound(err) {
			t.Errorf("expected %s to be cascaded, got %v", id, err)
		}
	}
	if _, err := store.GetProject(ctx, "proj-3"); err != nil {
		t.Errorf("other user's project was removed: %v", err)
	}
}
