package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/usewisp/wisp/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own empty database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func storeError(code, operation, resource, message string, err error) *engine.EngineError {
	return engine.NewPermanentError(message, err).
		WithCode(code).
		WithOperation(operation).
		WithResource(resource)
}

func projectNotFound(operation, id string) *engine.EngineError {
	return engine.NewNotFoundError(fmt.Sprintf("project %q not found", id), nil).
		WithOperation(operation).
		WithResource(id)
}

// checkAffected turns an update that matched no row into NOT_FOUND.
func checkAffected(result sql.Result, operation, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return storeError(engine.ErrCodeUpdateFailed, operation, id, "failed to get rows affected", err)
	}
	if rows == 0 {
		return projectNotFound(operation, id)
	}
	return nil
}

// CreateUser inserts a user. A duplicate id or email fails with ALREADY_EXISTS.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *engine.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO users (id, full_name, email, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, user.ID, user.FullName, user.Email, user.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewAlreadyExistsError("user already exists", err).
				WithOperation("create_user").
				WithResource(user.ID).
				WithDetail("email", user.Email)
		}
		return storeError(engine.ErrCodeCreateFailed, "create_user", user.ID, "failed to create user", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*engine.User, error) {
	query := `SELECT id, full_name, email, created_at FROM users WHERE id = ?`

	u := &engine.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.FullName, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewUserNotFoundError(id).WithOperation("get_user")
	}
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "get_user", id, "failed to get user", err)
	}
	return u, nil
}

// DeleteUser removes a user; remaining project rows go with it.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return storeError(engine.ErrCodeDeleteFailed, "delete_user", id, "failed to delete user", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeError(engine.ErrCodeDeleteFailed, "delete_user", id, "failed to get rows affected", err)
	}
	if rows == 0 {
		return engine.NewUserNotFoundError(id).WithOperation("delete_user")
	}
	return nil
}

// CreateProject inserts a project. A name already used by any project record
// fails with ALREADY_EXISTS.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *engine.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = p.CreatedAt
	}

	query := `INSERT INTO projects (` + projectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.DisplayName,
		p.Description,
		p.UserID,
		p.HostingProjectID,
		p.DNSRecordID,
		p.CustomDomain,
		string(p.Status),
		p.StatusMessage,
		p.Error,
		p.Private,
		p.MobileScreenshot,
		p.CreatedAt.UTC(),
		p.LastUpdated.UTC(),
		nullTime(p.DeployedAt),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return engine.NewAlreadyExistsError(fmt.Sprintf("project name %q is taken", p.Name), err).
				WithOperation("create_project").
				WithResource(p.Name)
		case isForeignKeyViolation(err):
			return engine.NewUserNotFoundError(p.UserID).WithOperation("create_project")
		}
		return storeError(engine.ErrCodeCreateFailed, "create_project", p.ID, "failed to create project", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`

	p, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, projectNotFound("get_project", id)
	}
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "get_project", id, "failed to get project", err)
	}
	return p, nil
}

// GetProjectByName retrieves a project by name.
func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*engine.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE name = ?`

	p, err := scanProject(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("project %q not found", name), nil).
			WithOperation("get_project_by_name").
			WithResource(name)
	}
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "get_project_by_name", name, "failed to get project", err)
	}
	return p, nil
}

// ListProjectNames returns the names of all project records starting with
// prefix. Records in status deleted are included: their teardown has not
// finished and their names are still taken.
func (s *SQLiteStore) ListProjectNames(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT name FROM projects
		WHERE substr(name, 1, length(?)) = ?
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "list_project_names", prefix, "failed to list project names", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeError(engine.ErrCodeFetchFailed, "list_project_names", prefix, "failed to scan name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "list_project_names", prefix, "error iterating names", err)
	}
	return names, nil
}

// UpdateStatus writes a status transition. The current status is read and
// checked against the state machine inside one immediate transaction.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, update engine.StatusUpdate) error {
	const op = "update_status"
	if err := update.Status.Validate(); err != nil {
		return engine.NewValidationError("invalid status", err).WithOperation(op).WithResource(id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(engine.ErrCodeUpdateFailed, op, id, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM projects WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return projectNotFound(op, id)
	}
	if err != nil {
		return storeError(engine.ErrCodeUpdateFailed, op, id, "failed to read status", err)
	}

	from := engine.ProjectStatus(current)
	if !from.CanTransitionTo(update.Status) {
		return engine.NewInvalidTransitionError(from, update.Status).
			WithOperation(op).
			WithResource(id)
	}

	query := `
		UPDATE projects
		SET status = ?, status_message = ?, error = ?, last_updated = ?,
			deployed_at = COALESCE(?, deployed_at)
		WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		string(update.Status),
		update.Message,
		update.Error,
		time.Now().UTC(),
		nullTime(update.DeployedAt),
		id,
	)
	if err != nil {
		return storeError(engine.ErrCodeUpdateFailed, op, id, "failed to update status", err)
	}
	if err := checkAffected(result, op, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeError(engine.ErrCodeUpdateFailed, op, id, "failed to commit status", err)
	}
	return nil
}

// UpdateDetails records external handles. Nil fields and empty values leave
// the stored value untouched.
func (s *SQLiteStore) UpdateDetails(ctx context.Context, id string, update engine.DetailsUpdate) error {
	const op = "update_details"

	sets := []string{}
	args := []interface{}{}
	add := func(column string, value *string) {
		if value != nil && *value != "" {
			sets = append(sets, column+" = ?")
			args = append(args, *value)
		}
	}
	add("hosting_project_id", update.HostingProjectID)
	add("dns_record_id", update.DNSRecordID)
	add("custom_domain", update.CustomDomain)
	sets = append(sets, "last_updated = ?")
	args = append(args, time.Now().UTC(), id)

	query := `UPDATE projects SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError(engine.ErrCodeUpdateFailed, op, id, "failed to update details", err)
	}
	return checkAffected(result, op, id)
}

// UpdateScreenshot records the screenshot URL.
func (s *SQLiteStore) UpdateScreenshot(ctx context.Context, id, url string) error {
	const op = "update_screenshot"

	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET mobile_screenshot = ? WHERE id = ?`, url, id)
	if err != nil {
		return storeError(engine.ErrCodeUpdateFailed, op, id, "failed to update screenshot", err)
	}
	return checkAffected(result, op, id)
}

// DeleteProject removes a project record.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	const op = "delete_project"

	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return storeError(engine.ErrCodeDeleteFailed, op, id, "failed to delete project", err)
	}
	return checkAffected(result, op, id)
}

// ListProjectsByUser returns a user's projects, newest first.
func (s *SQLiteStore) ListProjectsByUser(ctx context.Context, userID string) ([]*engine.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "list_projects_by_user", userID, "failed to list projects", err)
	}
	projects, err := scanProjects(rows)
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "list_projects_by_user", userID, "failed to scan projects", err)
	}
	return projects, nil
}

// ListStaleProjects returns projects in one of statuses whose last update is
// older than cutoff, oldest first.
func (s *SQLiteStore) ListStaleProjects(ctx context.Context, statuses []engine.ProjectStatus, cutoff time.Time) ([]*engine.Project, error) {
	if len(statuses) == 0 {
		return []*engine.Project{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, cutoff.UTC())

	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE status IN (` + strings.Join(placeholders, ", ") + `) AND last_updated < ?
		ORDER BY last_updated`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "list_stale_projects", "", "failed to list stale projects", err)
	}
	projects, err := scanProjects(rows)
	if err != nil {
		return nil, storeError(engine.ErrCodeFetchFailed, "list_stale_projects", "", "failed to scan projects", err)
	}
	return projects, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
