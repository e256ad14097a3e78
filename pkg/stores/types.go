package stores

import (
	"database/sql"
	"time"

	"github.com/usewisp/wisp/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const memoryPath = ":memory:"

var _ engine.Store = (*SQLiteStore)(nil)

const projectColumns = `
	id, name, display_name, description, user_id,
	hosting_project_id, dns_record_id, custom_domain,
	status, status_message, error, private, mobile_screenshot,
	created_at, last_updated, deployed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*engine.Project, error) {
	p := &engine.Project{}
	var status string
	var deployedAt sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.DisplayName,
		&p.Description,
		&p.UserID,
		&p.HostingProjectID,
		&p.DNSRecordID,
		&p.CustomDomain,
		&status,
		&p.StatusMessage,
		&p.Error,
		&p.Private,
		&p.MobileScreenshot,
		&p.CreatedAt,
		&p.LastUpdated,
		&deployedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = engine.ProjectStatus(status)
	if deployedAt.Valid {
		t := deployedAt.Time
		p.DeployedAt = &t
	}
	return p, nil
}

func scanProjects(rows *sql.Rows) ([]*engine.Project, error) {
	defer rows.Close()

	projects := []*engine.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return projects, nil
}
