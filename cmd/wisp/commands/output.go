package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/usewisp/wisp/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProject(w io.Writer, p *engine.Project) error {
	if jsonOutput {
		return printJSON(w, p)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", label, value)
		}
	}
	row("ID", p.ID)
	row("Name", p.Name)
	row("Display name", p.DisplayName)
	row("Owner", p.UserID)
	row("Status", string(p.Status))
	row("Message", p.StatusMessage)
	row("Domain", p.CustomDomain)
	row("Hosting project", p.HostingProjectID)
	row("DNS record", p.DNSRecordID)
	row("Screenshot", p.MobileScreenshot)
	row("Created", p.CreatedAt.Format(time.RFC3339))
	row("Last updated", p.LastUpdated.Format(time.RFC3339))
	if p.DeployedAt != nil {
		row("Deployed", p.DeployedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if p.Error != "" {
		fmt.Fprintf(w, "\nError:\n  %s\n", strings.ReplaceAll(p.Error, "\n", "\n  "))
	}
	return nil
}

func printProjects(w io.Writer, projects []*engine.Project) error {
	if jsonOutput {
		if projects == nil {
			projects = []*engine.Project{}
		}
		return printJSON(w, projects)
	}
	if len(projects) == 0 {
		fmt.Fprintln(w, "No projects")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tDOMAIN\tUPDATED")
	for _, p := range projects {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Name, p.Status, p.CustomDomain, p.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

type cleanupRow struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

func printCleanup(w io.Writer, results []engine.CleanupResult) error {
	rows := make([]cleanupRow, 0, len(results))
	for _, r := range results {
		row := cleanupRow{Name: r.Name, ProjectID: r.ProjectID, Outcome: "deleted"}
		switch {
		case r.Skipped:
			row.Outcome = "skipped"
		case r.Err != nil:
			row.Outcome = "failed"
			row.Error = r.Err.Error()
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		return printJSON(w, rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROJECT\tOUTCOME\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.ProjectID, r.Outcome, r.Error)
	}
	return tw.Flush()
}
