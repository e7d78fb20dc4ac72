package app

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

// renderConnections lays connections out as a table.
func renderConnections(conns []model.Connection) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(theme.BorderStyle).
		Headers("ID", "USER", "PROVIDER", "ACCOUNT", "STATUS", "LAST SYNC", "CURSOR").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.HeaderStyle
			}
			return theme.CellStyle
		})

	for i := range conns {
		c := &conns[i]
		status := theme.StatusStyle(c.Status).Render(string(c.Status))
		if c.Metadata.LastError != "" {
			status += " " + theme.ErrorStyle.Render(truncate(c.Metadata.LastError, 40))
		}
		t.Row(
			c.ID,
			c.UserID,
			theme.ProviderStyle(c.Provider).Render(string(c.Provider)),
			c.ProviderAccountID,
			status,
			formatSyncedAt(c.LastSyncedAt),
			cursorSummary(c),
		)
	}
	return t.Render()
}

func formatSyncedAt(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// cursorSummary describes how far a connection has synced.
func cursorSummary(c *model.Connection) string {
	switch c.Provider {
	case model.ProviderGmail:
		cur := c.GmailCursor()
		switch {
		case cur.BackfillPageToken != "":
			return "backfill (resuming)"
		case !cur.InitialSyncCompleted:
			return "backfill"
		default:
			return "history " + cur.HistoryID
		}
	case model.ProviderJMAP:
		cur := c.JMAPCursor()
		if cur.QueryState == "" {
			return "bootstrap"
		}
		return "state " + truncate(cur.QueryState, 16)
	}
	return "-"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// formatResult summarizes a finished pass on one line.
func formatResult(res *sync.Result) string {
	if res.Skipped {
		return fmt.Sprintf("Skipped %s: connection is not active", res.ConnectionID)
	}
	mode := ""
	switch {
	case res.MissingScope != "":
		mode = " (metadata only, missing " + res.MissingScope + ")"
	case res.MetadataOnly:
		mode = " (metadata only)"
	}
	return fmt.Sprintf("Synced %s (%s)%s: %d persisted, %d filtered, %d marked read, %d analysis jobs",
		res.ConnectionID, res.Provider, mode, res.Persisted, res.Filtered, res.MarkedRead, res.AnalysisJobs)
}
