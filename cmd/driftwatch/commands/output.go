package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

const timeLayout = "2006-01-02 15:04:05"

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a rounded table mirrored to w with highlighted headers.
func newTable(w io.Writer, headers ...string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)

	row := make(table.Row, len(headers))
	for i, h := range headers {
		row[i] = text.FgHiCyan.Sprint(strings.ToUpper(h))
	}
	t.AppendHeader(row)
	return t
}

func renderTable(w io.Writer, t table.Writer, count int, noun string) {
	if count == 0 {
		fmt.Fprintf(w, "%s\n", text.FgYellow.Sprintf("No %s found", noun))
		return
	}
	t.Render()
	fmt.Fprintf(w, "%s %s %s\n",
		text.FgHiBlue.Sprint("Total:"),
		text.FgHiWhite.Sprint(count),
		text.FgHiBlue.Sprint(noun))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// recordAudit writes an audit trail entry. Failures are logged; the edit it
// describes has already been committed.
func recordAudit(ctx context.Context, store stores.Store, action, target string, details map[string]interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: actor()}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}
