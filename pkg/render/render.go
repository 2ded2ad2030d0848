// Package render turns change records and cycle reports into text, HTML or
// JSON. Text and HTML output use Go templates extended with the sprig
// function library; the HTML form is the body of a change notification.
package render

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// Output formats.
const (
	FormatText = "text"
	FormatHTML = "html"
	FormatJSON = "json"
)

// maxValueWidth truncates long values in diff lines.
const maxValueWidth = 120

// New returns the renderer for format. sep joins diff paths.
func New(format, sep string) (engine.Renderer, error) {
	switch format {
	case "", FormatText:
		return NewTextRenderer(sep), nil
	case FormatHTML:
		return NewHTMLRenderer(sep), nil
	case FormatJSON:
		return JSONRenderer{Separator: sep}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// recordView is the template data of one change record.
type recordView struct {
	Kind       string
	Location   string
	Technology string
	Account    string
	Region     string
	Name       string
	Issues     []issueView
	Fixed      []engine.AuditIssue
	Diff       []diffLine
	Config     string
}

type issueView struct {
	engine.AuditIssue
	New bool
}

type diffLine struct {
	Symbol string `json:"-"`
	Path   string `json:"path"`
	Action string `json:"action"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

func newRecordView(rec *engine.ChangeRecord, sep string) recordView {
	v := recordView{
		Kind:       rec.Kind(),
		Location:   rec.Location().String(),
		Technology: rec.Technology,
		Account:    rec.Account,
		Region:     rec.Region,
		Name:       rec.Name,
		Fixed:      rec.ConfirmedFixedIssues,
	}

	isNew := make(map[string]bool, len(rec.ConfirmedNewIssues))
	for _, i := range rec.ConfirmedNewIssues {
		isNew[i.Key()] = true
	}
	for _, i := range rec.AuditIssues {
		v.Issues = append(v.Issues, issueView{AuditIssue: i, New: isNew[i.Key()]})
	}
	sort.SliceStable(v.Issues, func(a, b int) bool { return v.Issues[a].Score > v.Issues[b].Score })

	switch v.Kind {
	case "created":
		v.Config = pretty(rec.NewConfig)
	case "deleted":
		v.Config = pretty(rec.OldConfig)
	default:
		v.Diff = diffLines(rec.Diff(), sep)
	}
	return v
}

func diffLines(changes []confval.Change, sep string) []diffLine {
	out := make([]diffLine, 0, len(changes))
	for _, c := range changes {
		line := diffLine{
			Path:   c.PathString(sep),
			Action: string(c.Action),
			Before: clip(c.Before.String()),
			After:  clip(c.After.String()),
		}
		switch c.Action {
		case confval.ChangeAdded:
			line.Symbol = "+"
			line.Before = ""
		case confval.ChangeRemoved:
			line.Symbol = "-"
			line.After = ""
		default:
			line.Symbol = "~"
		}
		out = append(out, line)
	}
	return out
}

func clip(s string) string {
	if len(s) <= maxValueWidth {
		return s
	}
	return s[:maxValueWidth-3] + "..."
}

func pretty(v confval.Value) string {
	if v.IsNull() {
		return ""
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return v.String()
	}
	return string(data)
}

// reportView is the template data of a cycle report.
type reportView struct {
	*engine.CycleReport
	Records []recordView
}

func newReportView(r *engine.CycleReport, sep string) reportView {
	view := reportView{CycleReport: r}
	for _, group := range [][]*engine.ChangeRecord{r.Created, r.Deleted, r.Changed} {
		for _, rec := range group {
			view.Records = append(view.Records, newRecordView(rec, sep))
		}
	}
	return view
}

func textFuncs() texttemplate.FuncMap {
	return sprig.TxtFuncMap()
}

func htmlFuncs() htmltemplate.FuncMap {
	return sprig.HtmlFuncMap()
}

// TextRenderer renders plain-text change summaries.
type TextRenderer struct {
	Separator string
	tmpl      *texttemplate.Template
}

// NewTextRenderer creates a text renderer.
func NewTextRenderer(sep string) *TextRenderer {
	return &TextRenderer{
		Separator: sep,
		tmpl:      texttemplate.Must(texttemplate.New("text").Funcs(textFuncs()).Parse(textTemplates)),
	}
}

// Render writes one record.
func (r *TextRenderer) Render(w io.Writer, rec *engine.ChangeRecord) error {
	return r.tmpl.ExecuteTemplate(w, "record", newRecordView(rec, r.Separator))
}

// RenderReport writes a cycle summary followed by every record.
func (r *TextRenderer) RenderReport(w io.Writer, report *engine.CycleReport) error {
	return r.tmpl.ExecuteTemplate(w, "report", newReportView(report, r.Separator))
}

// HTMLRenderer renders the HTML change notification.
type HTMLRenderer struct {
	Separator string
	tmpl      *htmltemplate.Template
}

// NewHTMLRenderer creates an HTML renderer.
func NewHTMLRenderer(sep string) *HTMLRenderer {
	return &HTMLRenderer{
		Separator: sep,
		tmpl:      htmltemplate.Must(htmltemplate.New("html").Funcs(htmlFuncs()).Parse(htmlTemplates)),
	}
}

// Render writes one record as an HTML fragment.
func (r *HTMLRenderer) Render(w io.Writer, rec *engine.ChangeRecord) error {
	return r.tmpl.ExecuteTemplate(w, "record", newRecordView(rec, r.Separator))
}

// RenderReport writes a complete HTML document for a cycle.
func (r *HTMLRenderer) RenderReport(w io.Writer, report *engine.CycleReport) error {
	return r.tmpl.ExecuteTemplate(w, "report", newReportView(report, r.Separator))
}

// JSONRenderer writes records and reports as indented JSON.
type JSONRenderer struct {
	Separator string
}

type jsonRecord struct {
	*engine.ChangeRecord
	Kind string     `json:"kind"`
	Diff []diffLine `json:"diff,omitempty"`
}

func (r JSONRenderer) record(rec *engine.ChangeRecord) jsonRecord {
	out := jsonRecord{ChangeRecord: rec, Kind: rec.Kind()}
	if out.Kind == "modified" {
		out.Diff = diffLines(rec.Diff(), r.Separator)
	}
	return out
}

// Render writes one record.
func (r JSONRenderer) Render(w io.Writer, rec *engine.ChangeRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.record(rec))
}

// RenderReport writes the cycle report.
func (r JSONRenderer) RenderReport(w io.Writer, report *engine.CycleReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// ReportRenderer renders whole cycle reports.
type ReportRenderer interface {
	RenderReport(w io.Writer, report *engine.CycleReport) error
}

// RenderReport renders report in format.
func RenderReport(w io.Writer, format, sep string, report *engine.CycleReport) error {
	r, err := New(format, sep)
	if err != nil {
		return err
	}
	rr, ok := r.(ReportRenderer)
	if !ok {
		return fmt.Errorf("format %s cannot render reports", format)
	}
	return rr.RenderReport(w, report)
}

// Summary is a one-line description of a report, used in logs and tables.
func Summary(r *engine.CycleReport) string {
	parts := []string{
		fmt.Sprintf("%d created", len(r.Created)),
		fmt.Sprintf("%d deleted", len(r.Deleted)),
		fmt.Sprintf("%d changed", len(r.Changed)),
	}
	if len(r.Ephemeral) > 0 {
		parts = append(parts, fmt.Sprintf("%d ephemeral", len(r.Ephemeral)))
	}
	if len(r.Exceptions) > 0 {
		parts = append(parts, fmt.Sprintf("%d exceptions", len(r.Exceptions)))
	}
	return strings.Join(parts, ", ")
}
