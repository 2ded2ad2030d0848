package render

const textTemplates = `
{{- define "issue" -}}
[{{ .Policy }}] {{ .Issue }}{{ with .Notes }} ({{ . }}){{ end }} score={{ .Score }}
{{- if .New }} NEW{{ end }}
{{- if .Justified }} justified by {{ .JustifiedBy | default "unknown" }}{{ with .Justification }}: {{ . }}{{ end }}{{ end }}
{{- end -}}

{{- define "record" -}}
[{{ .Kind }}] {{ .Location }}
{{- if .Issues }}
  issues:
{{- range .Issues }}
    {{ if .New }}+{{ else if .Justified }}~{{ else }}!{{ end }} {{ template "issue" . }}
{{- end }}
{{- end }}
{{- if .Fixed }}
  fixed:
{{- range .Fixed }}
    - [{{ .Policy }}] {{ .Issue }}{{ with .Notes }} ({{ . }}){{ end }}
{{- end }}
{{- end }}
{{- if .Diff }}
  diff:
{{- range .Diff }}
    {{ .Symbol }} {{ .Path }}: {{ if eq .Action "modified" }}{{ .Before }} -> {{ .After }}{{ else if eq .Action "added" }}{{ .After }}{{ else }}{{ .Before }}{{ end }}
{{- end }}
{{- else if .Config }}
  config:
{{ .Config | indent 4 }}
{{- end }}
{{ end -}}

{{- define "report" -}}
cycle {{ .ID | trunc 8 }} {{ .Technology }} {{ .Status }} in {{ .Duration }}
accounts: {{ join ", " .Accounts }}
started: {{ .StartedAt | date "2006-01-02 15:04:05 MST" }}
items: {{ .ItemsFetched }} fetched, {{ len .Created }} created, {{ len .Deleted }} deleted, {{ len .Changed }} changed, {{ len .Ephemeral }} ephemeral
{{- if .HonorEphemerals }} (ephemeral paths skipped){{ end }}
{{- if .Flags.HasNewIssue }}
new audit issues found
{{- else if .Flags.HasUnjustifiedIssue }}
unjustified audit issues present
{{- end }}
{{- with .Error }}
error: {{ . }}
{{- end }}
{{- if .Exceptions }}
exceptions:
{{- range .Exceptions }}
  - {{ .Location.Scope }} {{ .Location }} [{{ .Class }}]: {{ .Message }}
{{- end }}
{{- end }}
{{- range .Records }}

{{ template "record" . }}
{{- end }}
{{ end -}}
`

const htmlTemplates = `
{{- define "issues" -}}
{{- if .Issues }}
<table class="issues">
  <tr><th>Policy</th><th>Issue</th><th>Notes</th><th>Score</th><th>Status</th></tr>
  {{- range .Issues }}
  <tr{{ if .New }} class="new"{{ end }}>
    <td>{{ .Policy }}</td><td>{{ .Issue }}</td><td>{{ .Notes }}</td><td>{{ .Score }}</td>
    <td>{{ if .New }}new{{ else if .Justified }}justified by {{ .JustifiedBy | default "unknown" }}{{ else }}open{{ end }}</td>
  </tr>
  {{- end }}
</table>
{{- end }}
{{- if .Fixed }}
<p>Fixed:</p>
<ul class="fixed">
  {{- range .Fixed }}
  <li>{{ .Policy }}: {{ .Issue }}{{ with .Notes }} ({{ . }}){{ end }}</li>
  {{- end }}
</ul>
{{- end }}
{{- end -}}

{{- define "record" -}}
<div class="record {{ .Kind }}">
<h3>{{ .Kind | title }}: {{ .Name }}</h3>
<table class="location">
  <tr><th>Technology</th><td>{{ .Technology }}</td></tr>
  <tr><th>Account</th><td>{{ .Account }}</td></tr>
  <tr><th>Region</th><td>{{ .Region }}</td></tr>
  <tr><th>Name</th><td>{{ .Name }}</td></tr>
</table>
{{ template "issues" . }}
{{- if .Diff }}
<table class="diff">
  <tr><th></th><th>Path</th><th>Before</th><th>After</th></tr>
  {{- range .Diff }}
  <tr class="{{ .Action }}"><td>{{ .Symbol }}</td><td><code>{{ .Path }}</code></td><td><code>{{ .Before }}</code></td><td><code>{{ .After }}</code></td></tr>
  {{- end }}
</table>
{{- else if .Config }}
<pre>{{ .Config }}</pre>
{{- end }}
</div>
{{- end -}}

{{- define "report" -}}
<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>driftwatch: {{ .Technology }} changes</title>
<style>
  body { font-family: sans-serif; }
  table { border-collapse: collapse; margin-bottom: 1em; }
  th, td { border: 1px solid #ccc; padding: 2px 6px; text-align: left; }
  tr.new, tr.added { background: #e6ffed; }
  tr.removed { background: #ffeef0; }
  tr.modified { background: #fff5b1; }
</style>
</head>
<body>
<h2>{{ .Technology }} cycle {{ .ID | trunc 8 }}: {{ .Status }}</h2>
<p>Accounts: {{ join ", " .Accounts }}. Started {{ .StartedAt | date "2006-01-02 15:04:05 MST" }}, took {{ .Duration }}.</p>
<p>{{ .ItemsFetched }} items fetched: {{ len .Created }} created, {{ len .Deleted }} deleted, {{ len .Changed }} changed.</p>
{{- if .Flags.HasNewIssue }}
<p class="alert">New audit issues were found.</p>
{{- end }}
{{- if .Exceptions }}
<h3>Exceptions</h3>
<ul>
  {{- range .Exceptions }}
  <li>{{ .Location }} [{{ .Class }}]: {{ .Message }}</li>
  {{- end }}
</ul>
{{- end }}
{{- range .Records }}
{{ template "record" . }}
{{- end }}
</body>
</html>
{{ end -}}
`
