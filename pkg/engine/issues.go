package engine

// IssueFlags summarises the audit state of a set of change records.
type IssueFlags struct {
	HasIssues           bool `json:"has_issues"`
	HasNewIssue         bool `json:"has_new_issue"`
	HasUnjustifiedIssue bool `json:"has_unjustified_issue"`
}

// IssuesFound scans records in order. A new issue implies every flag, so the
// scan stops at the first record that found one.
func IssuesFound(records []*ChangeRecord) IssueFlags {
	var flags IssueFlags
	for _, rec := range records {
		if rec == nil || len(rec.AuditIssues) == 0 {
			continue
		}
		flags.HasIssues = true

		if rec.FoundNewIssue {
			flags.HasNewIssue = true
			flags.HasUnjustifiedIssue = true
			break
		}

		for _, issue := range rec.ConfirmedExistingIssues {
			if !issue.Justified {
				flags.HasUnjustifiedIssue = true
				break
			}
		}
	}
	return flags
}
