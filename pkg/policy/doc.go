// Package policy audits change records with Open Policy Agent.
//
// Each policy is a Rego module whose deny set yields findings. An entry is
// either a string, used as the issue text, or an object:
//
//	deny contains finding if {
//		some perm in input.config.IpPermissions
//		perm.FromPort == 22
//		finding := {"issue": "SSH exposed", "notes": perm.GroupId, "score": 7}
//	}
//
// The input document holds technology, account, region, name, config,
// old_config and active of the record being audited.
//
// # Built-in policies
//
//   - sg-internet-accessible: security group ingress from 0.0.0.0/0 or ::/0
//     to a sensitive port or to all traffic
//   - iam-wildcard-action: inline role policy allowing "*" or "service:*"
//   - iam-trust-any-principal: role assumable by any principal
//   - s3-public-bucket: public ACL grant or wildcard principal bucket policy
//
// # Issue reconciliation
//
// After evaluation the Auditor compares the findings of a record with the
// open issues an IssueSource reports for the same item, matching on policy,
// issue and notes. Unmatched findings become ConfirmedNewIssues and set
// FoundNewIssue; matched ones become ConfirmedExistingIssues and keep their
// justification; stored issues no longer found become ConfirmedFixedIssues.
// When a policy fails to evaluate, its stored issues are carried over.
//
// # Loading
//
// Policies load from .rego files (named after the file, with an optional
// "# technologies: a, b" comment) and .json files holding one policy or a
// list. Auditor.Watch reloads them through fsnotify when files change;
// built-in policies survive every reload.
package policy
