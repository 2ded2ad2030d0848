package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		securityGroupInternetPolicy(),
		iamWildcardActionPolicy(),
		iamTrustAnyPrincipalPolicy(),
		s3PublicBucketPolicy(),
	}
}

func builtin(name, description string, technologies []string, tags []string, rego string) Policy {
	return Policy{
		Name:         name,
		Description:  description,
		Rego:         rego,
		Technologies: technologies,
		Enabled:      true,
		Builtin:      true,
		Tags:         tags,
	}
}

// securityGroupInternetPolicy flags ingress from anywhere to ports that
// should never face the internet.
func securityGroupInternetPolicy() Policy {
	return builtin(
		"sg-internet-accessible",
		"Security group allows ingress from 0.0.0.0/0 or ::/0 to a sensitive port or to all traffic",
		[]string{"securitygroup"},
		[]string{"network", "exposure"},
		`package driftwatch.builtin.securitygroup

sensitive_ports := {22, 23, 1433, 3306, 3389, 5432, 6379, 9200, 11211, 27017}

world_sources(perm) := {r.CidrIp | some r in perm.IpRanges; r.CidrIp == "0.0.0.0/0"} | {r.CidrIpv6 | some r in perm.Ipv6Ranges; r.CidrIpv6 == "::/0"}

deny contains finding if {
	input.active
	some perm in input.config.IpPermissions
	perm.IpProtocol == "-1"
	some source in world_sources(perm)
	finding := {
		"issue": "Security group allows all traffic from the internet",
		"notes": sprintf("all ports open to %s", [source]),
		"score": 10,
	}
}

deny contains finding if {
	input.active
	some perm in input.config.IpPermissions
	perm.IpProtocol != "-1"
	some source in world_sources(perm)
	some port in sensitive_ports
	perm.FromPort <= port
	port <= perm.ToPort
	finding := {
		"issue": "Security group allows internet access to a sensitive port",
		"notes": sprintf("%v/%v open to %s", [perm.IpProtocol, port, source]),
		"score": 10,
	}
}
`)
}

// iamWildcardActionPolicy flags inline policies allowing every action of a
// service or of every service.
func iamWildcardActionPolicy() Policy {
	return builtin(
		"iam-wildcard-action",
		"IAM role inline policy allows a wildcard action",
		[]string{"iamrole"},
		[]string{"iam", "least-privilege"},
		`package driftwatch.builtin.iamwildcard

as_array(x) := x if is_array(x)

as_array(x) := [x] if not is_array(x)

score(action) := 10 if action == "*"

score(action) := 5 if {
	action != "*"
	endswith(action, ":*")
}

deny contains finding if {
	input.active
	some name, doc in input.config.InlinePolicies
	some stmt in as_array(doc.Statement)
	stmt.Effect == "Allow"
	some action in as_array(stmt.Action)
	s := score(action)
	finding := {
		"issue": "Inline policy allows a wildcard action",
		"notes": sprintf("%s: %s", [name, action]),
		"score": s,
	}
}
`)
}

// iamTrustAnyPrincipalPolicy flags roles any AWS principal may assume.
func iamTrustAnyPrincipalPolicy() Policy {
	return builtin(
		"iam-trust-any-principal",
		"IAM role trust policy allows any principal to assume the role without a condition",
		[]string{"iamrole"},
		[]string{"iam", "exposure"},
		`package driftwatch.builtin.iamtrust

as_array(x) := x if is_array(x)

as_array(x) := [x] if not is_array(x)

open_principal(p) if p == "*"

open_principal(p) if "*" in as_array(p.AWS)

deny contains finding if {
	input.active
	some stmt in as_array(input.config.AssumeRolePolicyDocument.Statement)
	stmt.Effect == "Allow"
	open_principal(stmt.Principal)
	not stmt.Condition
	finding := {
		"issue": "Role can be assumed by any principal",
		"notes": "AssumeRolePolicyDocument",
		"score": 10,
	}
}
`)
}

// s3PublicBucketPolicy flags buckets readable or writable by everyone.
func s3PublicBucketPolicy() Policy {
	return builtin(
		"s3-public-bucket",
		"S3 bucket ACL grants a public group or the bucket policy allows any principal",
		[]string{"s3"},
		[]string{"storage", "exposure"},
		`package driftwatch.builtin.s3public

public_groups := {
	"http://acs.amazonaws.com/groups/global/AllUsers": "AllUsers",
	"http://acs.amazonaws.com/groups/global/AuthenticatedUsers": "AuthenticatedUsers",
}

as_array(x) := x if is_array(x)

as_array(x) := [x] if not is_array(x)

open_principal(p) if p == "*"

open_principal(p) if "*" in as_array(p.AWS)

grant_score("FULL_CONTROL") := 10

grant_score("WRITE") := 10

grant_score("WRITE_ACP") := 10

grant_score("READ") := 5

grant_score("READ_ACP") := 5

deny contains finding if {
	input.active
	some grant in input.config.Grants
	group := public_groups[grant.Grantee.URI]
	s := grant_score(grant.Permission)
	finding := {
		"issue": "Bucket ACL grants access to a public group",
		"notes": sprintf("%s:%s", [group, grant.Permission]),
		"score": s,
	}
}

deny contains finding if {
	input.active
	some stmt in as_array(input.config.Policy.Statement)
	stmt.Effect == "Allow"
	open_principal(stmt.Principal)
	not stmt.Condition
	finding := {
		"issue": "Bucket policy allows any principal",
		"notes": sprintf("%v", [stmt.Action]),
		"score": 10,
	}
}
`)
}
