package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"golang.org/x/sync/errgroup"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// fetchRoles lists the IAM roles of an account with their inline and
// attached policies. Roles are named after the role name.
func (p *Producer) fetchRoles(ctx context.Context, acct config.AccountConfig) (*engine.FetchResult, error) {
	scope := engine.RegionScope(p.technology, acct.Name, engine.UniversalRegion)

	client, err := p.clients.IAM(ctx, acct)
	if err != nil {
		return nil, &engine.FetchError{Location: scope, Err: err}
	}

	var roles []iamtypes.Role
	paginator := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListRoles", scope, err)
		}
		roles = append(roles, page.Roles...)
	}

	var (
		mu  sync.Mutex
		res = &engine.FetchResult{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, role := range roles {
		g.Go(func() error {
			name := aws.ToString(role.RoleName)
			cfg, err := p.describeRole(gctx, client, role)
			loc := p.itemScope(acct.Name, engine.UniversalRegion, name)
			if err != nil && (IsThrottling(err) || gctx.Err() != nil) {
				// Throttling fails the fetch so the account is retried.
				return wrapError("DescribeRole", scope, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures = append(res.Failures, engine.FetchFailure{
					Location: loc,
					Err:      wrapError("DescribeRole", loc, err),
				})
				return nil
			}
			res.Items = append(res.Items, engine.ResourceItem{
				Technology: p.technology,
				Account:    acct.Name,
				Region:     engine.UniversalRegion,
				Name:       name,
				Config:     cfg,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortItems(res.Items)
	return res, nil
}

// describeRole reads the details of one role that ListRoles leaves out.
func (p *Producer) describeRole(ctx context.Context, client IAMAPI, role iamtypes.Role) (confval.Value, error) {
	name := role.RoleName

	got, err := client.GetRole(ctx, &iam.GetRoleInput{RoleName: name})
	if err != nil {
		return confval.Value{}, err
	}
	if got.Role != nil {
		role = *got.Role
	}

	m := map[string]interface{}{}
	putString(m, "RoleName", role.RoleName)
	putString(m, "RoleId", role.RoleId)
	putString(m, "Arn", role.Arn)
	putString(m, "Path", role.Path)
	putString(m, "Description", role.Description)
	if role.CreateDate != nil {
		m["CreateDate"] = role.CreateDate.UTC().Format("2006-01-02T15:04:05Z")
	}
	if role.MaxSessionDuration != nil {
		m["MaxSessionDuration"] = *role.MaxSessionDuration
	}
	if role.PermissionsBoundary != nil {
		m["PermissionsBoundary"] = aws.ToString(role.PermissionsBoundary.PermissionsBoundaryArn)
	}
	if role.RoleLastUsed != nil {
		last := map[string]interface{}{}
		putString(last, "Region", role.RoleLastUsed.Region)
		if role.RoleLastUsed.LastUsedDate != nil {
			last["LastUsedDate"] = role.RoleLastUsed.LastUsedDate.UTC().Format("2006-01-02T15:04:05Z")
		}
		m["RoleLastUsed"] = last
	}
	if tags := tagMap(role.Tags, func(t iamtypes.Tag) (*string, *string) { return t.Key, t.Value }); tags != nil {
		m["Tags"] = tags
	}

	if role.AssumeRolePolicyDocument != nil {
		doc, err := decodePolicyDocument(*role.AssumeRolePolicyDocument)
		if err != nil {
			return confval.Value{}, fmt.Errorf("trust policy: %w", err)
		}
		m["AssumeRolePolicyDocument"] = doc
	}

	inline := map[string]interface{}{}
	inlinePager := iam.NewListRolePoliciesPaginator(client, &iam.ListRolePoliciesInput{RoleName: name})
	for inlinePager.HasMorePages() {
		page, err := inlinePager.NextPage(ctx)
		if err != nil {
			return confval.Value{}, err
		}
		for _, policyName := range page.PolicyNames {
			out, err := client.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
				RoleName:   name,
				PolicyName: aws.String(policyName),
			})
			if err != nil {
				return confval.Value{}, err
			}
			doc, err := decodePolicyDocument(aws.ToString(out.PolicyDocument))
			if err != nil {
				return confval.Value{}, fmt.Errorf("inline policy %s: %w", policyName, err)
			}
			inline[policyName] = doc
		}
	}
	m["InlinePolicies"] = inline

	var attached []string
	attachedPager := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{RoleName: name})
	for attachedPager.HasMorePages() {
		page, err := attachedPager.NextPage(ctx)
		if err != nil {
			return confval.Value{}, err
		}
		for _, ap := range page.AttachedPolicies {
			attached = append(attached, aws.ToString(ap.PolicyArn))
		}
	}
	sort.Strings(attached)
	list := make([]interface{}, len(attached))
	for i, arn := range attached {
		list[i] = arn
	}
	m["AttachedPolicies"] = list

	return confval.FromGo(m)
}

// decodePolicyDocument decodes a URL-encoded IAM policy document.
func decodePolicyDocument(raw string) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unescape policy document: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	return doc, nil
}
