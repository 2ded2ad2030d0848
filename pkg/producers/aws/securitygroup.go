package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// fetchSecurityGroups lists the security groups of one region. Items are
// named after the group ID, which is stable across renames.
func (p *Producer) fetchSecurityGroups(ctx context.Context, acct config.AccountConfig, region string) (*engine.FetchResult, error) {
	scope := engine.RegionScope(p.technology, acct.Name, region)

	client, err := p.clients.EC2(ctx, acct, region)
	if err != nil {
		return nil, &engine.FetchError{Location: scope, Err: err}
	}

	res := &engine.FetchResult{}
	paginator := ec2.NewDescribeSecurityGroupsPaginator(client, &ec2.DescribeSecurityGroupsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("DescribeSecurityGroups", scope, err)
		}
		for _, sg := range page.SecurityGroups {
			name := aws.ToString(sg.GroupId)
			cfg, err := confval.FromGo(securityGroupConfig(sg))
			if err != nil {
				res.Failures = append(res.Failures, engine.FetchFailure{
					Location: p.itemScope(acct.Name, region, name),
					Err:      err,
				})
				continue
			}
			res.Items = append(res.Items, engine.ResourceItem{
				Technology: p.technology,
				Account:    acct.Name,
				Region:     region,
				Name:       name,
				Config:     cfg,
			})
		}
	}

	sortItems(res.Items)
	return res, nil
}

func securityGroupConfig(sg ec2types.SecurityGroup) map[string]interface{} {
	m := map[string]interface{}{
		"IpPermissions":       permissions(sg.IpPermissions),
		"IpPermissionsEgress": permissions(sg.IpPermissionsEgress),
	}
	putString(m, "GroupId", sg.GroupId)
	putString(m, "GroupName", sg.GroupName)
	putString(m, "Description", sg.Description)
	putString(m, "VpcId", sg.VpcId)
	putString(m, "OwnerId", sg.OwnerId)
	putString(m, "SecurityGroupArn", sg.SecurityGroupArn)
	if tags := tagMap(sg.Tags, func(t ec2types.Tag) (*string, *string) { return t.Key, t.Value }); tags != nil {
		m["Tags"] = tags
	}
	return m
}

func permissions(perms []ec2types.IpPermission) []interface{} {
	out := make([]interface{}, 0, len(perms))
	for _, perm := range perms {
		rule := map[string]interface{}{
			"IpProtocol": aws.ToString(perm.IpProtocol),
		}
		if perm.FromPort != nil {
			rule["FromPort"] = *perm.FromPort
		}
		if perm.ToPort != nil {
			rule["ToPort"] = *perm.ToPort
		}

		ranges := make([]interface{}, 0, len(perm.IpRanges))
		for _, r := range perm.IpRanges {
			entry := map[string]interface{}{"CidrIp": aws.ToString(r.CidrIp)}
			putString(entry, "Description", r.Description)
			ranges = append(ranges, entry)
		}
		rule["IpRanges"] = ranges

		v6 := make([]interface{}, 0, len(perm.Ipv6Ranges))
		for _, r := range perm.Ipv6Ranges {
			entry := map[string]interface{}{"CidrIpv6": aws.ToString(r.CidrIpv6)}
			putString(entry, "Description", r.Description)
			v6 = append(v6, entry)
		}
		rule["Ipv6Ranges"] = v6

		prefixes := make([]interface{}, 0, len(perm.PrefixListIds))
		for _, pl := range perm.PrefixListIds {
			entry := map[string]interface{}{"PrefixListId": aws.ToString(pl.PrefixListId)}
			putString(entry, "Description", pl.Description)
			prefixes = append(prefixes, entry)
		}
		rule["PrefixListIds"] = prefixes

		pairs := make([]interface{}, 0, len(perm.UserIdGroupPairs))
		for _, pair := range perm.UserIdGroupPairs {
			entry := map[string]interface{}{}
			putString(entry, "GroupId", pair.GroupId)
			putString(entry, "UserId", pair.UserId)
			putString(entry, "VpcId", pair.VpcId)
			putString(entry, "Description", pair.Description)
			pairs = append(pairs, entry)
		}
		rule["UserIdGroupPairs"] = pairs

		out = append(out, rule)
	}
	return out
}
