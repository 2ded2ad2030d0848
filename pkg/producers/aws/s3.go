package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// fetchBuckets lists the buckets of an account with their ACL and bucket
// policy. Buckets are global; each item records its home region.
func (p *Producer) fetchBuckets(ctx context.Context, acct config.AccountConfig) (*engine.FetchResult, error) {
	scope := engine.RegionScope(p.technology, acct.Name, engine.UniversalRegion)

	client, err := p.clients.S3(ctx, acct, HomeRegion)
	if err != nil {
		return nil, &engine.FetchError{Location: scope, Err: err}
	}

	var buckets []s3types.Bucket
	paginator := s3.NewListBucketsPaginator(client, &s3.ListBucketsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListBuckets", scope, err)
		}
		buckets = append(buckets, page.Buckets...)
	}

	var (
		mu  sync.Mutex
		res = &engine.FetchResult{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, bucket := range buckets {
		g.Go(func() error {
			name := aws.ToString(bucket.Name)
			cfg, err := p.describeBucket(gctx, client, acct, bucket)
			if err != nil && (IsThrottling(err) || gctx.Err() != nil) {
				return wrapError("DescribeBucket", scope, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				loc := p.itemScope(acct.Name, engine.UniversalRegion, name)
				res.Failures = append(res.Failures, engine.FetchFailure{
					Location: loc,
					Err:      wrapError("DescribeBucket", loc, err),
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

// describeBucket resolves the bucket region and reads its ACL and policy
// through a client bound to that region.
func (p *Producer) describeBucket(ctx context.Context, home S3API, acct config.AccountConfig, bucket s3types.Bucket) (confval.Value, error) {
	name := bucket.Name

	loc, err := home.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: name})
	if err != nil {
		return confval.Value{}, err
	}
	region := bucketRegion(string(loc.LocationConstraint))

	client := home
	if region != HomeRegion {
		if client, err = p.clients.S3(ctx, acct, region); err != nil {
			return confval.Value{}, err
		}
	}

	m := map[string]interface{}{
		"Name":   aws.ToString(name),
		"Region": region,
	}
	if bucket.CreationDate != nil {
		m["CreationDate"] = bucket.CreationDate.UTC().Format("2006-01-02T15:04:05Z")
	}

	acl, err := client.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: name})
	if err != nil {
		return confval.Value{}, err
	}
	if acl.Owner != nil {
		owner := map[string]interface{}{}
		putString(owner, "ID", acl.Owner.ID)
		putString(owner, "DisplayName", acl.Owner.DisplayName)
		m["Owner"] = owner
	}
	m["Grants"] = grants(acl.Grants)

	pol, err := client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: name})
	switch {
	case err != nil && errorCode(err) == "NoSuchBucketPolicy":
	case err != nil:
		return confval.Value{}, err
	case pol.Policy != nil:
		var doc interface{}
		if err := json.Unmarshal([]byte(*pol.Policy), &doc); err != nil {
			return confval.Value{}, fmt.Errorf("failed to parse bucket policy: %w", err)
		}
		m["Policy"] = doc
	}

	return confval.FromGo(m)
}

// bucketRegion maps a location constraint to a region. An empty constraint
// is us-east-1 and the legacy "EU" constraint is eu-west-1.
func bucketRegion(constraint string) string {
	switch constraint {
	case "":
		return HomeRegion
	case "EU":
		return "eu-west-1"
	default:
		return constraint
	}
}

func grants(in []s3types.Grant) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, g := range in {
		entry := map[string]interface{}{"Permission": string(g.Permission)}
		if g.Grantee != nil {
			grantee := map[string]interface{}{"Type": string(g.Grantee.Type)}
			putString(grantee, "URI", g.Grantee.URI)
			putString(grantee, "ID", g.Grantee.ID)
			putString(grantee, "DisplayName", g.Grantee.DisplayName)
			putString(grantee, "EmailAddress", g.Grantee.EmailAddress)
			entry["Grantee"] = grantee
		}
		out = append(out, entry)
	}
	return out
}
