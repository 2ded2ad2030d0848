// Package aws implements snapshot producers for AWS security groups, IAM
// roles and S3 buckets.
//
// Every producer returns resource configs shaped like the AWS API responses,
// with pointer fields flattened and URL-encoded policy documents decoded into
// objects so policies and selectors can address them. Failures to read a
// single resource are reported as item-scoped fetch failures; the rest of the
// region is still returned.
package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

// Resource kinds.
const (
	KindSecurityGroup = "securitygroup"
	KindIAMRole       = "iamrole"
	KindS3            = "s3"
)

// DefaultConcurrency bounds the per-resource detail calls of one fetch.
const DefaultConcurrency = 4

// Producer fetches one AWS resource kind for one technology.
type Producer struct {
	technology  string
	kind        string
	accounts    map[string]config.AccountConfig
	clients     ClientFactory
	logger      zerolog.Logger
	concurrency int
}

// Option configures a Producer.
type Option func(*Producer)

// WithConcurrency sets how many detail calls run at once.
func WithConcurrency(n int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the producer logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Producer) { p.logger = logger }
}

// New creates a producer for technology reading the given resource kind.
// An empty kind defaults to the technology name.
func New(technology, kind string, accounts []config.AccountConfig, clients ClientFactory, opts ...Option) (*Producer, error) {
	if kind == "" {
		kind = technology
	}
	switch kind {
	case KindSecurityGroup, KindIAMRole, KindS3:
	default:
		return nil, fmt.Errorf("unknown aws resource kind %q", kind)
	}
	if clients == nil {
		return nil, fmt.Errorf("aws producer %s: client factory is required", technology)
	}

	p := &Producer{
		technology:  technology,
		kind:        kind,
		accounts:    make(map[string]config.AccountConfig, len(accounts)),
		clients:     clients,
		logger:      zerolog.Nop(),
		concurrency: DefaultConcurrency,
	}
	for _, a := range accounts {
		p.accounts[a.Name] = a
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().
		Str("component", "aws-producer").
		Str("technology", technology).
		Str("kind", kind).
		Logger()
	return p, nil
}

// Technology returns the technology identifier.
func (p *Producer) Technology() string { return p.technology }

// Kind returns the AWS resource kind.
func (p *Producer) Kind() string { return p.kind }

func (p *Producer) account(name string) (config.AccountConfig, error) {
	acct, ok := p.accounts[name]
	if !ok {
		return config.AccountConfig{}, &engine.FetchError{
			Location: engine.AccountScope(p.technology, name),
			Err: engine.NewPermanentError(fmt.Sprintf("unknown account %q", name), nil).
				WithCode(engine.ErrCodeNotFound),
		}
	}
	return acct, nil
}

// Regions lists the regions to fetch. IAM and S3 are global and report the
// universal region; security groups use the configured regions or every
// region enabled for the account.
func (p *Producer) Regions(ctx context.Context, account string) ([]string, error) {
	acct, err := p.account(account)
	if err != nil {
		return nil, err
	}
	if p.kind != KindSecurityGroup {
		return []string{engine.UniversalRegion}, nil
	}
	if len(acct.Regions) > 0 {
		return append([]string(nil), acct.Regions...), nil
	}

	var regions []string
	err = telemetry.RecordProducerOperation(ctx, p.technology, "DescribeRegions", func(ctx context.Context) error {
		client, err := p.clients.EC2(ctx, acct, HomeRegion)
		if err != nil {
			return err
		}
		out, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
		if err != nil {
			return wrapError("DescribeRegions", engine.AccountScope(p.technology, account), err)
		}
		for _, r := range out.Regions {
			if status := aws.ToString(r.OptInStatus); status == "not-opted-in" {
				continue
			}
			if name := aws.ToString(r.RegionName); name != "" {
				regions = append(regions, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(regions)
	return regions, nil
}

// Fetch returns the resources of one account and region.
func (p *Producer) Fetch(ctx context.Context, account, region string) (*engine.FetchResult, error) {
	acct, err := p.account(account)
	if err != nil {
		return nil, err
	}

	var res *engine.FetchResult
	err = telemetry.RecordProducerOperation(ctx, p.technology, "fetch."+p.kind, func(ctx context.Context) error {
		var err error
		switch p.kind {
		case KindSecurityGroup:
			res, err = p.fetchSecurityGroups(ctx, acct, region)
		case KindIAMRole:
			res, err = p.fetchRoles(ctx, acct)
		case KindS3:
			res, err = p.fetchBuckets(ctx, acct)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("account", account).
		Str("region", region).
		Int("items", len(res.Items)).
		Int("failures", len(res.Failures)).
		Msg("Fetched resources")
	return res, nil
}

// itemScope is the failure scope of one resource.
func (p *Producer) itemScope(account, region, name string) engine.PartialLocation {
	return engine.ItemScope(engine.Location{
		Technology: p.technology,
		Account:    account,
		Region:     region,
		Name:       name,
	})
}

// sortItems orders items by name so fetch output is deterministic.
func sortItems(items []engine.ResourceItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}

// tagMap flattens key/value tags.
func tagMap[T any](tags []T, kv func(T) (*string, *string)) map[string]interface{} {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(tags))
	for _, t := range tags {
		k, v := kv(t)
		out[aws.ToString(k)] = aws.ToString(v)
	}
	return out
}

// putString sets key when s is non-nil.
func putString(m map[string]interface{}, key string, s *string) {
	if s != nil {
		m[key] = *s
	}
}
