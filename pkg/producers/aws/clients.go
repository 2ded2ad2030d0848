package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/driftwatch/driftwatch/pkg/config"
)

// HomeRegion is used for global services and region discovery.
const HomeRegion = "us-east-1"

// EC2API is the subset of the EC2 client the producers call.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// IAMAPI is the subset of the IAM client the producers call.
type IAMAPI interface {
	ListRoles(ctx context.Context, in *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	ListRolePolicies(ctx context.Context, in *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	GetRolePolicy(ctx context.Context, in *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
}

// S3API is the subset of the S3 client the producers call.
type S3API interface {
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketLocation(ctx context.Context, in *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
	GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	GetBucketAcl(ctx context.Context, in *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error)
}

// ClientFactory hands out service clients for an account.
type ClientFactory interface {
	EC2(ctx context.Context, account config.AccountConfig, region string) (EC2API, error)
	IAM(ctx context.Context, account config.AccountConfig) (IAMAPI, error)
	S3(ctx context.Context, account config.AccountConfig, region string) (S3API, error)
}

// SDKClients builds real SDK clients. SDK retries are disabled so throttling
// errors reach the engine's backoff invoker.
type SDKClients struct {
	mu      sync.Mutex
	configs map[string]aws.Config
}

// NewSDKClients creates a client factory backed by the shared AWS config.
func NewSDKClients() *SDKClients {
	return &SDKClients{configs: make(map[string]aws.Config)}
}

// base loads and caches the SDK config of an account.
func (c *SDKClients) base(ctx context.Context, account config.AccountConfig) (aws.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg, ok := c.configs[account.Name]; ok {
		return cfg, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(HomeRegion),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if account.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(account.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load SDK config for account %s: %w", account.Name, err)
	}

	if account.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), account.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "driftwatch-" + account.Name
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	c.configs[account.Name] = cfg
	return cfg, nil
}

// regional returns a copy of the account config bound to region.
func (c *SDKClients) regional(ctx context.Context, account config.AccountConfig, region string) (aws.Config, error) {
	cfg, err := c.base(ctx, account)
	if err != nil {
		return aws.Config{}, err
	}
	out := cfg.Copy()
	if region != "" {
		out.Region = region
	}
	return out, nil
}

// EC2 returns an EC2 client for one region.
func (c *SDKClients) EC2(ctx context.Context, account config.AccountConfig, region string) (EC2API, error) {
	cfg, err := c.regional(ctx, account, region)
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(cfg), nil
}

// IAM returns an IAM client.
func (c *SDKClients) IAM(ctx context.Context, account config.AccountConfig) (IAMAPI, error) {
	cfg, err := c.regional(ctx, account, HomeRegion)
	if err != nil {
		return nil, err
	}
	return iam.NewFromConfig(cfg), nil
}

// S3 returns an S3 client for one region.
func (c *SDKClients) S3(ctx context.Context, account config.AccountConfig, region string) (S3API, error) {
	cfg, err := c.regional(ctx, account, region)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}
