package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/charmbracelet/log"
)

// globalRegion is the only region where CloudFront-scoped IP sets can be managed.
const globalRegion = "us-east-1"

// wafAPI is the subset of the WAFv2 client used here.
type wafAPI interface {
	CreateIPSet(ctx context.Context, params *wafv2.CreateIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.CreateIPSetOutput, error)
	GetIPSet(ctx context.Context, params *wafv2.GetIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.GetIPSetOutput, error)
	UpdateIPSet(ctx context.Context, params *wafv2.UpdateIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.UpdateIPSetOutput, error)
	ListIPSets(ctx context.Context, params *wafv2.ListIPSetsInput, optFns ...func(*wafv2.Options)) (*wafv2.ListIPSetsOutput, error)
}

// WAFClient manages AWS WAFv2 IP sets. The lock token is the concurrency token.
type WAFClient struct {
	regional wafAPI
	global   wafAPI
}

// Ensure WAFClient implements Client.
var _ Client = (*WAFClient)(nil)

// NewWAFClient builds clients for the regional scope in region and for the
// CloudFront scope in us-east-1, using the default AWS credential chain.
func NewWAFClient(ctx context.Context, region string) (*WAFClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &WAFClient{
		regional: wafv2.NewFromConfig(cfg),
		global: wafv2.NewFromConfig(cfg, func(o *wafv2.Options) {
			o.Region = globalRegion
		}),
	}, nil
}

func (c *WAFClient) api(scope domain.Scope) (wafAPI, types.Scope, error) {
	switch scope {
	case domain.ScopeGlobal:
		return c.global, types.ScopeCloudfront, nil
	case domain.ScopeRegional:
		return c.regional, types.ScopeRegional, nil
	default:
		return nil, "", fmt.Errorf("waf scope %q: %w", scope, domain.ErrUnsupportedScope)
	}
}

// Create makes a new IPv4 IP set seeded with a loopback address. If a set with
// the same name already exists in the scope, that set is returned instead.
func (c *WAFClient) Create(ctx context.Context, name string, scope domain.Scope, description string) (domain.MirrorRef, string, error) {
	api, wafScope, err := c.api(scope)
	if err != nil {
		return domain.MirrorRef{}, "", err
	}
	out, err := api.CreateIPSet(ctx, &wafv2.CreateIPSetInput{
		Name:             aws.String(name),
		Scope:            wafScope,
		Description:      aws.String(description),
		IPAddressVersion: types.IPAddressVersionIpv4,
		Addresses:        []string{seedAddress},
	})
	var dup *types.WAFDuplicateItemException
	if errors.As(err, &dup) {
		return c.lookup(ctx, api, wafScope, name, scope)
	}
	if err != nil {
		return domain.MirrorRef{}, "", fmt.Errorf("creating IP set %s: %w", name, mapWAFError(err))
	}
	if out.Summary == nil {
		return domain.MirrorRef{}, "", fmt.Errorf("creating IP set %s: empty summary", name)
	}

	ref := domain.MirrorRef{
		Name:  aws.ToString(out.Summary.Name),
		ID:    aws.ToString(out.Summary.Id),
		Scope: scope,
	}
	log.Info("Mirror artifact created", "driver", "wafv2", "ref", ref.String())
	return ref, aws.ToString(out.Summary.LockToken), nil
}

// lookup pages through the scope's IP sets for one named name.
func (c *WAFClient) lookup(ctx context.Context, api wafAPI, wafScope types.Scope, name string, scope domain.Scope) (domain.MirrorRef, string, error) {
	in := &wafv2.ListIPSetsInput{Scope: wafScope, Limit: aws.Int32(100)}
	for {
		out, err := api.ListIPSets(ctx, in)
		if err != nil {
			return domain.MirrorRef{}, "", fmt.Errorf("listing IP sets: %w", mapWAFError(err))
		}
		for _, set := range out.IPSets {
			if aws.ToString(set.Name) == name {
				ref := domain.MirrorRef{Name: name, ID: aws.ToString(set.Id), Scope: scope}
				log.Info("Mirror artifact already exists", "driver", "wafv2", "ref", ref.String())
				return ref, aws.ToString(set.LockToken), nil
			}
		}
		if aws.ToString(out.NextMarker) == "" || len(out.IPSets) == 0 {
			return domain.MirrorRef{}, "", fmt.Errorf("IP set %s reported as duplicate but not listed: %w", name, domain.ErrAlreadyExists)
		}
		in.NextMarker = out.NextMarker
	}
}

// Get reads the IP set's addresses and lock token.
func (c *WAFClient) Get(ctx context.Context, ref domain.MirrorRef) ([]string, string, error) {
	api, wafScope, err := c.api(ref.Scope)
	if err != nil {
		return nil, "", err
	}
	out, err := api.GetIPSet(ctx, &wafv2.GetIPSetInput{
		Name:  aws.String(ref.Name),
		Id:    aws.String(ref.ID),
		Scope: wafScope,
	})
	if err != nil {
		return nil, "", fmt.Errorf("getting IP set %s: %w", ref.Name, mapWAFError(err))
	}
	var members []string
	if out.IPSet != nil {
		members = out.IPSet.Addresses
	}
	return members, aws.ToString(out.LockToken), nil
}

// Replace overwrites the IP set's addresses.
func (c *WAFClient) Replace(ctx context.Context, ref domain.MirrorRef, token string, members []string) (string, error) {
	api, wafScope, err := c.api(ref.Scope)
	if err != nil {
		return "", err
	}
	if members == nil {
		// the API rejects a missing address list but accepts an empty one
		members = []string{}
	}
	out, err := api.UpdateIPSet(ctx, &wafv2.UpdateIPSetInput{
		Name:      aws.String(ref.Name),
		Id:        aws.String(ref.ID),
		Scope:     wafScope,
		LockToken: aws.String(token),
		Addresses: members,
	})
	if err != nil {
		return "", fmt.Errorf("updating IP set %s: %w", ref.Name, mapWAFError(err))
	}
	return aws.ToString(out.NextLockToken), nil
}

// mapWAFError folds WAF exceptions into domain errors, keeping the original
// in the chain.
func mapWAFError(err error) error {
	var lockErr *types.WAFOptimisticLockException
	if errors.As(err, &lockErr) {
		return errors.Join(domain.ErrConflict, err)
	}
	var missing *types.WAFNonexistentItemException
	if errors.As(err, &missing) {
		return errors.Join(domain.ErrNotFound, err)
	}
	var dup *types.WAFDuplicateItemException
	if errors.As(err, &dup) {
		return errors.Join(domain.ErrAlreadyExists, err)
	}
	return err
}
