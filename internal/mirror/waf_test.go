package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWAF keeps one IP set in memory and rotates its lock token on update.
// Creating a second set with the same name fails like the real service.
type fakeWAF struct {
	scope     types.Scope
	name      string
	addresses []string
	lockToken string
	updates   int
	// others are unrelated sets listed ahead of ours
	others []types.IPSetSummary
}

func (f *fakeWAF) CreateIPSet(ctx context.Context, in *wafv2.CreateIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.CreateIPSetOutput, error) {
	if f.name == aws.ToString(in.Name) {
		return nil, &types.WAFDuplicateItemException{Message: aws.String("already exists")}
	}
	f.name = aws.ToString(in.Name)
	f.scope = in.Scope
	f.addresses = in.Addresses
	f.lockToken = "lock-0"
	return &wafv2.CreateIPSetOutput{Summary: &types.IPSetSummary{
		Name:      in.Name,
		Id:        aws.String("set-id"),
		LockToken: aws.String(f.lockToken),
	}}, nil
}

func (f *fakeWAF) GetIPSet(ctx context.Context, in *wafv2.GetIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.GetIPSetOutput, error) {
	if aws.ToString(in.Id) != "set-id" {
		return nil, &types.WAFNonexistentItemException{Message: aws.String("no such set")}
	}
	return &wafv2.GetIPSetOutput{
		IPSet:     &types.IPSet{Name: in.Name, Id: in.Id, Addresses: f.addresses},
		LockToken: aws.String(f.lockToken),
	}, nil
}

func (f *fakeWAF) UpdateIPSet(ctx context.Context, in *wafv2.UpdateIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.UpdateIPSetOutput, error) {
	if aws.ToString(in.LockToken) != f.lockToken {
		return nil, &types.WAFOptimisticLockException{Message: aws.String("stale lock token")}
	}
	f.updates++
	f.addresses = in.Addresses
	f.lockToken = "lock-" + string(rune('0'+f.updates))
	return &wafv2.UpdateIPSetOutput{NextLockToken: aws.String(f.lockToken)}, nil
}

// ListIPSets returns one summary per page.
func (f *fakeWAF) ListIPSets(ctx context.Context, in *wafv2.ListIPSetsInput, _ ...func(*wafv2.Options)) (*wafv2.ListIPSetsOutput, error) {
	all := append([]types.IPSetSummary(nil), f.others...)
	if f.name != "" {
		all = append(all, types.IPSetSummary{Name: aws.String(f.name), Id: aws.String("set-id"), LockToken: aws.String(f.lockToken)})
	}
	i := 0
	if m := aws.ToString(in.NextMarker); m != "" {
		i = int(m[0] - '0')
	}
	if i >= len(all) {
		return &wafv2.ListIPSetsOutput{}, nil
	}
	out := &wafv2.ListIPSetsOutput{IPSets: all[i : i+1]}
	if i+1 < len(all) {
		out.NextMarker = aws.String(string(rune('0' + i + 1)))
	}
	return out, nil
}

func TestWAFClientRoutesScopes(t *testing.T) {
	ctx := context.Background()
	global, regional := &fakeWAF{}, &fakeWAF{}
	c := &WAFClient{global: global, regional: regional}

	ref, token, err := c.Create(ctx, "blocklist-global", domain.ScopeGlobal, "edge")
	require.NoError(t, err)
	assert.Equal(t, domain.MirrorRef{Name: "blocklist-global", ID: "set-id", Scope: domain.ScopeGlobal}, ref)
	assert.Equal(t, "lock-0", token)
	assert.Equal(t, types.ScopeCloudfront, global.scope)
	assert.Equal(t, []string{seedAddress}, global.addresses)
	assert.Empty(t, regional.scope)

	_, _, err = c.Create(ctx, "blocklist-regional", domain.ScopeRegional, "")
	require.NoError(t, err)
	assert.Equal(t, types.ScopeRegional, regional.scope)
}

func TestWAFClientReplace(t *testing.T) {
	ctx := context.Background()
	c := &WAFClient{global: &fakeWAF{}, regional: &fakeWAF{}}

	ref, _, err := c.Create(ctx, "blocklist", domain.ScopeRegional, "")
	require.NoError(t, err)

	_, token, err := c.Get(ctx, ref)
	require.NoError(t, err)
	next, err := c.Replace(ctx, ref, token, []string{"10.0.0.0/24"})
	require.NoError(t, err)
	assert.Equal(t, "lock-1", next)

	members, _, err := c.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24"}, members)
}

func TestWAFClientEmptyReplaceSendsEmptyList(t *testing.T) {
	ctx := context.Background()
	regional := &fakeWAF{}
	c := &WAFClient{global: &fakeWAF{}, regional: regional}

	ref, token, err := c.Create(ctx, "blocklist", domain.ScopeRegional, "")
	require.NoError(t, err)
	_, err = c.Replace(ctx, ref, token, nil)
	require.NoError(t, err)
	assert.NotNil(t, regional.addresses)
	assert.Empty(t, regional.addresses)
}

func TestWAFClientMapsErrors(t *testing.T) {
	ctx := context.Background()
	c := &WAFClient{global: &fakeWAF{}, regional: &fakeWAF{}}

	ref, _, err := c.Create(ctx, "blocklist", domain.ScopeRegional, "")
	require.NoError(t, err)

	_, err = c.Replace(ctx, ref, "stale", []string{"10.0.0.0/24"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	var lockErr *types.WAFOptimisticLockException
	assert.True(t, errors.As(err, &lockErr))

	_, _, err = c.Get(ctx, domain.MirrorRef{Name: "blocklist", ID: "other", Scope: domain.ScopeRegional})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = c.Create(ctx, "blocklist", domain.Scope("LOCAL"), "")
	assert.ErrorIs(t, err, domain.ErrUnsupportedScope)
}

func TestWAFClientCreateAdoptsExistingSet(t *testing.T) {
	ctx := context.Background()
	regional := &fakeWAF{others: []types.IPSetSummary{
		{Name: aws.String("office"), Id: aws.String("office-id")},
		{Name: aws.String("vpn"), Id: aws.String("vpn-id")},
	}}
	c := &WAFClient{global: &fakeWAF{}, regional: regional}

	first, _, err := c.Create(ctx, "blocklist", domain.ScopeRegional, "")
	require.NoError(t, err)
	second, token, err := c.Create(ctx, "blocklist", domain.ScopeRegional, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "lock-0", token)
}
