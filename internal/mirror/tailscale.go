package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/validation"
	"github.com/charmbracelet/log"
	"github.com/tailscale/hujson"
	tsclient "github.com/tailscale/tailscale-client-go/v2"
	"golang.org/x/oauth2/clientcredentials"
)

const tailscaleTokenURL = "https://api.tailscale.com/api/v2/oauth/token"

// createAttempts bounds how often Create reloads the policy file after losing
// an ETag race.
const createAttempts = 3

// policyFile is the subset of the Tailscale policy file API used here.
type policyFile interface {
	Raw(ctx context.Context) (*tsclient.RawACL, error)
	Set(ctx context.Context, acl any, etag string) error
}

// TailscaleClient mirrors the blocklist into an ipset of the tailnet policy
// file. The policy file ETag is the token. A tailnet has a single policy, so
// only the regional scope is supported.
type TailscaleClient struct {
	policy  policyFile
	tailnet string
}

// Ensure TailscaleClient implements Client.
var _ Client = (*TailscaleClient)(nil)

// TailscaleOptions configures NewTailscaleClient. OAuth credentials take
// precedence over an API key.
type TailscaleOptions struct {
	Tailnet           string
	APIKey            string
	OAuthClientID     string
	OAuthClientSecret string
}

// NewTailscaleClient creates a new Tailscale policy client.
func NewTailscaleClient(ctx context.Context, opts TailscaleOptions) (*TailscaleClient, error) {
	tailnet := opts.Tailnet
	if tailnet == "" {
		tailnet = "-"
	}
	client := &tsclient.Client{Tailnet: tailnet}
	switch {
	case opts.OAuthClientID != "" && opts.OAuthClientSecret != "":
		oauth := clientcredentials.Config{
			ClientID:     opts.OAuthClientID,
			ClientSecret: opts.OAuthClientSecret,
			TokenURL:     tailscaleTokenURL,
		}
		client.HTTP = oauth.Client(ctx)
	case opts.APIKey != "":
		client.APIKey = opts.APIKey
	default:
		return nil, fmt.Errorf("tailscale credentials: %w", domain.ErrInvalidInput)
	}
	return &TailscaleClient{policy: client.PolicyFile(), tailnet: tailnet}, nil
}

func ipsetKey(name string) string {
	return "ipset:" + name
}

// Create adds an ipset seeded with a loopback address. An existing ipset of
// the same name is reused.
func (c *TailscaleClient) Create(ctx context.Context, name string, scope domain.Scope, description string) (domain.MirrorRef, string, error) {
	if scope != domain.ScopeRegional {
		return domain.MirrorRef{}, "", fmt.Errorf("tailscale scope %s: %w", scope, domain.ErrUnsupportedScope)
	}
	if err := validation.ValidateIPSetName(ipsetKey(name)); err != nil {
		return domain.MirrorRef{}, "", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}

	ref := domain.MirrorRef{Name: name, ID: c.tailnet, Scope: scope}
	var err error
	for range createAttempts {
		var doc *policyDoc
		var etag, next string
		if doc, etag, err = c.load(ctx); err != nil {
			return domain.MirrorRef{}, "", err
		}
		if _, ok := doc.ipsets[ipsetKey(name)]; ok {
			return ref, etag, nil
		}

		doc.ipsets[ipsetKey(name)] = []string{seedAddress}
		next, err = c.store(ctx, doc, etag)
		if errors.Is(err, domain.ErrConflict) {
			// someone else edited the policy file; reload and look again
			continue
		}
		if err != nil {
			return domain.MirrorRef{}, "", err
		}
		log.Info("Mirror artifact created", "driver", "tailscale", "ipset", ipsetKey(name), "description", description)
		return ref, next, nil
	}
	return domain.MirrorRef{}, "", err
}

// Get returns the ipset's members.
func (c *TailscaleClient) Get(ctx context.Context, ref domain.MirrorRef) ([]string, string, error) {
	doc, etag, err := c.load(ctx)
	if err != nil {
		return nil, "", err
	}
	members, ok := doc.ipsets[ipsetKey(ref.Name)]
	if !ok {
		return nil, "", fmt.Errorf("ipset %s: %w", ipsetKey(ref.Name), domain.ErrNotFound)
	}
	return members, etag, nil
}

// Replace rewrites the ipset. The rest of the policy file is left as found,
// minus HuJSON comments, which do not survive standardization.
func (c *TailscaleClient) Replace(ctx context.Context, ref domain.MirrorRef, token string, members []string) (string, error) {
	doc, etag, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	if etag != token {
		return "", fmt.Errorf("policy etag changed: %w", domain.ErrConflict)
	}
	if _, ok := doc.ipsets[ipsetKey(ref.Name)]; !ok {
		return "", fmt.Errorf("ipset %s: %w", ipsetKey(ref.Name), domain.ErrNotFound)
	}

	sorted := append([]string{}, members...)
	sort.Strings(sorted)
	doc.ipsets[ipsetKey(ref.Name)] = sorted
	return c.store(ctx, doc, etag)
}

// policyDoc is a decoded policy file. Only ipsets is interpreted.
type policyDoc struct {
	fields map[string]json.RawMessage
	ipsets map[string][]string
}

func (c *TailscaleClient) load(ctx context.Context) (*policyDoc, string, error) {
	raw, err := c.policy.Raw(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("reading policy file: %w", err)
	}
	doc, err := parsePolicy(raw.HuJSON)
	if err != nil {
		return nil, "", err
	}
	return doc, raw.ETag, nil
}

func (c *TailscaleClient) store(ctx context.Context, doc *policyDoc, etag string) (string, error) {
	data, err := doc.marshal()
	if err != nil {
		return "", err
	}
	if err := c.policy.Set(ctx, string(data), etag); err != nil {
		if strings.Contains(err.Error(), "precondition") {
			return "", fmt.Errorf("setting policy file: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("setting policy file: %w", err)
	}

	// Set does not return the new ETag.
	raw, err := c.policy.Raw(ctx)
	if err != nil {
		return "", nil
	}
	return raw.ETag, nil
}

func parsePolicy(src string) (*policyDoc, error) {
	data, err := hujson.Standardize([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	doc := &policyDoc{fields: map[string]json.RawMessage{}, ipsets: map[string][]string{}}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &doc.fields); err != nil {
			return nil, fmt.Errorf("decoding policy file: %w", err)
		}
	}
	if raw, ok := doc.fields["ipsets"]; ok {
		if err := json.Unmarshal(raw, &doc.ipsets); err != nil {
			return nil, fmt.Errorf("decoding ipsets: %w", err)
		}
	}
	return doc, nil
}

func (d *policyDoc) marshal() ([]byte, error) {
	ipsets, err := json.Marshal(d.ipsets)
	if err != nil {
		return nil, err
	}
	d.fields["ipsets"] = ipsets
	return json.MarshalIndent(d.fields, "", "  ")
}
