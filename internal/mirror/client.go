// Package mirror talks to the external firewall services that enforce the
// blocklist. Every client exposes the same fetch-then-replace contract: Get
// returns the current members with an opaque concurrency token, and Replace
// swaps the full member list only if that token is still current.
package mirror

import (
	"context"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
)

// Client defines the interface for interacting with mirror artifacts.
type Client interface {
	// Create makes a new artifact. It returns domain.ErrUnsupportedScope when the
	// deployment cannot host that scope.
	Create(ctx context.Context, name string, scope domain.Scope, description string) (domain.MirrorRef, string, error)
	// Get returns the artifact's members and its current token.
	Get(ctx context.Context, ref domain.MirrorRef) ([]string, string, error)
	// Replace overwrites the members. A stale token yields an error wrapping
	// domain.ErrConflict. The returned string is the next token, if known.
	Replace(ctx context.Context, ref domain.MirrorRef, token string, members []string) (string, error)
}

// seedAddress is written into freshly created artifacts, which some services
// refuse to create empty.
const seedAddress = "127.0.0.1/32"
