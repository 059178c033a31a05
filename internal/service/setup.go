package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/mirror"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// Clock returns the current time. Services take one so tests can pin "now".
type Clock func() time.Time

// SetupOptions describes the deployment the setup record is bootstrapped for.
type SetupOptions struct {
	Environment string
	Region      string
	// GlobalRef and RegionalRef are pre-existing artifacts in name|id|scope
	// form. Empty, or equal to Region, means create one on bootstrap.
	GlobalRef   string
	RegionalRef string
}

// Bootstrapper creates the setup and counter records on first use.
type Bootstrapper struct {
	store  storage.Storage
	client mirror.Client
	opts   SetupOptions
	now    Clock
	group  singleflight.Group
}

// NewBootstrapper creates a new Bootstrapper. client may be nil, in which case
// every auto-created mirror is recorded as not applicable.
func NewBootstrapper(store storage.Storage, client mirror.Client, opts SetupOptions, now Clock) *Bootstrapper {
	if now == nil {
		now = time.Now
	}
	return &Bootstrapper{store: store, client: client, opts: opts, now: now}
}

// GetSetup returns the stored setup record, or domain.ErrNotBootstrapped.
func (b *Bootstrapper) GetSetup(ctx context.Context) (*domain.SetupRecord, error) {
	item, err := b.store.GetItem(ctx, domain.SetupKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotBootstrapped
	}
	if err != nil {
		return nil, fmt.Errorf("reading setup: %w", err)
	}
	return domain.SetupFromItem(item)
}

// EnsureSetup returns the setup record, bootstrapping it when absent.
// Concurrent callers in this process share one bootstrap. Across processes the
// first setup write wins and later bootstraps adopt it.
func (b *Bootstrapper) EnsureSetup(ctx context.Context) (*domain.SetupRecord, error) {
	setup, err := b.GetSetup(ctx)
	if !errors.Is(err, domain.ErrNotBootstrapped) {
		return setup, err
	}

	v, err, _ := b.group.Do(domain.SetupKey, func() (any, error) {
		return b.bootstrap(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.SetupRecord), nil
}

func (b *Bootstrapper) bootstrap(ctx context.Context) (*domain.SetupRecord, error) {
	// a caller that queued behind the previous flight finds the record here
	if setup, err := b.GetSetup(ctx); !errors.Is(err, domain.ErrNotBootstrapped) {
		return setup, err
	}

	log.Info("Bootstrapping blocklist", "environment", b.opts.Environment)

	setup := &domain.SetupRecord{
		Bootstrapped:   true,
		BootstrappedAt: domain.FormatTimestamp(b.now()),
	}
	var err error
	if setup.GlobalMirror, err = b.resolveMirror(ctx, b.opts.GlobalRef, domain.ScopeGlobal); err != nil {
		return nil, err
	}
	if setup.RegionalMirror, err = b.resolveMirror(ctx, b.opts.RegionalRef, domain.ScopeRegional); err != nil {
		return nil, err
	}

	// An existing counter is left alone; it may already track live rules.
	counter := &domain.CounterRecord{LastDate: setup.BootstrappedAt}
	if _, err := b.store.PutItemIfAbsent(ctx, counter.Item()); err != nil {
		return nil, fmt.Errorf("writing counter: %w", err)
	}
	put, err := b.store.PutItemIfAbsent(ctx, setup.Item())
	if err != nil {
		return nil, fmt.Errorf("writing setup: %w", err)
	}
	if put == storage.PutExists {
		log.Info("Blocklist bootstrapped by another instance")
		return b.GetSetup(ctx)
	}

	log.Info("Blocklist bootstrapped",
		"global", setup.GlobalMirror.String(),
		"regional", setup.RegionalMirror.String())
	return setup, nil
}

// resolveMirror parses a configured ref or creates the artifact. A failed
// creation is not fatal: the mirror is recorded as not applicable. Errors that
// mean another bootstrap is creating the same artifact are returned instead,
// so the next caller retries rather than recording n/a next to a live artifact.
func (b *Bootstrapper) resolveMirror(ctx context.Context, configured string, scope domain.Scope) (domain.MirrorRef, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" && configured != b.opts.Region {
		ref, err := domain.ParseMirrorRef(configured)
		if err != nil {
			return domain.MirrorRef{}, fmt.Errorf("configured %s mirror: %w", strings.ToLower(string(scope)), err)
		}
		return ref, nil
	}
	if b.client == nil {
		return domain.MirrorRef{}, nil
	}

	name := b.mirrorName(scope)
	ref, _, err := b.client.Create(ctx, name, scope, name)
	if errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrConflict) {
		return domain.MirrorRef{}, fmt.Errorf("creating %s mirror %s: %w", strings.ToLower(string(scope)), name, err)
	}
	if err != nil {
		log.Warn("Mirror not available in this deployment", "scope", scope, "name", name, "error", err)
		return domain.MirrorRef{}, nil
	}
	return ref, nil
}

func (b *Bootstrapper) mirrorName(scope domain.Scope) string {
	kind := "regional"
	if scope == domain.ScopeGlobal {
		kind = "global"
	}
	name := "waf-blocklist-" + kind
	if b.opts.Environment != "" {
		name += "-" + b.opts.Environment
	}
	return name
}

// readCounter returns the counter record. A missing counter reads as zero.
func readCounter(ctx context.Context, store storage.Storage) (*domain.CounterRecord, error) {
	item, err := store.GetItem(ctx, domain.CounterKey)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.CounterRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading counter: %w", err)
	}
	return domain.CounterFromItem(item), nil
}
