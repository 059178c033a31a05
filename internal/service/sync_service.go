package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/mirror"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SyncService pushes the full blocklist to every mirror artifact.
type SyncService struct {
	store  storage.Storage
	client mirror.Client
	setup  *Bootstrapper
	now    Clock
}

// NewSyncService creates a new SyncService.
func NewSyncService(store storage.Storage, client mirror.Client, setup *Bootstrapper, now Clock) *SyncService {
	if now == nil {
		now = time.Now
	}
	return &SyncService{store: store, client: client, setup: setup, now: now}
}

// Members returns the sorted, de-duplicated prefixes of every live rule.
func (s *SyncService) Members(ctx context.Context) ([]string, error) {
	var members []string
	for item, err := range storage.Items(ctx, s.store, storage.ScanFilter{KeyPrefix: domain.RuleKeyPrefix}) {
		if err != nil {
			return nil, err
		}
		rule, err := domain.RuleFromItem(item)
		if err != nil {
			return nil, err
		}
		members = append(members, rule.Prefix)
	}
	slices.Sort(members)
	return slices.Compact(members), nil
}

// ResyncMirrors replaces the contents of every applicable mirror with the
// current membership. A mirror that conflicts or fails is skipped for this
// cycle and reported in the results; only setup and scan failures are returned
// as errors.
func (s *SyncService) ResyncMirrors(ctx context.Context) ([]domain.MirrorSyncResult, error) {
	setup, err := s.setup.EnsureSetup(ctx)
	if err != nil {
		return nil, err
	}
	refs := setup.Mirrors()
	if len(refs) == 0 || s.client == nil {
		log.Debug("No mirrors to sync")
		return nil, nil
	}

	members, err := s.Members(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]domain.MirrorSyncResult, len(refs))
	var g errgroup.Group
	for i, ref := range refs {
		g.Go(func() error {
			results[i] = s.push(ctx, ref, members)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// push does fetch-token-then-replace against one mirror and records the attempt.
func (s *SyncService) push(ctx context.Context, ref domain.MirrorRef, members []string) domain.MirrorSyncResult {
	result := domain.MirrorSyncResult{Mirror: ref, Members: len(members), Status: domain.SyncStatusSuccess}

	_, token, err := s.client.Get(ctx, ref)
	if err == nil {
		_, err = s.client.Replace(ctx, ref, token, members)
	}

	switch {
	case err == nil:
		log.Info("Mirror synced", "mirror", ref.Name, "scope", ref.Scope, "members", len(members))
	case errors.Is(err, domain.ErrConflict):
		result.Status = domain.SyncStatusConflict
		result.Error = err.Error()
		log.Warn("Mirror changed concurrently, skipping this cycle", "mirror", ref.Name, "scope", ref.Scope, "error", err)
	default:
		result.Status = domain.SyncStatusFailed
		result.Error = err.Error()
		log.Error("Mirror sync failed", "mirror", ref.Name, "scope", ref.Scope, "error", err)
	}

	record := &domain.SyncRecord{
		ID:         uuid.New().String(),
		MirrorName: ref.Name,
		MirrorID:   ref.ID,
		Scope:      string(ref.Scope),
		Members:    len(members),
		Status:     result.Status,
		Error:      result.Error,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateSyncRecord(ctx, record); err != nil {
		log.Warn("Failed to record mirror sync", "mirror", ref.Name, "error", err)
	}
	return result
}

// History returns recorded mirror pushes, newest first.
func (s *SyncService) History(ctx context.Context, limit, offset int) ([]*domain.SyncRecord, error) {
	return s.store.ListSyncRecords(ctx, limit, offset)
}
