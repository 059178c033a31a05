package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/bcnelson/waf-blocklist-manager/internal/validation"
	"github.com/charmbracelet/log"
)

// Sweeper deletes rules whose lastSeen is older than the retention window.
type Sweeper struct {
	store storage.Storage
	setup *Bootstrapper
	sync  *SyncService
	now   Clock
}

// NewSweeper creates a new Sweeper.
func NewSweeper(store storage.Storage, setup *Bootstrapper, sync *SyncService, now Clock) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, setup: setup, sync: sync, now: now}
}

// Sweep removes every rule last seen strictly before now minus retentionDays.
// A scan or delete failure abandons the run; whatever is left is found again
// next time because expiry depends only on lastSeen.
func (s *Sweeper) Sweep(ctx context.Context, retentionDays int) (*domain.SweepResult, error) {
	if err := validation.ValidateRetentionDays(retentionDays); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	if _, err := s.setup.EnsureSetup(ctx); err != nil {
		return nil, err
	}

	result := &domain.SweepResult{
		RetentionDays: retentionDays,
		Cutoff:        domain.FormatTimestamp(s.now().AddDate(0, 0, -retentionDays)),
	}
	filter := storage.ScanFilter{KeyPrefix: domain.RuleKeyPrefix, DateBefore: result.Cutoff}

	// Some stores (Redis SCAN) may return a key on more than one page.
	seen := make(map[string]struct{})
	token := ""
	for {
		page, err := s.store.Scan(ctx, filter, token)
		if err != nil {
			log.Error("Sweep scan failed, abandoning run", "cutoff", result.Cutoff, "evicted", result.Evicted, "error", err)
			return result, fmt.Errorf("scanning expired rules: %w", err)
		}
		keys := make([]string, 0, len(page.Items))
		for _, item := range page.Items {
			if _, dup := seen[item.PK]; dup {
				continue
			}
			seen[item.PK] = struct{}{}
			keys = append(keys, item.PK)
		}
		if len(keys) > 0 {
			if err := s.store.BatchDelete(ctx, keys); err != nil {
				log.Error("Sweep delete failed, abandoning run", "cutoff", result.Cutoff, "evicted", result.Evicted, "error", err)
				return result, fmt.Errorf("deleting expired rules: %w", err)
			}
			result.Evicted += len(keys)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if result.Evicted == 0 {
		log.Debug("Sweep found nothing to expire", "cutoff", result.Cutoff)
		return result, nil
	}

	mirrors, err := s.sync.ResyncMirrors(ctx)
	if err != nil {
		log.Error("Mirror resync after sweep failed", "error", err)
	}
	result.Mirrors = mirrors

	counter, err := readCounter(ctx, s.store)
	if err != nil {
		return result, err
	}
	counter.Count = max(0, counter.Count-int64(result.Evicted))
	counter.LastDate = domain.FormatTimestamp(s.now())
	if err := s.store.PutItem(ctx, counter.Item()); err != nil {
		return result, fmt.Errorf("writing counter: %w", err)
	}

	log.Info("Sweep complete", "cutoff", result.Cutoff, "evicted", result.Evicted)
	return result, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, retentionDays int) {
	s.runOnce(ctx, retentionDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, retentionDays)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context, retentionDays int) {
	start := time.Now()
	result, err := s.Sweep(ctx, retentionDays)
	if err != nil {
		log.Error("Scheduled sweep failed", "error", err)
		return
	}
	log.Info("Scheduled sweep finished", "evicted", result.Evicted, "duration", time.Since(start))
}
