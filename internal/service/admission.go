package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/bcnelson/waf-blocklist-manager/internal/validation"
	"github.com/charmbracelet/log"
)

// AdmissionController decides, per event, whether to insert a new rule,
// refresh an existing one, or evict the oldest rule to stay within MaxIPs.
//
// Within one process the counter is read and written under mu, so rule
// numbers are unique and the count is exact. Across instances the counter is
// still written without a condition: concurrent admissions there can over or
// undercount, share a rule number, or pick the same victim. The conditional
// insert on the rule key is the only cross-instance guarantee: one rule per
// prefix.
type AdmissionController struct {
	store  storage.Storage
	setup  *Bootstrapper
	sync   *SyncService
	maxIPs int64
	now    Clock
	mu     sync.Mutex
}

// NewAdmissionController creates a new AdmissionController.
func NewAdmissionController(store storage.Storage, setup *Bootstrapper, sync *SyncService, maxIPs int64, now Clock) *AdmissionController {
	if now == nil {
		now = time.Now
	}
	return &AdmissionController{store: store, setup: setup, sync: sync, maxIPs: maxIPs, now: now}
}

// Admit runs one event through the blocklist.
func (a *AdmissionController) Admit(ctx context.Context, ev domain.Event) (*domain.AdmissionResult, error) {
	if err := validation.ValidateEvent(ev).Err(); err != nil {
		return nil, err
	}
	prefix, err := domain.PrefixFor(ev.Address)
	if err != nil {
		return nil, err
	}

	if _, err := a.setup.EnsureSetup(ctx); err != nil {
		return nil, err
	}

	result, err := a.admit(ctx, prefix, ev)
	if err != nil || !result.MembershipChanged {
		return result, err
	}

	// The rule is already stored; a failed resync is corrected by the next one.
	mirrors, err := a.sync.ResyncMirrors(ctx)
	if err != nil {
		log.Error("Mirror resync after admission failed", "cidr", prefix, "error", err)
	}
	result.Mirrors = mirrors
	return result, nil
}

// admit does the counter read, the conditional insert, the eviction and the
// counter write as one step per process.
func (a *AdmissionController) admit(ctx context.Context, prefix string, ev domain.Event) (*domain.AdmissionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	counter, err := readCounter(ctx, a.store)
	if err != nil {
		return nil, err
	}
	nextCount := counter.Count + 1

	var victim *domain.RuleRecord
	if nextCount > a.maxIPs {
		nextCount = a.maxIPs
		if victim, err = a.oldestRule(ctx); err != nil {
			return nil, err
		}
	}

	rule := &domain.RuleRecord{
		Prefix:     prefix,
		Country:    ev.Country,
		EventType:  ev.EventType,
		LastSeen:   domain.FormatTimestamp(ev.Timestamp),
		RuleNumber: counter.Sequence + 1,
	}
	put, err := a.store.PutItemIfAbsent(ctx, rule.Item())
	if err != nil {
		return nil, fmt.Errorf("inserting rule %s: %w", prefix, err)
	}

	if put == storage.PutExists {
		return a.refresh(ctx, rule)
	}

	result := &domain.AdmissionResult{
		Prefix:            prefix,
		Outcome:           domain.OutcomeInserted,
		MembershipChanged: true,
		RuleNumber:        rule.RuleNumber,
	}
	if victim != nil && victim.Prefix != prefix {
		if err := a.store.DeleteItem(ctx, victim.Key()); err != nil {
			return nil, fmt.Errorf("evicting rule %s: %w", victim.Prefix, err)
		}
		result.Evicted = victim.Prefix
		log.Info("Rule evicted", "cidr", victim.Prefix, "lastSeen", victim.LastSeen)
	}

	counter.Count = nextCount
	counter.Sequence = rule.RuleNumber
	counter.LastDate = domain.FormatTimestamp(a.now())
	if err := a.store.PutItem(ctx, counter.Item()); err != nil {
		return nil, fmt.Errorf("writing counter: %w", err)
	}
	log.Info("Rule inserted", "cidr", prefix, "rule", rule.RuleNumber, "country", rule.Country, "eventType", rule.EventType)
	return result, nil
}

// refresh rewrites an existing rule's lastSeen. Country, event type and rule
// number stay as first recorded, and lastSeen never moves backwards.
func (a *AdmissionController) refresh(ctx context.Context, incoming *domain.RuleRecord) (*domain.AdmissionResult, error) {
	item, err := a.store.GetItem(ctx, incoming.Key())
	if err != nil {
		return nil, fmt.Errorf("reading rule %s: %w", incoming.Prefix, err)
	}
	existing, err := domain.RuleFromItem(item)
	if err != nil {
		return nil, err
	}

	if incoming.LastSeen > existing.LastSeen {
		existing.LastSeen = incoming.LastSeen
		if err := a.store.PutItem(ctx, existing.Item()); err != nil {
			return nil, fmt.Errorf("refreshing rule %s: %w", existing.Prefix, err)
		}
	}
	log.Debug("Rule refreshed", "cidr", existing.Prefix, "lastSeen", existing.LastSeen)

	return &domain.AdmissionResult{
		Prefix:     existing.Prefix,
		Outcome:    domain.OutcomeRefreshed,
		RuleNumber: existing.RuleNumber,
	}, nil
}

// oldestRule scans every rule and returns the one with the smallest lastSeen,
// or nil if there are none. Ties go to the lowest prefix.
func (a *AdmissionController) oldestRule(ctx context.Context) (*domain.RuleRecord, error) {
	rules, err := storage.Rules(ctx, a.store)
	if err != nil {
		return nil, fmt.Errorf("scanning rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].LastSeen != rules[j].LastSeen {
			return rules[i].LastSeen < rules[j].LastSeen
		}
		return rules[i].Prefix < rules[j].Prefix
	})
	return rules[0], nil
}

// Unblock removes a rule by hand and resyncs the mirrors.
func (a *AdmissionController) Unblock(ctx context.Context, prefix string) ([]domain.MirrorSyncResult, error) {
	if err := validation.ValidatePrefix(prefix); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	if err := a.remove(ctx, prefix); err != nil {
		return nil, err
	}
	log.Info("Rule removed", "cidr", prefix)

	return a.sync.ResyncMirrors(ctx)
}

func (a *AdmissionController) remove(ctx context.Context, prefix string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := domain.RuleKey(prefix)
	if _, err := a.store.GetItem(ctx, key); err != nil {
		return err
	}
	if err := a.store.DeleteItem(ctx, key); err != nil {
		return fmt.Errorf("deleting rule %s: %w", prefix, err)
	}

	counter, err := readCounter(ctx, a.store)
	if err != nil {
		return err
	}
	if counter.Count > 0 {
		counter.Count--
	}
	counter.LastDate = domain.FormatTimestamp(a.now())
	if err := a.store.PutItem(ctx, counter.Item()); err != nil {
		return fmt.Errorf("writing counter: %w", err)
	}
	return nil
}

// GetRule returns the rule for a prefix.
func (a *AdmissionController) GetRule(ctx context.Context, prefix string) (*domain.RuleRecord, error) {
	item, err := a.store.GetItem(ctx, domain.RuleKey(prefix))
	if err != nil {
		return nil, err
	}
	return domain.RuleFromItem(item)
}

// Counter returns the advisory counter record.
func (a *AdmissionController) Counter(ctx context.Context) (*domain.CounterRecord, error) {
	return readCounter(ctx, a.store)
}

// ListRules returns one page of rules. Pass the returned cursor back to get the
// next page; an empty cursor means there are no more.
func (a *AdmissionController) ListRules(ctx context.Context, cursor string) ([]*domain.RuleRecord, string, error) {
	page, err := a.store.Scan(ctx, storage.ScanFilter{KeyPrefix: domain.RuleKeyPrefix}, cursor)
	if err != nil {
		return nil, "", err
	}
	rules := make([]*domain.RuleRecord, 0, len(page.Items))
	for _, item := range page.Items {
		rule, err := domain.RuleFromItem(item)
		if err != nil {
			return nil, "", err
		}
		rules = append(rules, rule)
	}
	return rules, page.NextToken, nil
}
