package storage

import (
	"context"
	"iter"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
)

// PutResult is the outcome of a conditional insert.
type PutResult int

const (
	// PutCreated means the item did not exist and was written.
	PutCreated PutResult = iota
	// PutExists means an item with the same key was already present; nothing was written.
	PutExists
)

func (r PutResult) String() string {
	if r == PutExists {
		return "exists"
	}
	return "created"
}

// ScanFilter restricts which items a scan returns. Zero fields match everything.
type ScanFilter struct {
	// KeyPrefix keeps items whose key starts with the prefix.
	KeyPrefix string
	// DateBefore keeps items whose date sorts strictly before the value.
	DateBefore string
}

// Match reports whether item passes the filter.
func (f ScanFilter) Match(item *domain.Item) bool {
	if f.KeyPrefix != "" && (len(item.PK) < len(f.KeyPrefix) || item.PK[:len(f.KeyPrefix)] != f.KeyPrefix) {
		return false
	}
	if f.DateBefore != "" && !(item.Date < f.DateBefore) {
		return false
	}
	return true
}

// ScanPage is one page of a scan. NextToken is empty on the last page.
type ScanPage struct {
	Items     []*domain.Item
	NextToken string
}

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use. No operation spans more than
// one item; callers must not assume multi-item atomicity.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Keyed items
	GetItem(ctx context.Context, key string) (*domain.Item, error)
	PutItem(ctx context.Context, item *domain.Item) error
	PutItemIfAbsent(ctx context.Context, item *domain.Item) (PutResult, error)
	DeleteItem(ctx context.Context, key string) error
	BatchDelete(ctx context.Context, keys []string) error
	Scan(ctx context.Context, filter ScanFilter, pageToken string) (*ScanPage, error)

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Mirror sync audit trail
	CreateSyncRecord(ctx context.Context, record *domain.SyncRecord) error
	ListSyncRecords(ctx context.Context, limit, offset int) ([]*domain.SyncRecord, error)
}

// Items walks every page of a scan. Iteration stops at the first error, which is
// yielded with a nil item.
func Items(ctx context.Context, s Storage, filter ScanFilter) iter.Seq2[*domain.Item, error] {
	return func(yield func(*domain.Item, error) bool) {
		token := ""
		for {
			page, err := s.Scan(ctx, filter, token)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.NextToken == "" {
				return
			}
			token = page.NextToken
		}
	}
}

// CollectItems materialises a full scan.
func CollectItems(ctx context.Context, s Storage, filter ScanFilter) ([]*domain.Item, error) {
	var items []*domain.Item
	for item, err := range Items(ctx, s, filter) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Rules returns every rule record in the store.
func Rules(ctx context.Context, s Storage) ([]*domain.RuleRecord, error) {
	items, err := CollectItems(ctx, s, ScanFilter{KeyPrefix: domain.RuleKeyPrefix})
	if err != nil {
		return nil, err
	}
	rules := make([]*domain.RuleRecord, 0, len(items))
	for _, item := range items {
		rule, err := domain.RuleFromItem(item)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
