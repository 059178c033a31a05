package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
)

// DefaultPageSize is the number of items returned per scan page.
const DefaultPageSize = 100

// Store is an in-memory implementation of the storage interface for testing.
// Scans page through keys in sorted order so callers exercise pagination.
type Store struct {
	mu sync.RWMutex

	pageSize    int
	items       map[string]domain.Item
	apiKeys     map[string]*domain.APIKey
	syncRecords []*domain.SyncRecord
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return NewWithPageSize(DefaultPageSize)
}

// NewWithPageSize creates a store whose scans return at most pageSize items per page.
func NewWithPageSize(pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		pageSize: pageSize,
		items:    make(map[string]domain.Item),
		apiKeys:  make(map[string]*domain.APIKey),
	}
}

func (s *Store) Close() error { return nil }

// ============================================
// Keyed items
// ============================================

func (s *Store) GetItem(ctx context.Context, key string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, exists := s.items[key]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return &item, nil
}

func (s *Store) PutItem(ctx context.Context, item *domain.Item) error {
	if item.PK == "" {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.PK] = *item
	return nil
}

func (s *Store) PutItemIfAbsent(ctx context.Context, item *domain.Item) (storage.PutResult, error) {
	if item.PK == "" {
		return storage.PutCreated, domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.PK]; exists {
		return storage.PutExists, nil
	}
	s.items[item.PK] = *item
	return storage.PutCreated, nil
}

// DeleteItem removes an item. Deleting a missing key is not an error.
func (s *Store) DeleteItem(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) BatchDelete(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.items, key)
	}
	return nil
}

// Scan returns matching items with keys greater than pageToken, in key order.
func (s *Store) Scan(ctx context.Context, filter storage.ScanFilter, pageToken string) (*storage.ScanPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		if key > pageToken {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	page := &storage.ScanPage{}
	for _, key := range keys {
		item := s.items[key]
		if !filter.Match(&item) {
			continue
		}
		if len(page.Items) == s.pageSize {
			// another match remains past the full page
			page.NextToken = page.Items[len(page.Items)-1].PK
			break
		}
		page.Items = append(page.Items, &item)
	}
	return page, nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.apiKeys[key.ID] = key
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			return key, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Sync records
// ============================================

func (s *Store) CreateSyncRecord(ctx context.Context, record *domain.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncRecords = append(s.syncRecords, record)
	return nil
}

// ListSyncRecords returns records newest first.
func (s *Store) ListSyncRecords(ctx context.Context, limit, offset int) ([]*domain.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*domain.SyncRecord, 0, len(s.syncRecords))
	for i := len(s.syncRecords) - 1; i >= 0; i-- {
		records = append(records, s.syncRecords[i])
	}
	if offset >= len(records) {
		return []*domain.SyncRecord{}, nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}
