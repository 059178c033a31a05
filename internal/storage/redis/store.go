// Package redis implements storage.Storage on top of Redis. Every item is a
// JSON string under its own key, so SETNX gives the conditional insert and the
// SCAN cursor doubles as the scan page token.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultPageSize is the COUNT hint passed to SCAN.
const DefaultPageSize = 500

const (
	itemPrefix      = "item:"
	apiKeyPrefix    = "apikey:"
	apiKeyHashIndex = "apikeys:byhash"
	syncRecordsKey  = "syncs"
)

// Store implements the storage.Storage interface using Redis.
type Store struct {
	client    *redis.Client
	namespace string
	pageSize  int64
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New connects to the Redis instance at url. All keys are prefixed with namespace.
func New(ctx context.Context, url, namespace string, pageSize int) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &Store{client: client, namespace: namespace, pageSize: int64(pageSize)}, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) itemKey(pk string) string {
	return s.namespace + itemPrefix + pk
}

// ============================================
// Keyed items
// ============================================

func (s *Store) GetItem(ctx context.Context, key string) (*domain.Item, error) {
	data, err := s.client.Get(ctx, s.itemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var item domain.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding item %q: %w", key, err)
	}
	return &item, nil
}

func (s *Store) PutItem(ctx context.Context, item *domain.Item) error {
	if item.PK == "" {
		return domain.ErrInvalidInput
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.itemKey(item.PK), data, 0).Err()
}

func (s *Store) PutItemIfAbsent(ctx context.Context, item *domain.Item) (storage.PutResult, error) {
	if item.PK == "" {
		return storage.PutCreated, domain.ErrInvalidInput
	}
	data, err := json.Marshal(item)
	if err != nil {
		return storage.PutCreated, err
	}
	ok, err := s.client.SetNX(ctx, s.itemKey(item.PK), data, 0).Result()
	if err != nil {
		return storage.PutCreated, err
	}
	if !ok {
		return storage.PutExists, nil
	}
	return storage.PutCreated, nil
}

func (s *Store) DeleteItem(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.itemKey(key)).Err()
}

func (s *Store) BatchDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.itemKey(key)
	}
	return s.client.Del(ctx, full...).Err()
}

// Scan runs one SCAN step. The page token is the Redis cursor; SCAN may return
// empty pages with a non-zero cursor, which callers simply follow.
func (s *Store) Scan(ctx context.Context, filter storage.ScanFilter, pageToken string) (*storage.ScanPage, error) {
	var cursor uint64
	if pageToken != "" {
		c, err := strconv.ParseUint(pageToken, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q: %w", pageToken, domain.ErrInvalidInput)
		}
		cursor = c
	}

	match := s.itemKey(escapeGlob(filter.KeyPrefix)) + "*"
	keys, next, err := s.client.Scan(ctx, cursor, match, s.pageSize).Result()
	if err != nil {
		return nil, err
	}

	page := &storage.ScanPage{}
	if next != 0 {
		page.NextToken = strconv.FormatUint(next, 10)
	}
	if len(keys) == 0 {
		return page, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		var item domain.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decoding item %q: %w", keys[i], err)
		}
		if filter.Match(&item) {
			page.Items = append(page.Items, &item)
		}
	}
	return page, nil
}

// escapeGlob escapes SCAN MATCH metacharacters.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	data, err := json.Marshal(apiKeyRecord{APIKey: *key, Hash: key.KeyHash})
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.namespace+apiKeyPrefix+key.ID, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyExists
	}
	return s.client.HSet(ctx, s.namespace+apiKeyHashIndex, key.KeyHash, key.ID).Err()
}

// apiKeyRecord keeps the hash, which domain.APIKey hides from JSON.
type apiKeyRecord struct {
	domain.APIKey
	Hash string `json:"hash"`
}

func (s *Store) getAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	data, err := s.client.Get(ctx, s.namespace+apiKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec apiKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.APIKey.KeyHash = rec.Hash
	return &rec.APIKey, nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	id, err := s.client.HGet(ctx, s.namespace+apiKeyHashIndex, keyHash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.getAPIKey(ctx, id)
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	ids, err := s.client.HVals(ctx, s.namespace+apiKeyHashIndex).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]*domain.APIKey, 0, len(ids))
	for _, id := range ids {
		key, err := s.getAPIKey(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	key, err := s.getAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.HDel(ctx, s.namespace+apiKeyHashIndex, key.KeyHash).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, s.namespace+apiKeyPrefix+id).Err()
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	key, err := s.getAPIKey(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	key.LastUsedAt = &now
	data, err := json.Marshal(apiKeyRecord{APIKey: *key, Hash: key.KeyHash})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.namespace+apiKeyPrefix+id, data, 0).Err()
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.namespace+apiKeyHashIndex).Result()
	return int(n), err
}

// ============================================
// Sync records
// ============================================

func (s *Store) CreateSyncRecord(ctx context.Context, record *domain.SyncRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.namespace+syncRecordsKey, data).Err()
}

func (s *Store) ListSyncRecords(ctx context.Context, limit, offset int) ([]*domain.SyncRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.namespace+syncRecordsKey, int64(offset), stop).Result()
	if err != nil {
		return nil, err
	}
	records := make([]*domain.SyncRecord, 0, len(raw))
	for _, r := range raw {
		var rec domain.SyncRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, nil
}
