// Package storagetest holds the behaviour every storage.Storage implementation
// must share. Store packages run it from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. The store must be empty and should use a small page size so
// scans span several pages.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("ConditionalInsert", func(t *testing.T) { testConditionalInsert(t, newStore(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newStore(t)) })
	t.Run("ScanPaginates", func(t *testing.T) { testScanPaginates(t, newStore(t)) })
	t.Run("ScanDateBefore", func(t *testing.T) { testScanDateBefore(t, newStore(t)) })
	t.Run("BatchDelete", func(t *testing.T) { testBatchDelete(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
	t.Run("SyncRecords", func(t *testing.T) { testSyncRecords(t, newStore(t)) })
}

func rule(prefix, lastSeen string, n int64) *domain.Item {
	r := &domain.RuleRecord{Prefix: prefix, Country: "NL", EventType: "PORT_PROBE", LastSeen: lastSeen, RuleNumber: n}
	return r.Item()
}

func testConditionalInsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	first := rule("10.0.0.0/24", "2024-01-01T00:00:00Z", 1)

	res, err := s.PutItemIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, storage.PutCreated, res)

	res, err = s.PutItemIfAbsent(ctx, rule("10.0.0.0/24", "2024-02-01T00:00:00Z", 2))
	require.NoError(t, err)
	assert.Equal(t, storage.PutExists, res)

	got, err := s.GetItem(ctx, first.PK)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", got.Date, "losing insert must not overwrite")
	assert.Equal(t, int64(1), got.Rule)

	_, err = s.GetItem(ctx, domain.RuleKey("10.9.9.0/24"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testPutReplaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	counter := &domain.CounterRecord{Count: 3, Sequence: 7, LastDate: "2024-01-01T00:00:00Z"}
	require.NoError(t, s.PutItem(ctx, counter.Item()))

	counter.Count = 2
	require.NoError(t, s.PutItem(ctx, counter.Item()))

	got, err := s.GetItem(ctx, domain.CounterKey)
	require.NoError(t, err)
	assert.Equal(t, counter, domain.CounterFromItem(got))

	assert.ErrorIs(t, s.PutItem(ctx, &domain.Item{}), domain.ErrInvalidInput)
}

func testScanPaginates(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for i := range 5 {
		_, err := s.PutItemIfAbsent(ctx, rule(fmt.Sprintf("10.0.%d.0/24", i), "2024-01-01T00:00:00Z", int64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, s.PutItem(ctx, (&domain.CounterRecord{Count: 5}).Item()))

	rules, err := storage.Rules(ctx, s)
	require.NoError(t, err)
	assert.Len(t, rules, 5)

	all, err := storage.CollectItems(ctx, s, storage.ScanFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func testScanDateBefore(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	dates := map[string]string{
		"10.0.1.0/24": "2024-01-30T23:59:59Z",
		"10.0.2.0/24": "2024-01-31T00:00:00Z",
		"10.0.3.0/24": "2024-02-10T00:00:00Z",
	}
	for prefix, date := range dates {
		_, err := s.PutItemIfAbsent(ctx, rule(prefix, date, 1))
		require.NoError(t, err)
	}
	// the counter carries a date too but is never a rule
	require.NoError(t, s.PutItem(ctx, (&domain.CounterRecord{LastDate: "2023-01-01T00:00:00Z"}).Item()))

	items, err := storage.CollectItems(ctx, s, storage.ScanFilter{
		KeyPrefix:  domain.RuleKeyPrefix,
		DateBefore: "2024-01-31T00:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.RuleKey("10.0.1.0/24"), items[0].PK)
}

func testBatchDelete(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	var keys []string
	for i := range 3 {
		item := rule(fmt.Sprintf("10.1.%d.0/24", i), "2024-01-01T00:00:00Z", 1)
		_, err := s.PutItemIfAbsent(ctx, item)
		require.NoError(t, err)
		keys = append(keys, item.PK)
	}

	require.NoError(t, s.BatchDelete(ctx, keys[:2]))
	require.NoError(t, s.BatchDelete(ctx, nil))
	require.NoError(t, s.DeleteItem(ctx, domain.RuleKey("10.250.0.0/24")), "missing key is not an error")

	rules, err := storage.Rules(ctx, s)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "10.1.2.0/24", rules[0].Prefix)
}

func testAPIKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := &domain.APIKey{
		ID:        "key-1",
		Name:      "ingest",
		KeyHash:   "hash-1",
		KeyPrefix: "wbl_abcd",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), domain.ErrAlreadyExists)

	n, err := s.CountAPIKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.ID)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, "key-1"))
	got, err = s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, s.DeleteAPIKey(ctx, "key-1"))
	assert.ErrorIs(t, s.DeleteAPIKey(ctx, "key-1"), domain.ErrNotFound)
	_, err = s.GetAPIKeyByHash(ctx, "hash-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testSyncRecords(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, s.CreateSyncRecord(ctx, &domain.SyncRecord{
			ID:         fmt.Sprintf("sync-%d", i),
			MirrorName: "waf-blocklist-regional",
			MirrorID:   "id",
			Scope:      string(domain.ScopeRegional),
			Members:    i,
			Status:     domain.SyncStatusSuccess,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.ListSyncRecords(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sync-2", records[0].ID, "newest first")
	assert.Equal(t, "sync-1", records[1].ID)

	records, err = s.ListSyncRecords(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sync-0", records[0].ID)
}
