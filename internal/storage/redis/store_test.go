package redis

import (
	"context"
	"os"
	"testing"

	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage/storagetest"
	"github.com/google/uuid"
)

// TestStore needs a live server; set REDIS_TEST_URL (e.g. redis://localhost:6379/15).
func TestStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		ctx := context.Background()
		s, err := New(ctx, url, "test-"+uuid.NewString(), 2)
		if err != nil {
			t.Fatalf("opening store: %v", err)
		}
		t.Cleanup(func() {
			keys, _ := s.client.Keys(ctx, s.namespace+"*").Result()
			if len(keys) > 0 {
				s.client.Del(ctx, keys...)
			}
			s.Close()
		})
		return s
	})
}

func TestEscapeGlob(t *testing.T) {
	if got, want := escapeGlob("cidr#10.0.0.0/24"), "cidr#10.0.0.0/24"; got != want {
		t.Errorf("escapeGlob = %q, want %q", got, want)
	}
	if got, want := escapeGlob("a*b?[c]"), `a\*b\?\[c\]`; got != want {
		t.Errorf("escapeGlob = %q, want %q", got, want)
	}
}
