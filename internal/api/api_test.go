package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/api"
	"github.com/bcnelson/waf-blocklist-manager/internal/auth"
	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/mirror"
	"github.com/bcnelson/waf-blocklist-manager/internal/service"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage/memory"
	"github.com/panjf2000/ants/v2"
)

// testServer creates a test server with in-memory storage and a file mirror
type testServer struct {
	handler      http.Handler
	store        *memory.Store
	shim         *mirror.FileShim
	bootstrapKey string
}

// fakeVerifier accepts exactly one token.
type fakeVerifier struct {
	token string
}

func (v *fakeVerifier) Verify(ctx context.Context, raw string) (*auth.OIDCClaims, error) {
	if raw != v.token {
		return nil, errors.New("bad token")
	}
	return &auth.OIDCClaims{Subject: "user-1", Email: "ops@example.com"}, nil
}

func newTestServer(t *testing.T, maxIPs int64) *testServer {
	t.Helper()
	store := memory.NewWithPageSize(2)
	shim := mirror.NewFileShim(t.TempDir())
	bootstrapKey := "test-bootstrap-key"

	now := func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	setup := service.NewBootstrapper(store, shim, service.SetupOptions{Environment: "test", Region: "eu-west-1"}, now)
	syncService := service.NewSyncService(store, shim, setup, now)

	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	t.Cleanup(pool.Release)

	handler := api.NewRouter(&api.Services{
		Store:     store,
		Setup:     setup,
		Sync:      syncService,
		Admission: service.NewAdmissionController(store, setup, syncService, maxIPs, now),
		Sweeper:   service.NewSweeper(store, setup, syncService, now),
		Pool:      pool,
		BlockDays: 30,
	}, bootstrapKey, &fakeVerifier{token: "oidc-token"})

	return &testServer{
		handler:      handler,
		store:        store,
		shim:         shim,
		bootstrapKey: bootstrapKey,
	}
}

func (ts *testServer) request(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = bytes.NewReader([]byte(b))
	default:
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) admit(t *testing.T, address, timestamp string) *domain.AdmissionResult {
	t.Helper()
	rr := ts.request("POST", "/api/v1/events", map[string]string{
		"address":   address,
		"country":   "Nowhere",
		"eventType": "PORT_PROBE",
		"timestamp": timestamp,
	}, ts.bootstrapKey)
	if rr.Code != http.StatusCreated && rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200/201, got %d: %s", rr.Code, rr.Body.String())
	}
	var result domain.AdmissionResult
	_ = json.Unmarshal(rr.Body.Bytes(), &result)
	return &result
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.request("GET", "/health", nil, "")

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, 10)

	// Request without auth header
	rr := ts.request("GET", "/api/v1/rules", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Request with invalid auth header format
	req := httptest.NewRequest("GET", "/api/v1/rules", nil)
	req.Header.Set("Authorization", "Basic invalid")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Request with an unknown key
	rr = ts.request("GET", "/api/v1/rules", nil, "invalid-key")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestOIDCTokenAuth(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.request("GET", "/api/v1/rules", nil, "oidc-token")
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with OIDC token, got %d", rr.Code)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t, 10)

	// Create API key using bootstrap key
	createReq := domain.CreateAPIKeyRequest{Name: "Test Key"}
	rr := ts.request("POST", "/api/v1/keys", createReq, ts.bootstrapKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var createResp domain.CreateAPIKeyResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &createResp)
	if createResp.Key == "" {
		t.Error("Expected key to be returned on creation")
	}

	// Bootstrap key stops working once a key exists
	rr = ts.request("GET", "/api/v1/rules", nil, ts.bootstrapKey)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected bootstrap key to be rejected, got %d", rr.Code)
	}

	// Use the new API key
	rr = ts.request("GET", "/api/v1/keys", nil, createResp.Key)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var list struct {
		Keys []*domain.APIKey `json:"keys"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Keys) != 1 {
		t.Errorf("Expected 1 key, got %d", len(list.Keys))
	}

	// A key cannot revoke itself
	rr = ts.request("DELETE", "/api/v1/keys/"+createResp.ID, nil, createResp.Key)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for self-revoke, got %d", rr.Code)
	}

	// A second key can revoke the first
	rr = ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "Rotated Key"}, createResp.Key)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var second domain.CreateAPIKeyResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &second)

	rr = ts.request("DELETE", "/api/v1/keys/"+createResp.ID, nil, second.Key)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
	rr = ts.request("GET", "/api/v1/rules", nil, createResp.Key)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected revoked key to be rejected, got %d", rr.Code)
	}
}

func TestAPIKeyNameValidation(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "  "}, ts.bootstrapKey)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for blank name, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"field":"name"`) {
		t.Errorf("Expected a name field error, got %s", rr.Body.String())
	}
}

func TestAdmitEvent(t *testing.T) {
	ts := newTestServer(t, 10)

	result := ts.admit(t, "10.0.0.5", "2024-01-01")
	if result.Prefix != "10.0.0.0/24" {
		t.Errorf("Expected prefix 10.0.0.0/24, got %s", result.Prefix)
	}
	if result.Outcome != domain.OutcomeInserted {
		t.Errorf("Expected inserted, got %s", result.Outcome)
	}

	again := ts.admit(t, "10.0.0.200", "2024-01-02")
	if again.Outcome != domain.OutcomeRefreshed {
		t.Errorf("Expected refreshed, got %s", again.Outcome)
	}

	rr := ts.request("GET", "/api/v1/counter", nil, ts.bootstrapKey)
	var counter domain.CounterRecord
	_ = json.Unmarshal(rr.Body.Bytes(), &counter)
	if counter.Count != 1 {
		t.Errorf("Expected count 1, got %d", counter.Count)
	}

	rr = ts.request("GET", "/api/v1/rules/10.0.0.0/24", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var rule domain.RuleRecord
	_ = json.Unmarshal(rr.Body.Bytes(), &rule)
	if rule.LastSeen != "2024-01-02T00:00:00Z" {
		t.Errorf("Expected lastSeen 2024-01-02T00:00:00Z, got %s", rule.LastSeen)
	}
}

func TestAdmitInvalidEvent(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.request("POST", "/api/v1/events", map[string]string{"address": "not-an-ip"}, ts.bootstrapKey)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}

	var resp struct {
		Errors []map[string]string `json:"errors"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Errors) < 2 {
		t.Errorf("Expected field errors, got %s", rr.Body.String())
	}
}

func TestAdmitGuardDutyFinding(t *testing.T) {
	ts := newTestServer(t, 10)

	finding := `{
		"detail": {
			"type": "Recon:EC2/PortProbeUnprotectedPort",
			"service": {
				"eventLastSeen": "2024-02-10T12:00:00Z",
				"action": {
					"actionType": "PORT_PROBE",
					"portProbeAction": {
						"portProbeDetails": [
							{"remoteIpDetails": {"ipAddressV4": "198.51.100.7", "country": {"countryName": "Testland"}}}
						]
					}
				}
			}
		}
	}`
	rr := ts.request("POST", "/api/v1/events/guardduty", finding, ts.bootstrapKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var result domain.AdmissionResult
	_ = json.Unmarshal(rr.Body.Bytes(), &result)
	if result.Prefix != "198.51.100.0/24" {
		t.Errorf("Expected prefix 198.51.100.0/24, got %s", result.Prefix)
	}
}

func TestAdmitBatch(t *testing.T) {
	ts := newTestServer(t, 100)

	var events []map[string]string
	for i := 1; i <= 6; i++ {
		events = append(events, map[string]string{
			"address":   fmt.Sprintf("10.0.%d.1", i),
			"country":   "Nowhere",
			"eventType": "PORT_PROBE",
			"timestamp": "2024-02-01T00:00:00Z",
		})
	}
	events = append(events, map[string]string{"address": "bogus"})

	rr := ts.request("POST", "/api/v1/events/batch", events, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Results []domain.BatchAdmissionResult `json:"results"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Results) != 7 {
		t.Fatalf("Expected 7 results, got %d", len(resp.Results))
	}
	for i, r := range resp.Results[:6] {
		if r.Error != "" || r.Result == nil {
			t.Errorf("Event %d: unexpected error %q", i, r.Error)
		}
	}
	if resp.Results[6].Error == "" {
		t.Error("Expected an error for the malformed event")
	}

	if n := ts.store.Len(); n != 6+2 {
		t.Errorf("Expected 6 rules plus setup and counter, got %d items", n)
	}
}

func TestRulesPagination(t *testing.T) {
	ts := newTestServer(t, 100)
	for i := 1; i <= 5; i++ {
		ts.admit(t, fmt.Sprintf("10.0.%d.1", i), "2024-02-01")
	}

	seen := 0
	cursor := ""
	for {
		rr := ts.request("GET", "/api/v1/rules?cursor="+cursor, nil, ts.bootstrapKey)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rr.Code)
		}
		var page struct {
			Rules      []domain.RuleRecord `json:"rules"`
			NextCursor string              `json:"nextCursor"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &page)
		seen += len(page.Rules)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if seen != 5 {
		t.Errorf("Expected 5 rules across pages, got %d", seen)
	}
}

func TestUnblockRule(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.admit(t, "10.0.0.5", "2024-02-01")

	rr := ts.request("DELETE", "/api/v1/rules/10.0.0.0%2F24", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = ts.request("GET", "/api/v1/rules/10.0.0.0/24", nil, ts.bootstrapKey)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.admit(t, "10.0.0.5", "2024-01-01")
	ts.admit(t, "20.0.0.5", "2024-02-15")

	rr := ts.request("POST", "/api/v1/sweep", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result domain.SweepResult
	_ = json.Unmarshal(rr.Body.Bytes(), &result)
	if result.Evicted != 1 {
		t.Errorf("Expected 1 evicted, got %d", result.Evicted)
	}

	rr = ts.request("POST", "/api/v1/sweep?days=0", nil, ts.bootstrapKey)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for zero days, got %d", rr.Code)
	}
}

func TestMirrorSyncAndHistory(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.admit(t, "10.0.0.5", "2024-02-01")

	rr := ts.request("GET", "/api/v1/setup", nil, ts.bootstrapKey)
	var setup domain.SetupRecord
	_ = json.Unmarshal(rr.Body.Bytes(), &setup)
	if !setup.Bootstrapped {
		t.Fatal("Expected setup to be bootstrapped")
	}

	rr = ts.request("POST", "/api/v1/mirrors/sync", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	members, _, err := ts.shim.Get(context.Background(), setup.RegionalMirror)
	if err != nil {
		t.Fatalf("reading mirror: %v", err)
	}
	if len(members) != 1 || members[0] != "10.0.0.0/24" {
		t.Errorf("Expected mirror to hold 10.0.0.0/24, got %v", members)
	}

	rr = ts.request("GET", "/api/v1/mirrors/history?limit=10", nil, ts.bootstrapKey)
	var history []domain.SyncRecord
	_ = json.Unmarshal(rr.Body.Bytes(), &history)
	// two mirrors, synced on admission and again on demand
	if len(history) != 4 {
		t.Errorf("Expected 4 sync records, got %d", len(history))
	}
}

func TestSetupBeforeBootstrap(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.request("GET", "/api/v1/setup", nil, ts.bootstrapKey)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}
