package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/colldesk/internal/bus"
	"github.com/basket/colldesk/internal/coordinator"
	"github.com/basket/colldesk/internal/gateway"
	"github.com/basket/colldesk/internal/session"
	"github.com/basket/colldesk/internal/store"
)

const testAuthToken = "test-token-colldesk"

type testEnv struct {
	ts       *httptest.Server
	store    *store.Store
	notifier *bus.Notifier
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "colldesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	notifier := bus.New()
	coord := coordinator.New(coordinator.Config{Store: s, Notifier: notifier})
	sessions := session.NewRegistry(notifier, nil)

	srv := gateway.New(gateway.Config{
		Store:             s,
		Coordinator:       coord,
		Notifier:          notifier,
		Sessions:          sessions,
		AuthToken:         testAuthToken,
		ConfigFingerprint: "cfg-test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: s, notifier: notifier}
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	err := e.store.UpsertAccount(ctx, store.Account{
		ID: "acct-1", DebtorName: "J. Debtor", GroupID: "grp-east", BucketID: "bucket-30d",
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	err = e.store.UpsertAgent(ctx, store.AgentRecord{
		AgentID: "agent-1", DisplayName: "Dana", GroupID: "grp-east",
		BucketIDs: []string{"bucket-30d"}, Status: "active",
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func doJSON(t *testing.T, method, url string, payload any, authenticated bool) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+testAuthToken)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode JSON: %v\nbody: %s", err, data)
	}
	return out
}

func TestClaimEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/accounts/acct-1/claim",
		map[string]string{"agent_id": "agent-1"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}

	owned := doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/agents/agent-1/tasks", nil, true)
	if owned.StatusCode != http.StatusOK {
		t.Fatalf("tasks status = %d", owned.StatusCode)
	}
	tasks := decodeJSON(t, owned)
	accounts, _ := tasks["accounts"].([]any)
	if len(accounts) != 1 {
		t.Fatalf("accounts = %v", tasks)
	}
}

func TestClaimConflictReturns409(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)
	ctx := context.Background()
	err := env.store.UpsertAgent(ctx, store.AgentRecord{
		AgentID: "agent-2", GroupID: "grp-east", BucketIDs: []string{"bucket-30d"}, Status: "active",
	})
	if err != nil {
		t.Fatalf("seed agent-2: %v", err)
	}

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/accounts/acct-1/claim",
		map[string]string{"agent_id": "agent-1"}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first claim status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/accounts/acct-1/claim",
		map[string]string{"agent_id": "agent-2"}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict status = %d, want 409", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["code"] != coordinator.CodeAlreadyClaimed {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestSwapEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)
	ctx := context.Background()
	err := env.store.UpsertAccount(ctx, store.Account{
		ID: "acct-2", GroupID: "grp-east", BucketID: "bucket-30d",
	})
	if err != nil {
		t.Fatalf("seed acct-2: %v", err)
	}

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/accounts/acct-1/claim",
		map[string]string{"agent_id": "agent-1"}, true)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/accounts/swap", map[string]string{
		"agent_id": "agent-1", "old_account_id": "acct-1", "new_account_id": "acct-2",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("swap status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	owner, err := env.store.Owner(ctx, "acct-2")
	if err != nil || owner != "agent-1" {
		t.Fatalf("owner = %q err = %v", owner, err)
	}
}

func TestGroupPoolEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)

	resp := doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/groups/grp-east/pool?agent_id=agent-1", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pool status = %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	accounts, _ := body["accounts"].([]any)
	if len(accounts) != 1 {
		t.Fatalf("pool = %v", body)
	}

	resp = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/groups/grp-east/pool?agent_id=agent-ghost", nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost agent status = %d", resp.StatusCode)
	}
}

func TestDispositionValidation(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/dispositions", map[string]any{
		"account_id": "acct-1", "agent_id": "agent-1", "code": "PTP", "amount_cents": 5000,
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disposition status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown code fails schema validation before hitting the store.
	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/dispositions", map[string]any{
		"account_id": "acct-1", "agent_id": "agent-1", "code": "BOGUS",
	}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus code status = %d, want 400", resp.StatusCode)
	}

	// Negative amounts are rejected too.
	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/dispositions", map[string]any{
		"account_id": "acct-1", "agent_id": "agent-1", "code": "PAYMENT", "amount_cents": -100,
	}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative amount status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/dispositions?account_id=acct-1", nil, true)
	body := decodeJSON(t, resp)
	items, _ := body["dispositions"].([]any)
	if len(items) != 1 {
		t.Fatalf("dispositions = %v", body)
	}
}

func TestMoveAgentGroupEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/groups/grp-west/members",
		map[string]string{"agent_id": "agent-1"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("group move status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	agent, err := env.store.Agent(context.Background(), "agent-1")
	if err != nil || agent.GroupID != "grp-west" {
		t.Fatalf("agent group = %v err = %v", agent, err)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/accounts/acct-1/claim"},
		{http.MethodGet, "/api/v1/agents/agent-1/tasks"},
		{http.MethodGet, "/api/v1/groups/grp-east/pool?agent_id=agent-1"},
		{http.MethodGet, "/metrics"},
	}
	for _, p := range paths {
		resp := doJSON(t, p.method, env.ts.URL+p.path, map[string]string{"agent_id": "agent-1"}, false)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
	}

	// Healthz stays open for probes.
	resp := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil, false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestHealthzPayload(t *testing.T) {
	env := newTestServer(t)

	resp := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil, false)
	body := decodeJSON(t, resp)
	if body["healthy"] != true || body["config_hash"] != "cfg-test" {
		t.Fatalf("healthz = %v", body)
	}
}
