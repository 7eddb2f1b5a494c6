package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/colldesk/internal/bus"
)

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(env.ts.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAuthToken}},
	})
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func rpcCall(t *testing.T, conn *websocket.Conn, id int, method string, params any) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := wsjson.Write(ctx, conn, map[string]any{
		"jsonrpc": "2.0", "id": id, "method": method, "params": params,
	})
	if err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	// Skip notifications until the matching response arrives.
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read %s response: %v", method, err)
		}
		if msg.ID != nil {
			return msg
		}
	}
}

func readNotification(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read notification: %v", err)
		}
		if msg.Method != "" {
			return msg
		}
	}
}

func TestWSHelloAndSignalDelivery(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)
	conn := dialWS(t, env)

	resp := rpcCall(t, conn, 1, "session.hello", map[string]string{"agent_id": "agent-1"})
	if resp.Error != nil {
		t.Fatalf("hello error: %+v", resp.Error)
	}
	var hello struct {
		SessionID string `json:"session_id"`
		GroupID   string `json:"group_id"`
	}
	if err := json.Unmarshal(resp.Result, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.SessionID == "" || hello.GroupID != "grp-east" {
		t.Fatalf("hello = %+v", hello)
	}

	// A signal addressed to the agent's group arrives as a notification.
	env.notifier.Publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_grown",
		MemberIDs: []string{"grp-east"},
		AccountID: "acct-1",
	})

	note := readNotification(t, conn)
	if note.Method != "signal" {
		t.Fatalf("method = %q", note.Method)
	}
	var sig bus.Signal
	if err := json.Unmarshal(note.Params, &sig); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if sig.Topic != bus.TopicTaskChanging || sig.AccountID != "acct-1" {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestWSSignalSubscribeFiltersTopics(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)
	conn := dialWS(t, env)

	resp := rpcCall(t, conn, 1, "session.hello", map[string]string{"agent_id": "agent-1"})
	if resp.Error != nil {
		t.Fatalf("hello error: %+v", resp.Error)
	}
	resp = rpcCall(t, conn, 2, "signal.subscribe", map[string]any{
		"topics": []string{bus.TopicNewDisposition},
	})
	if resp.Error != nil {
		t.Fatalf("subscribe error: %+v", resp.Error)
	}

	// Both signals concern the agent's group; only the subscribed topic
	// should come through.
	env.notifier.Publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_grown",
		MemberIDs: []string{"grp-east"},
		AccountID: "acct-1",
	})
	env.notifier.Publish(bus.Signal{
		Topic:     bus.TopicNewDisposition,
		Kind:      "disposition_recorded",
		MemberIDs: []string{"grp-east"},
		AccountID: "acct-1",
	})

	note := readNotification(t, conn)
	var sig bus.Signal
	if err := json.Unmarshal(note.Params, &sig); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if sig.Topic != bus.TopicNewDisposition {
		t.Fatalf("topic = %q, want filtered delivery of %q", sig.Topic, bus.TopicNewDisposition)
	}

	resp = rpcCall(t, conn, 3, "signal.subscribe", map[string]any{"topics": []string{"BOGUS"}})
	if resp.Error == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestWSLeaseRenewRequiresHello(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)
	conn := dialWS(t, env)

	resp := rpcCall(t, conn, 1, "lease.renew", map[string]string{"account_id": "acct-1"})
	if resp.Error == nil {
		t.Fatal("expected error before session.hello")
	}
}

func TestWSSignalReplay(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)
	ctx := context.Background()

	// Produce two ledger entries through the store.
	if _, err := env.store.ClaimAccount(ctx, "acct-1", "agent-1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.store.ReleaseAccount(ctx, "acct-1", "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	conn := dialWS(t, env)
	resp := rpcCall(t, conn, 1, "signal.replay", map[string]any{"from_event_id": 0})
	if resp.Error != nil {
		t.Fatalf("replay error: %+v", resp.Error)
	}
	var replay struct {
		Events        []map[string]any `json:"events"`
		LatestEventID int64            `json:"latest_event_id"`
	}
	if err := json.Unmarshal(resp.Result, &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if len(replay.Events) != 2 || replay.LatestEventID < 2 {
		t.Fatalf("replay = %+v", replay)
	}
}

func TestWSUnknownMethod(t *testing.T) {
	env := newTestServer(t)
	conn := dialWS(t, env)

	resp := rpcCall(t, conn, 1, "bogus.method", nil)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("error = %+v, want method not found", resp.Error)
	}
}
