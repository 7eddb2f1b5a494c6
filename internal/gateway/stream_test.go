package gateway_test

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/colldesk/internal/bus"
)

func TestSignalStreamSSE(t *testing.T) {
	env := newTestServer(t)
	env.seed(t)

	url := env.ts.URL + "/api/v1/signals/stream?agent_id=agent-1&token=" + testAuthToken
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler time to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.notifier.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.notifier.Publish(bus.Signal{
		Topic:     bus.TopicTaskSelection,
		Kind:      "claimed",
		MemberIDs: []string{"agent-1"},
		AccountID: "acct-1",
	})

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatalf("no data line received: %v", scanner.Err())
	}

	var sig bus.Signal
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if sig.Topic != bus.TopicTaskSelection || sig.AccountID != "acct-1" {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestSignalStreamRejectsBadToken(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/api/v1/signals/stream?agent_id=agent-1&token=wrong")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
