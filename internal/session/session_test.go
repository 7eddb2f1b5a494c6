package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/colldesk/internal/bus"
	"github.com/basket/colldesk/internal/session"
)

func waitFor(t *testing.T, ch <-chan bus.Signal) bus.Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return bus.Signal{}
	}
}

func TestRegistryDeliversConcerningSignals(t *testing.T) {
	notifier := bus.New()
	reg := session.NewRegistry(notifier, nil)

	got := make(chan bus.Signal, 10)
	s := reg.Register(context.Background(), "agent-1", "grp-east", func(sig bus.Signal) {
		got <- sig
	})
	defer reg.Unregister(s)

	notifier.Publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_shrunk",
		MemberIDs: []string{"grp-east"},
		AccountID: "acct-1",
	})

	sig := waitFor(t, got)
	if sig.Topic != bus.TopicTaskChanging || sig.AccountID != "acct-1" {
		t.Fatalf("got %+v", sig)
	}
}

func TestRegistryFiltersUnrelatedSignals(t *testing.T) {
	notifier := bus.New()
	reg := session.NewRegistry(notifier, nil)

	got := make(chan bus.Signal, 10)
	s := reg.Register(context.Background(), "agent-1", "grp-east", func(sig bus.Signal) {
		got <- sig
	})
	defer reg.Unregister(s)

	// Addressed to a different agent and group. "agent-1" is a prefix of
	// "agent-12"; exact membership must not match it.
	notifier.Publish(bus.Signal{
		Topic:     bus.TopicTaskSelection,
		Kind:      "claimed",
		MemberIDs: []string{"agent-12", "grp-west"},
	})
	notifier.Publish(bus.Signal{
		Topic:     bus.TopicTaskSelection,
		Kind:      "claimed",
		MemberIDs: []string{"agent-1"},
	})

	sig := waitFor(t, got)
	if !sig.Concerns("agent-1") {
		t.Fatalf("first delivered signal should concern agent-1, got %+v", sig)
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected extra signal: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetGroupIDRedirectsDelivery(t *testing.T) {
	notifier := bus.New()
	reg := session.NewRegistry(notifier, nil)

	got := make(chan bus.Signal, 10)
	s := reg.Register(context.Background(), "agent-1", "grp-east", func(sig bus.Signal) {
		got <- sig
	})
	defer reg.Unregister(s)

	s.SetGroupID("grp-west")

	notifier.Publish(bus.Signal{Topic: bus.TopicTaskChanging, Kind: "pool_grown", MemberIDs: []string{"grp-east"}})
	notifier.Publish(bus.Signal{Topic: bus.TopicTaskChanging, Kind: "pool_grown", MemberIDs: []string{"grp-west"}})

	sig := waitFor(t, got)
	if !sig.Concerns("grp-west") {
		t.Fatalf("expected grp-west signal, got %+v", sig)
	}
}

func TestSetTopicsRestrictsDelivery(t *testing.T) {
	notifier := bus.New()
	reg := session.NewRegistry(notifier, nil)

	got := make(chan bus.Signal, 10)
	s := reg.Register(context.Background(), "agent-1", "grp-east", func(sig bus.Signal) {
		got <- sig
	})
	defer reg.Unregister(s)

	s.SetTopics([]string{bus.TopicNewDisposition})

	notifier.Publish(bus.Signal{Topic: bus.TopicTaskChanging, Kind: "pool_grown", MemberIDs: []string{"grp-east"}})
	notifier.Publish(bus.Signal{Topic: bus.TopicNewDisposition, Kind: "disposition_recorded", MemberIDs: []string{"grp-east"}})

	sig := waitFor(t, got)
	if sig.Topic != bus.TopicNewDisposition {
		t.Fatalf("topic = %q, want %q", sig.Topic, bus.TopicNewDisposition)
	}

	// Empty list restores all topics.
	s.SetTopics(nil)
	notifier.Publish(bus.Signal{Topic: bus.TopicTaskChanging, Kind: "pool_grown", MemberIDs: []string{"grp-east"}})
	sig = waitFor(t, got)
	if sig.Topic != bus.TopicTaskChanging {
		t.Fatalf("topic after reset = %q", sig.Topic)
	}
}

func TestUnregisterStopsPump(t *testing.T) {
	notifier := bus.New()
	reg := session.NewRegistry(notifier, nil)

	s := reg.Register(context.Background(), "agent-1", "grp-east", func(bus.Signal) {})
	if reg.Count() != 1 {
		t.Fatalf("Count = %d", reg.Count())
	}

	reg.Unregister(s)
	if reg.Count() != 0 {
		t.Fatalf("Count after unregister = %d", reg.Count())
	}
	if notifier.SubscriberCount() != 0 {
		t.Fatalf("subscriber leaked: %d", notifier.SubscriberCount())
	}

	// Double unregister is a no-op.
	reg.Unregister(s)
}

func TestDisconnectDoesNotTouchOwnership(t *testing.T) {
	// The registry has no store dependency at all; dropping a session can't
	// release a claim by construction. This pins the contract.
	notifier := bus.New()
	reg := session.NewRegistry(notifier, nil)
	s := reg.Register(context.Background(), "agent-1", "grp-east", func(bus.Signal) {})
	reg.Unregister(s)
	if _, ok := reg.Session(s.ID); ok {
		t.Fatal("session still registered")
	}
}
