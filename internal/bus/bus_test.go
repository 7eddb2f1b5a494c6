package bus

import (
	"testing"
	"time"
)

func TestNotifier_PublishSubscribe(t *testing.T) {
	n := New()
	sub := n.Subscribe(TopicTaskSelection)
	defer n.Unsubscribe(sub)

	n.Publish(Signal{Topic: TopicTaskSelection, Kind: "claimed", MemberIDs: []string{"agent-1"}})

	select {
	case sig := <-sub.Ch():
		if sig.Topic != TopicTaskSelection {
			t.Fatalf("topic = %q, want %q", sig.Topic, TopicTaskSelection)
		}
		if !sig.Concerns("agent-1") {
			t.Fatal("signal should concern agent-1")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
}

func TestNotifier_TopicIsolation(t *testing.T) {
	n := New()
	taskSub := n.Subscribe(TopicTaskChanging)
	defer n.Unsubscribe(taskSub)
	allSub := n.Subscribe("")
	defer n.Unsubscribe(allSub)

	n.Publish(Signal{Topic: TopicTaskChanging, MemberIDs: []string{"g1"}})
	n.Publish(Signal{Topic: TopicNewDisposition, MemberIDs: []string{"g1"}})

	select {
	case sig := <-taskSub.Ch():
		if sig.Topic != TopicTaskChanging {
			t.Fatalf("topic = %q, want TASK_CHANGING", sig.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task signal")
	}

	select {
	case sig := <-taskSub.Ch():
		t.Fatalf("unexpected signal on taskSub: %v", sig)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting on allSub")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d signals, want 2", received)
	}
}

func TestSignal_ConcernsExactMatch(t *testing.T) {
	sig := Signal{Topic: TopicTaskChanging, MemberIDs: []string{"agent-12", "group-3"}}

	if !sig.Concerns("agent-12") {
		t.Fatal("exact agent id should match")
	}
	if !sig.Concerns("nope", "group-3") {
		t.Fatal("exact group id should match")
	}
	// "agent-1" is a prefix of "agent-12" and must not match.
	if sig.Concerns("agent-1") {
		t.Fatal("prefix of a member id must not match")
	}
	if sig.Concerns("") {
		t.Fatal("empty id must not match")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := New()
	sub := n.Subscribe(TopicGroupChanging)
	n.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", n.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	n.Unsubscribe(sub)
}

func TestNotifier_NonBlockingPublish(t *testing.T) {
	n := New()
	sub := n.Subscribe(TopicTaskChanging)
	defer n.Unsubscribe(sub)

	// Overflow the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			n.Publish(Signal{Topic: TopicTaskChanging, MemberIDs: []string{"g1"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestValidTopic(t *testing.T) {
	for _, topic := range Topics {
		if !ValidTopic(topic) {
			t.Fatalf("topic %q should be valid", topic)
		}
	}
	if ValidTopic("task_selection") {
		t.Fatal("lowercase variant should not be valid")
	}
}
