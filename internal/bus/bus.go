package bus

import (
	"sync"
)

const defaultBufferSize = 100

// Signal topics. These are the only channels the notifier carries; each maps
// to one class of client-side list that must be re-pulled.
const (
	TopicTaskSelection  = "TASK_SELECTION"
	TopicTaskChanging   = "TASK_CHANGING"
	TopicNewDisposition = "NEW_DISPOSITION"
	TopicGroupChanging  = "GROUP_CHANGING"
)

// Topics lists every topic the notifier accepts, in stable order.
var Topics = []string{TopicTaskSelection, TopicTaskChanging, TopicNewDisposition, TopicGroupChanging}

// ValidTopic reports whether topic is one of the fixed notifier topics.
func ValidTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Signal is an addressed, payload-free broadcast unit. Recipients treat it
// purely as a "go re-fetch" trigger; it never carries business data.
type Signal struct {
	Topic     string   `json:"topic"`
	Kind      string   `json:"message"`
	MemberIDs []string `json:"member_ids"`

	// AccountID and Revision let an already-current client skip the re-pull.
	AccountID string `json:"account_id,omitempty"`
	Revision  int64  `json:"revision,omitempty"`
}

// Concerns reports whether any of the given agent/group ids is an exact
// member of the signal's address set. Exact set membership, never substring:
// an id that is a prefix of another must not match.
func (s Signal) Concerns(ids ...string) bool {
	for _, member := range s.MemberIDs {
		for _, id := range ids {
			if id != "" && member == id {
				return true
			}
		}
	}
	return false
}

// Subscription represents an active subscription to one topic.
type Subscription struct {
	id    int
	topic string
	ch    chan Signal
}

// Ch returns the channel to receive signals on.
func (s *Subscription) Ch() <-chan Signal {
	return s.ch
}

// Topic returns the topic this subscription is bound to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Notifier is an in-process broadcaster of addressed signals. Delivery is
// best-effort at-least-once: publishing never blocks, and a subscriber whose
// buffer is full misses the signal. A missed signal only delays the client's
// eventual re-sync; the assignment store stays authoritative.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Notifier.
func New() *Notifier {
	return &Notifier{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for signals on the given topic.
// An empty topic matches all topics. The returned channel is buffered;
// slow consumers miss signals rather than stalling publishers.
func (n *Notifier) Subscribe(topic string) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	sub := &Subscription{
		id:    n.nextID,
		topic: topic,
		ch:    make(chan Signal, defaultBufferSize),
	}
	n.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Sessions must
// unsubscribe on disconnect or the notifier leaks delivery targets.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[sub.id]; ok {
		delete(n.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans the signal out to every subscriber of its topic.
// Signals for the same account are delivered in publish order because
// claim/release on one account are serialized upstream; no ordering holds
// across accounts or topics.
func (n *Notifier) Publish(sig Signal) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub.topic != "" && sub.topic != sig.Topic {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
			// Buffer full, drop for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
