// Package events is the side-channel on which relay engines report what
// they are doing. Subscribers receive [Message] values; publishing never
// blocks an engine for longer than the publish timeout.
package events

import (
	"sync"
	"time"

	"github.com/moby/pubsub"
)

const (
	eventsLimit    = 256
	bufferSize     = 1024
	publishTimeout = 100 * time.Millisecond
)

// Action is what happened.
type Action string

const (
	ActionListen        Action = "listen"
	ActionAccept        Action = "accept"
	ActionConnect       Action = "connect"
	ActionConnectFailed Action = "connect-failed"
	ActionPriority      Action = "priority"
	ActionDisconnect    Action = "disconnect"
	ActionClientLearned Action = "client-learned"
	ActionDrop          Action = "drop"
	ActionSessionEnd    Action = "session-end"
	ActionRestart       Action = "restart"
)

// Message is a single diagnostic event.
type Message struct {
	Action Action
	// Mapping identifies the mapping, as returned by mapping.Mapping.Key.
	Mapping string
	// Peer is the remote address the event concerns, if any.
	Peer       string
	Attributes map[string]string
	Time       time.Time
}

// Events keeps the most recent messages and forwards new ones to
// subscribers.
type Events struct {
	mu     sync.Mutex
	events []Message
	pub    *pubsub.Publisher
}

// New returns a new Events instance.
func New() *Events {
	return &Events{
		events: make([]Message, 0, eventsLimit),
		pub:    pubsub.NewPublisher(publishTimeout, bufferSize),
	}
}

// Subscribe returns the recent messages and a channel on which new ones
// arrive. The returned function cancels the subscription.
func (e *Events) Subscribe() ([]Message, chan interface{}, func()) {
	e.mu.Lock()
	current := make([]Message, len(e.events))
	copy(current, e.events)
	l := e.pub.Subscribe()
	e.mu.Unlock()

	cancel := func() {
		e.Evict(l)
	}
	return current, l, cancel
}

// SubscribeTopic is like Subscribe, but only messages for which match
// returns true are delivered.
func (e *Events) SubscribeTopic(match func(Message) bool) ([]Message, chan interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var current []Message
	for _, m := range e.events {
		if match(m) {
			current = append(current, m)
		}
	}
	l := e.pub.SubscribeTopic(func(v interface{}) bool {
		m, ok := v.(Message)
		return ok && match(m)
	})
	return current, l
}

// Evict removes the given subscriber.
func (e *Events) Evict(l chan interface{}) {
	e.pub.Evict(l)
}

// SubscribersCount returns the number of active subscribers.
func (e *Events) SubscribersCount() int {
	return e.pub.Len()
}

// Log records a new event for the given mapping.
func (e *Events) Log(action Action, mapping, peer string, attributes map[string]string) {
	e.PublishMessage(Message{
		Action:     action,
		Mapping:    mapping,
		Peer:       peer,
		Attributes: attributes,
		Time:       time.Now().UTC(),
	})
}

// PublishMessage broadcasts msg to all subscribers and adds it to the
// history.
func (e *Events) PublishMessage(msg Message) {
	e.mu.Lock()
	if len(e.events) == cap(e.events) {
		// discard the oldest event
		copy(e.events, e.events[1:])
		e.events[len(e.events)-1] = msg
	} else {
		e.events = append(e.events, msg)
	}
	e.mu.Unlock()
	e.pub.Publish(msg)
}

// Close shuts down the publisher and closes all subscriber channels.
func (e *Events) Close() {
	e.pub.Close()
}
