// Package events carries session notifications to operational tooling
package events

import "time"

// Topics published by the accounting state machine
const (
	TopicSessionExpired = "radiusd:events:session:expired"
	TopicSessionClosed  = "radiusd:events:session:closed"
)

// Event is a published notification
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	Data      any
}

// SessionEvent is the payload of the session topics
type SessionEvent struct {
	AccountNumber  string
	NasAddr        string
	AcctSessionID  string
	Outcome        string
	TerminateCause uint32
}

// Handler receives events
type Handler func(Event)

// Subscription is returned by Subscribe
type Subscription interface {
	Unsubscribe()
}

// Stats describes the bus
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Bus is a topic-based publish/subscribe bus
type Bus interface {
	Publish(topic string, event Event)
	Subscribe(topic string, handler Handler) Subscription
	SubscribeAll(handler Handler) Subscription
	Stats() Stats
	Close() error
}
