// Package gena implements the GENA subscription manager: the client side
// of General Event Notification Architecture SUBSCRIBE/RENEW/UNSUBSCRIBE
// exchanges and the background scheduler that keeps leases alive.
package gena

import (
	"sync"
	"time"
)

// SubscriptionState names the points in a Subscription's lifecycle.
type SubscriptionState int

const (
	StateUnsubscribed SubscriptionState = iota
	StateSubscribing
	StateActive
	StateRenewing
	StateUnsubscribing
)

func (s SubscriptionState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// Service is the collaborator a Subscription is bound to: a single
// eventable service on a discovered device. Key must be stable and unique
// per (device UDN, service id) pair; it is the Manager's registry key.
type Service interface {
	Key() string
	EventSubURL() string
}

// Subscription is the manager's view of one outstanding (or pending, or
// expired) GENA subscription. One exists per subscribed Service.
type Subscription struct {
	mu sync.Mutex

	svc       Service
	sid       string
	startTime time.Time
	timeout   time.Duration
	expiry    time.Time
	keepRenew bool
	state     SubscriptionState

	// heapIndex is maintained exclusively by the scheduler's heap.Interface
	// implementation; callers never read or set it.
	heapIndex int
}

// SID returns the opaque subscription identifier assigned by the device,
// or "" if never subscribed.
func (s *Subscription) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Expiry returns the absolute time this subscription's lease elapses.
func (s *Subscription) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Service returns the bound collaborator.
func (s *Subscription) Service() Service {
	return s.svc
}
