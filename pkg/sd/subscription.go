package sd

import (
	"sync"
	"time"
)

// SubscriptionEventCallback is invoked whenever a subscription's status
// changes.
type SubscriptionEventCallback func(event SubscriptionEvent, service, instance uint16, eventgroup uint16, subscriberKey string)

// SubscriptionEvent enumerates subscription lifecycle transitions.
type SubscriptionEvent uint8

const (
	SubscriptionEventAdded SubscriptionEvent = iota
	SubscriptionEventRenewed
	SubscriptionEventExpired
	SubscriptionEventRemoved
)

// Subscription tracks one subscriber's membership in one eventgroup, with a
// TTL-driven expiry timer: the timer restarts on every renewal and fires an
// expiry callback if it elapses untouched.
type Subscription struct {
	mu            sync.Mutex
	key           string // subscriber identity, e.g. "local:3" or a remote "ip:port"
	ttl           time.Duration
	timer         *time.Timer
	onExpire      func()
	lastPayloadID uint64 // digest of the last payload notified
}

// newSubscription creates a Subscription armed with a TTL timer. onExpire
// is invoked exactly once if the subscription is never renewed within ttl.
func newSubscription(key string, ttl time.Duration, onExpire func()) *Subscription {
	s := &Subscription{key: key, ttl: ttl, onExpire: onExpire}
	s.timer = time.AfterFunc(ttl, s.fireExpired)
	return s
}

func (s *Subscription) fireExpired() {
	if s.onExpire != nil {
		s.onExpire()
	}
}

// Renew resets the expiry timer. Subscribers are expected to renew before
// TTL/2 elapses.
func (s *Subscription) Renew(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	s.timer.Reset(ttl)
}

// Cancel stops the expiry timer without firing onExpire, used when a
// STOP_SUBSCRIBE (TTL=0) deregisters the subscription explicitly.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer.Stop()
}

// RenewDeadline returns when this subscriber should next renew (TTL/2);
// callers use this to schedule their own re-subscribe timer on the
// subscriber side.
func (s *Subscription) RenewDeadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl / 2
}

// EventgroupSubscriptions tracks every subscriber of one (service, instance,
// eventgroup) tuple. A subscriber appears at most once; re-subscribing is
// idempotent.
type EventgroupSubscriptions struct {
	mu          sync.Mutex
	callback    SubscriptionEventCallback
	service     uint16
	instance    uint16
	eventgroup  uint16
	subscribers map[string]*Subscription
}

// NewEventgroupSubscriptions creates an empty subscriber set for one
// eventgroup.
func NewEventgroupSubscriptions(service, instance, eventgroup uint16, callback SubscriptionEventCallback) *EventgroupSubscriptions {
	return &EventgroupSubscriptions{
		service:     service,
		instance:    instance,
		eventgroup:  eventgroup,
		subscribers: make(map[string]*Subscription),
		callback:    callback,
	}
}

// Subscribe adds or renews subscriberKey's membership with the given TTL.
// Adding a subscriber already present renews rather than duplicating.
func (eg *EventgroupSubscriptions) Subscribe(subscriberKey string, ttl time.Duration) {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	if existing, ok := eg.subscribers[subscriberKey]; ok {
		existing.Renew(ttl)
		eg.notify(SubscriptionEventRenewed, subscriberKey)
		return
	}
	sub := newSubscription(subscriberKey, ttl, func() {
		eg.expire(subscriberKey)
	})
	eg.subscribers[subscriberKey] = sub
	eg.notify(SubscriptionEventAdded, subscriberKey)
}

// Unsubscribe removes subscriberKey immediately (STOP_SUBSCRIBE, TTL=0).
func (eg *EventgroupSubscriptions) Unsubscribe(subscriberKey string) {
	eg.mu.Lock()
	sub, ok := eg.subscribers[subscriberKey]
	if ok {
		sub.Cancel()
		delete(eg.subscribers, subscriberKey)
	}
	eg.mu.Unlock()
	if ok {
		eg.notify(SubscriptionEventRemoved, subscriberKey)
	}
}

func (eg *EventgroupSubscriptions) expire(subscriberKey string) {
	eg.mu.Lock()
	_, ok := eg.subscribers[subscriberKey]
	if ok {
		delete(eg.subscribers, subscriberKey)
	}
	eg.mu.Unlock()
	if ok {
		eg.notify(SubscriptionEventExpired, subscriberKey)
	}
}

// Subscribers returns a snapshot of currently subscribed keys, used to fan
// out notifications.
func (eg *EventgroupSubscriptions) Subscribers() []string {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	keys := make([]string, 0, len(eg.subscribers))
	for k := range eg.subscribers {
		keys = append(keys, k)
	}
	return keys
}

func (eg *EventgroupSubscriptions) notify(event SubscriptionEvent, subscriberKey string) {
	if eg.callback != nil {
		eg.callback(event, eg.service, eg.instance, eg.eventgroup, subscriberKey)
	}
}
