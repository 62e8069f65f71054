package routing

import (
	"sync"

	someip "github.com/go-someip/someip"
)

type sessionKey struct {
	Client  someip.ClientID
	Service someip.ServiceID
	Method  someip.MethodID
}

// SessionAllocator hands out session ids per (client_id, service_id,
// method_id) counter. Counters skip zero; wraparound is permitted.
type SessionAllocator struct {
	mu   sync.Mutex
	next map[sessionKey]someip.SessionID
}

// NewSessionAllocator returns an empty allocator.
func NewSessionAllocator() *SessionAllocator {
	return &SessionAllocator{next: make(map[sessionKey]someip.SessionID)}
}

// Next returns the next session id for (client, service, method).
func (a *SessionAllocator) Next(client someip.ClientID, service someip.ServiceID, method someip.MethodID) someip.SessionID {
	key := sessionKey{Client: client, Service: service, Method: method}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next[key]++
	if a.next[key] == 0 {
		a.next[key] = 1 // wraparound skips zero
	}
	return a.next[key]
}
