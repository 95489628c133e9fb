package jrpc2

import "sync"

// reservedEventBatchResponse is not a real server notification method; it is
// reserved so that a future transport extension delivering whole-batch
// events to subscribers cannot collide with a user-chosen event name.
const reservedEventBatchResponse = "batchResponse"

// subscriptions tracks named-event callbacks registered with a Client via
// Subscribe. Unlike the single OnNotify hook in ClientOptions, multiple
// subscribers can listen for the same notification method, and a
// subscription can be added or removed after the client is constructed.
//
// Function values are not comparable in Go, so each registration is tagged
// with a unique id; the removal handle returned by add captures that id,
// which is how a single callback can be removed without comparing functions.
//
// dispatch is invoked from handleRequestLocked while c.mu is held, so
// subscriptions uses its own lock rather than relying on the client's.
type subscriptions struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subEntry
}

type subEntry struct {
	id int
	cb func(*Request)
}

// add registers cb for event and returns a handle that removes exactly this
// registration. The handle is idempotent: calls after the first are no-ops.
func (s *subscriptions) add(event string, cb func(*Request)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string][]subEntry)
	}
	s.nextID++
	id := s.nextID
	s.subs[event] = append(s.subs[event], subEntry{id: id, cb: cb})
	return func() { s.remove(event, id) }
}

func (s *subscriptions) remove(event string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.subs[event]
	for i, e := range entries {
		if e.id == id {
			s.subs[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.subs[event]) == 0 {
		delete(s.subs, event)
	}
}

func (s *subscriptions) removeAll(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, event)
}

func (s *subscriptions) hasSubscriber(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[event]) > 0
}

// dispatch runs every callback subscribed to req's method, in registration
// order. Each callback's panic is recovered and discarded so a single
// faulty subscriber cannot prevent delivery to the others or crash the
// client's reader goroutine.
func (s *subscriptions) dispatch(req *Request) {
	s.mu.Lock()
	entries := append([]subEntry{}, s.subs[req.Method()]...)
	s.mu.Unlock()
	for _, e := range entries {
		callSubscriber(e.cb, req)
	}
}

func callSubscriber(cb func(*Request), req *Request) {
	defer func() { recover() }()
	cb(req)
}

// Subscribe registers cb to be called whenever the server sends a
// notification for the named event (its JSON-RPC method name). Multiple
// callbacks may be subscribed to the same event; all of them run,
// synchronously and in registration order, each time a matching
// notification arrives. Subscribe fails with ErrReservedEvent if event
// names the batch-response event reserved for internal use.
//
// The returned function removes this one registration, leaving any other
// callbacks subscribed to the same event in place; it is safe to call more
// than once. Use UnsubscribeAll to drop every callback for an event.
//
// Subscribe is additive to, and independent of, the OnNotify hook set in
// ClientOptions: both fire for a matching notification.
func (c *Client) Subscribe(event string, cb func(*Request)) (unsubscribe func(), err error) {
	if event == reservedEventBatchResponse {
		return nil, ErrReservedEvent
	}
	return c.subs.add(event, cb), nil
}

// UnsubscribeAll removes every callback registered for event. Callbacks
// subscribed to other events are unaffected.
func (c *Client) UnsubscribeAll(event string) { c.subs.removeAll(event) }
