package courseflow

import (
	"sort"
	"sync"
)

// Display-state stores backing the UI layer. State is owned mutable data
// behind a narrow get/set/subscribe surface rather than ambient globals;
// subscriber callbacks run synchronously on the mutating goroutine and must
// not call back into the store.

// ============================================================================
// Subscriptions
// ============================================================================

type subscribers struct {
	mu   sync.Mutex
	subs map[int]func()
	next int
}

func (s *subscribers) add(fn func()) (cancel func()) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]func())
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn()
		}()
	}
}

// ============================================================================
// UserStore
// ============================================================================

// UserStore holds the currently authenticated user's profile.
type UserStore struct {
	mu   sync.RWMutex
	user *User
	subscribers
}

func NewUserStore() *UserStore {
	return &UserStore{}
}

// Current returns the stored profile, or nil when logged out.
func (s *UserStore) Current() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *UserStore) Set(user User) {
	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()
	s.notify()
}

func (s *UserStore) Clear() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	s.notify()
}

// Subscribe registers a change callback and returns its cancel function.
func (s *UserStore) Subscribe(fn func()) (cancel func()) {
	return s.add(fn)
}

// ============================================================================
// NotificationStore
// ============================================================================

// NotificationStore holds the notification feed shown in the header badge.
// It is fed by the REST notification list on load and by socket pushes while
// a session is live.
type NotificationStore struct {
	mu    sync.RWMutex
	byID  map[string]int
	items []Notification
	subscribers
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{byID: make(map[string]int)}
}

// Replace swaps the whole feed, e.g. after a REST fetch.
func (s *NotificationStore) Replace(notifs []Notification) {
	s.mu.Lock()
	s.items = append([]Notification{}, notifs...)
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].Timestamp.Before(s.items[j].Timestamp)
	})
	s.byID = make(map[string]int, len(s.items))
	for i, n := range s.items {
		s.byID[n.ID] = i
	}
	s.mu.Unlock()
	s.notify()
}

// Add appends a pushed notification. Duplicate ids are ignored.
func (s *NotificationStore) Add(notif Notification) {
	s.mu.Lock()
	if _, ok := s.byID[notif.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.byID[notif.ID] = len(s.items)
	s.items = append(s.items, notif)
	s.mu.Unlock()
	s.notify()
}

// List returns a copy of the feed in timestamp order.
func (s *NotificationStore) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount returns the number of unread notifications.
func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.items {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *NotificationStore) MarkRead(id string) {
	s.mu.Lock()
	if idx, ok := s.byID[id]; ok {
		s.items[idx].Read = true
	}
	s.mu.Unlock()
	s.notify()
}

func (s *NotificationStore) MarkAllRead() {
	s.mu.Lock()
	for i := range s.items {
		s.items[i].Read = true
	}
	s.mu.Unlock()
	s.notify()
}

func (s *NotificationStore) Clear() {
	s.mu.Lock()
	s.items = nil
	s.byID = make(map[string]int)
	s.mu.Unlock()
	s.notify()
}

// Subscribe registers a change callback and returns its cancel function.
func (s *NotificationStore) Subscribe(fn func()) (cancel func()) {
	return s.add(fn)
}
