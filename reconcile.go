package courseflow

import (
	"sort"
	"sync"
	"time"
)

// Origin tags where an ingested message came from.
type Origin int

const (
	// OriginLocal marks an optimistic copy of a message the local user just
	// sent, shown before the server acknowledges it.
	OriginLocal Origin = iota
	// OriginRemote marks an authoritative message delivered by the server.
	OriginRemote
)

// echoMatchWindow bounds the heuristic fallback that pairs a server echo with
// an optimistic local copy when the server stripped the correlation id.
const echoMatchWindow = 10 * time.Second

// Reconciler merges server-pushed messages, a one-shot history snapshot, and
// optimistic local sends into one sequence ordered by timestamp (ties keep
// arrival order) with no duplicate ids. Ingestion is idempotent so
// at-least-once delivery from reconnects or history replay is safe.
type Reconciler struct {
	mu       sync.RWMutex
	seq      []ChatMessage
	byID     map[string]int
	pending  map[string]int // clientID -> index of unconfirmed local copy
	hydrated bool
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		byID:    make(map[string]int),
		pending: make(map[string]int),
	}
}

// Hydrate merges a fetched history snapshot. It applies at most once and is
// meant to run before any live ingestion; on id collision the snapshot entry
// wins.
func (r *Reconciler) Hydrate(snapshot []ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hydrated {
		return
	}
	r.hydrated = true
	for i := range snapshot {
		msg := snapshot[i]
		if idx, ok := r.byID[msg.ID]; ok {
			r.seq[idx] = msg
			continue
		}
		r.insert(msg)
	}
}

// Ingest appends a message to the sequence. A duplicate id is ignored. A
// remote message that confirms an optimistic local copy replaces it: matched
// by client_id when the server carried it through, otherwise by sender,
// course, and text within a short window. Reports whether the sequence
// changed.
func (r *Reconciler) Ingest(msg ChatMessage, origin Origin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch origin {
	case OriginLocal:
		if msg.ID == "" {
			msg.ID = pendingPrefix + msg.ClientID
		}
		if _, ok := r.byID[msg.ID]; ok {
			return false
		}
		idx := r.insert(msg)
		if msg.ClientID != "" {
			r.pending[msg.ClientID] = idx
		}
		return true

	case OriginRemote:
		if msg.ID != "" {
			if _, ok := r.byID[msg.ID]; ok {
				return false
			}
		}
		if idx, ok := r.matchPending(msg); ok {
			r.replace(idx, msg)
			return true
		}
		r.insert(msg)
		return true
	}
	return false
}

// Messages returns a fresh copy of the ordered sequence for rendering.
func (r *Reconciler) Messages() []ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChatMessage, len(r.seq))
	copy(out, r.seq)
	return out
}

// Len returns the number of messages in the sequence.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seq)
}

// matchPending locates the optimistic local copy a remote echo confirms.
func (r *Reconciler) matchPending(msg ChatMessage) (int, bool) {
	if msg.ClientID != "" {
		if idx, ok := r.pending[msg.ClientID]; ok {
			return idx, true
		}
	}
	for _, idx := range r.pending {
		local := r.seq[idx]
		if local.FromID == msg.FromID && local.CourseID == msg.CourseID && local.Text == msg.Text {
			delta := msg.Timestamp.Sub(local.Timestamp)
			if delta < 0 {
				delta = -delta
			}
			if delta <= echoMatchWindow {
				return idx, true
			}
		}
	}
	return 0, false
}

// insert places msg at its ordered position and returns the index. Equal
// timestamps keep arrival order. Caller holds the lock.
func (r *Reconciler) insert(msg ChatMessage) int {
	idx := sort.Search(len(r.seq), func(i int) bool {
		return r.seq[i].Timestamp.After(msg.Timestamp)
	})
	r.seq = append(r.seq, ChatMessage{})
	copy(r.seq[idx+1:], r.seq[idx:])
	r.seq[idx] = msg
	r.reindexFrom(idx)
	return idx
}

// replace swaps the optimistic entry at idx for its authoritative
// counterpart, re-sorting if the server timestamp moved it. Caller holds the
// lock.
func (r *Reconciler) replace(idx int, msg ChatMessage) {
	old := r.seq[idx]
	delete(r.byID, old.ID)
	if old.ClientID != "" {
		delete(r.pending, old.ClientID)
	}
	r.seq = append(r.seq[:idx], r.seq[idx+1:]...)
	r.reindexFrom(idx)
	r.insert(msg)
}

// reindexFrom rebuilds id and pending indices from position idx onward.
// Caller holds the lock.
func (r *Reconciler) reindexFrom(idx int) {
	for i := idx; i < len(r.seq); i++ {
		m := r.seq[i]
		if m.ID != "" {
			r.byID[m.ID] = i
		}
		if m.ClientID != "" && m.Pending() {
			r.pending[m.ClientID] = i
		}
	}
}
