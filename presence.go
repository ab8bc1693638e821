package voice

import (
	"slices"
	"sync"
)

// PresenceHandler observes roster changes. It runs with the registry unlocked.
type PresenceHandler func(participants []Participant, isEchoMode bool)

// PresenceRegistry is the ordered roster of the channel. It is fed only by
// envelopes from the relay and never asserts anything about the local user.
type PresenceRegistry struct {
	mu           sync.RWMutex
	participants []Participant
	isEchoMode   bool
	onChange     PresenceHandler
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{}
}

// OnChange installs h, replacing any previous handler.
func (r *PresenceRegistry) OnChange(h PresenceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = h
}

func (r *PresenceRegistry) ReplaceAll(list []Participant, isEchoMode bool) {
	r.mu.Lock()
	r.participants = r.participants[:0]
	for _, p := range list {
		r.upsert(p)
	}
	r.isEchoMode = isEchoMode
	r.notifyLocked()
}

// AddOne inserts p, or replaces the entry with the same id in place.
func (r *PresenceRegistry) AddOne(p Participant, isEchoMode bool) {
	r.mu.Lock()
	r.upsert(p)
	r.isEchoMode = isEchoMode
	r.notifyLocked()
}

// RemoveOne drops id. Unknown ids are ignored.
func (r *PresenceRegistry) RemoveOne(id string, isEchoMode bool) {
	r.mu.Lock()
	r.participants = slices.DeleteFunc(r.participants, func(p Participant) bool {
		return p.ID == id
	})
	r.isEchoMode = isEchoMode
	r.notifyLocked()
}

func (r *PresenceRegistry) Get() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.participants)
}

func (r *PresenceRegistry) IsEchoMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isEchoMode
}

func (r *PresenceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Reset empties the roster after the session is torn down.
func (r *PresenceRegistry) Reset() {
	r.ReplaceAll(nil, false)
}

func (r *PresenceRegistry) upsert(p Participant) {
	if i := slices.IndexFunc(r.participants, func(q Participant) bool { return q.ID == p.ID }); i >= 0 {
		r.participants[i] = p
		return
	}
	r.participants = append(r.participants, p)
}

// notifyLocked releases the lock before calling the handler.
func (r *PresenceRegistry) notifyLocked() {
	h := r.onChange
	snapshot := slices.Clone(r.participants)
	echo := r.isEchoMode
	r.mu.Unlock()
	if h != nil {
		h(snapshot, echo)
	}
}
