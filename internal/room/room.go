package room

import (
	"sync"
	"time"

	"github.com/bracketlab/livesync/internal/document"
)

// Member is one connected client from the room's point of view. Deliver
// must not block: it reports false when the member cannot keep up, and the
// room drops such members rather than stalling the fan-out.
type Member interface {
	ID() string
	Deliver(update []byte) bool
	Kick(reason string)
}

// AuthContext carries the validated identity a member attached with.
type AuthContext struct {
	UserID string
	OrgID  string
	Roles  []string
}

// Room binds one tournament's document to its currently connected
// members. All mutable state is guarded by the room's own lock; rooms
// never block each other.
type Room struct {
	ID           string
	TournamentID string
	OrgID        string

	mu         sync.Mutex
	doc        *document.Document
	members    map[string]Member
	graceTimer *time.Timer
	closed     bool
}

// Document exposes the room's replicated document for server-initiated
// writes and stats.
func (r *Room) Document() *document.Document {
	return r.doc
}

// MemberCount returns the number of currently attached members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// cancelGraceLocked stops a pending teardown timer. Callers must hold r.mu.
func (r *Room) cancelGraceLocked() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

// broadcastLocked fans an update out to every member except the origin,
// dropping members whose delivery buffer is full. Callers must hold r.mu;
// holding the lock across merge and fan-out is what keeps peers seeing
// updates in merge order.
func (r *Room) broadcastLocked(originID string, update []byte) []Member {
	var dropped []Member
	for memberID, member := range r.members {
		if memberID == originID {
			continue
		}
		if !member.Deliver(update) {
			delete(r.members, memberID)
			dropped = append(dropped, member)
		}
	}
	return dropped
}
