package presence

import (
	"sync"
	"time"

	"github.com/intercall/signaling/internal/models"
)

// Handle is the minimal surface the registry needs from a live connection.
// Send must not block: it reports false when the payload was dropped.
type Handle interface {
	Send(payload []byte) bool
	Close()
}

// Entry is one reachable user: their connection handle plus the profile
// snapshot taken at authentication time.
type Entry struct {
	UserID      string
	Conn        Handle
	Profile     models.Profile
	ConnectedAt time.Time
}

// Registry is the in-process record of who currently holds a live duplex
// connection. It is mutated only by the gateway's connect and disconnect
// handlers; everyone else reads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register upserts the entry for userID. At most one connection per user is
// tracked; a newer connection wins and the evicted handle (if any) is
// returned so the caller can close it.
func (r *Registry) Register(userID string, conn Handle, profile models.Profile) (evicted Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[userID]; ok {
		evicted = old.Conn
	}
	r.entries[userID] = &Entry{
		UserID:      userID,
		Conn:        conn,
		Profile:     profile,
		ConnectedAt: time.Now(),
	}
	return evicted
}

// Unregister removes the entry for userID, but only when conn still owns it.
// A disconnect racing a reconnect must not evict the newer connection.
func (r *Registry) Unregister(userID string, conn Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return false
	}
	if conn != nil && entry.Conn != conn {
		return false
	}
	delete(r.entries, userID)
	return true
}

func (r *Registry) Lookup(userID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return entry, ok
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// Online returns a snapshot of the profiles present at call time.
func (r *Registry) Online() []models.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profiles := make([]models.Profile, 0, len(r.entries))
	for _, entry := range r.entries {
		profiles = append(profiles, entry.Profile)
	}
	return profiles
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Send delivers payload to userID's connection if present. Reports whether
// the payload was handed to a live connection.
func (r *Registry) Send(userID string, payload []byte) bool {
	r.mu.RLock()
	entry, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.Conn.Send(payload)
}

// Broadcast delivers payload to every connection except the excluded user.
func (r *Registry) Broadcast(payload []byte, exceptUserID string) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.entries))
	for id, entry := range r.entries {
		if id == exceptUserID {
			continue
		}
		handles = append(handles, entry.Conn)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Send(payload)
	}
}
