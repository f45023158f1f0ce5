package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
	"github.com/Is-a-space/discord-vps-creator/internal/storage"
)

// Ticket is a reserved provisioning slot. It must end in exactly one Commit
// or Release call.
type Ticket struct {
	ID    string
	Owner string
}

// Guard is the check-and-reserve gate in front of the registry. The committed
// record count plus in-flight reservations for an owner never exceeds the
// limit, even under concurrent requests: the check and the reservation happen
// under the owner's mutex, and Commit appends under the same mutex.
type Guard struct {
	store storage.Store
	limit int

	ownerMu sync.Map // owner -> *sync.Mutex

	mu       sync.Mutex
	inflight map[string]int
	tickets  map[string]string // ticket id -> owner
}

func NewGuard(store storage.Store, limit int) *Guard {
	return &Guard{
		store:    store,
		limit:    limit,
		inflight: make(map[string]int),
		tickets:  make(map[string]string),
	}
}

// Limit returns the per-owner instance limit.
func (g *Guard) Limit() int { return g.limit }

// Reserve atomically checks the owner's quota and reserves a slot.
func (g *Guard) Reserve(ctx context.Context, owner string) (Ticket, error) {
	lock := g.lockOwner(owner)
	defer lock.Unlock()

	committed, err := g.store.Count(ctx, owner)
	if err != nil {
		return Ticket{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if committed+g.inflight[owner] >= g.limit {
		return Ticket{}, fmt.Errorf("%w (%d)", models.ErrQuotaExceeded, g.limit)
	}
	t := Ticket{ID: uuid.NewString(), Owner: owner}
	g.inflight[owner]++
	g.tickets[t.ID] = owner
	return t, nil
}

// Commit consumes the ticket by appending the committed record. The append
// and the reservation decrement happen under the owner's mutex so the quota
// invariant holds at every instant.
func (g *Guard) Commit(ctx context.Context, t Ticket, rec models.InstanceRecord) error {
	lock := g.lockOwner(t.Owner)
	defer lock.Unlock()

	if !g.consume(t) {
		return fmt.Errorf("quota: ticket %s already spent", t.ID)
	}
	if err := g.store.Append(ctx, rec); err != nil {
		// the slot stays freed; the caller tears the instance down
		return err
	}
	return nil
}

// Release frees a reservation that did not result in a committed record.
// Releasing a spent ticket is a no-op.
func (g *Guard) Release(t Ticket) {
	lock := g.lockOwner(t.Owner)
	defer lock.Unlock()
	g.consume(t)
}

// consume marks the ticket spent and decrements the in-flight counter.
// Callers hold the owner mutex.
func (g *Guard) consume(t Ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tickets[t.ID]; !ok {
		return false
	}
	delete(g.tickets, t.ID)
	if g.inflight[t.Owner] <= 1 {
		delete(g.inflight, t.Owner)
	} else {
		g.inflight[t.Owner]--
	}
	return true
}

func (g *Guard) lockOwner(owner string) *sync.Mutex {
	v, _ := g.ownerMu.LoadOrStore(owner, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m
}
