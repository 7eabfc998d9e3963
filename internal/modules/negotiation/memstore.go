// README: In-memory negotiation store; one transaction at a time, committed by swapping a copy.
package negotiation

import (
	"context"
	"slices"
	"sync"

	"freight/internal/types"
)

type memState struct {
	services    map[types.ID]Service
	offers      map[types.ID]Offer
	offerOrder  []types.ID
	assignments map[types.ID]Assignment // by service id
	events      []Event
}

func (m *memState) clone() *memState {
	return &memState{
		services:    cloneMap(m.services),
		offers:      cloneMap(m.offers),
		offerOrder:  slices.Clone(m.offerOrder),
		assignments: cloneMap(m.assignments),
		events:      slices.Clone(m.events),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryStore satisfies Repository without a database. Transactions are
// serialized and applied to a private copy that replaces the state on success.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		services:    map[types.ID]Service{},
		offers:      map[types.ID]Offer{},
		assignments: map[types.ID]Assignment{},
	}}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) snapshot() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MemoryStore) GetService(_ context.Context, id types.ID) (*Service, error) {
	svc, ok := m.snapshot().services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return &svc, nil
}

func (m *MemoryStore) ListServices(_ context.Context, f ServiceFilter) ([]Service, error) {
	st := m.snapshot()
	var out []Service
	for _, svc := range st.services {
		if f.Status != StatusNone && svc.Status != f.Status {
			continue
		}
		if f.CreatedBy != "" && svc.CreatedBy != f.CreatedBy {
			continue
		}
		if f.IDs != nil && !slices.Contains(f.IDs, svc.ID) {
			continue
		}
		out = append(out, svc)
	}
	slices.SortStableFunc(out, func(a, b Service) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, serviceID types.ID) ([]Offer, error) {
	st := m.snapshot()
	var out []Offer
	for _, id := range st.offerOrder {
		if o := st.offers[id]; o.ServiceID == serviceID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestAssignmentByDriver(_ context.Context, driverID types.ID) (*Assignment, error) {
	var latest *Assignment
	for _, a := range m.snapshot().assignments {
		if a.DriverID != driverID {
			continue
		}
		if latest == nil || a.AcceptedAt.After(latest.AcceptedAt) {
			latest = &a
		}
	}
	if latest == nil {
		return nil, ErrAssignmentNotFound
	}
	return latest, nil
}

// Events returns the status trail of a service, oldest first.
func (m *MemoryStore) Events(_ context.Context, serviceID types.ID) ([]Event, error) {
	var out []Event
	for _, e := range m.snapshot().events {
		if e.ServiceID == serviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memTx struct {
	s *memState
}

func (t *memTx) LockService(_ context.Context, id types.ID) (*Service, error) {
	svc, ok := t.s.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return &svc, nil
}

func (t *memTx) InsertService(_ context.Context, svc *Service) error {
	t.s.services[svc.ID] = *svc
	return nil
}

func (t *memTx) UpdateServiceContent(_ context.Context, svc *Service) error {
	cur, ok := t.s.services[svc.ID]
	if !ok {
		return ErrServiceNotFound
	}
	cur.Title = svc.Title
	cur.Description = svc.Description
	cur.OfferedPrice = svc.OfferedPrice
	t.s.services[svc.ID] = cur
	return nil
}

func (t *memTx) UpdateServiceStatus(_ context.Context, id types.ID, from, to ServiceStatus, version int) error {
	cur, ok := t.s.services[id]
	if !ok || cur.Status != from || cur.StatusVersion != version {
		return ErrConflict
	}
	cur.Status = to
	cur.StatusVersion++
	t.s.services[id] = cur
	return nil
}

func (t *memTx) GetOffer(_ context.Context, id types.ID) (*Offer, error) {
	o, ok := t.s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return &o, nil
}

func (t *memTx) InsertOffer(_ context.Context, o *Offer) error {
	t.s.offers[o.ID] = *o
	t.s.offerOrder = append(t.s.offerOrder, o.ID)
	return nil
}

func (t *memTx) ResolveOffers(_ context.Context, serviceID, acceptedID types.ID) error {
	for id, o := range t.s.offers {
		if o.ServiceID != serviceID {
			continue
		}
		if id == acceptedID {
			o.Status = OfferAccepted
		} else {
			o.Status = OfferRejected
		}
		t.s.offers[id] = o
	}
	return nil
}

func (t *memTx) FindAssignment(_ context.Context, serviceID types.ID) (*Assignment, error) {
	a, ok := t.s.assignments[serviceID]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	return &a, nil
}

func (t *memTx) FindDriverAssignment(_ context.Context, serviceID, driverID types.ID) (*Assignment, error) {
	a, ok := t.s.assignments[serviceID]
	if !ok || a.DriverID != driverID {
		return nil, ErrAssignmentNotFound
	}
	return &a, nil
}

func (t *memTx) InsertAssignment(_ context.Context, a *Assignment) error {
	if _, exists := t.s.assignments[a.ServiceID]; exists {
		return ErrAlreadyAssigned
	}
	t.s.assignments[a.ServiceID] = *a
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *Event) error {
	e.ID = int64(len(t.s.events) + 1)
	t.s.events = append(t.s.events, *e)
	return nil
}
