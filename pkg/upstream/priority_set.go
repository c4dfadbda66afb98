package upstream

import (
	"sync"
)

// HostSet is the host view of a single priority level.
type HostSet interface {
	Priority() int
	Hosts() []Host
	HealthyHosts() []Host
	DegradedHosts() []Host
}

// PrioritySet is a priority-partitioned, continuously updated view of the
// cluster's hosts. Updates happen on the control thread; registered member
// update callbacks fire synchronously on that same thread.
type PrioritySet interface {
	// HostSetsPerPriority returns host sets ordered by priority, index i is
	// priority i.
	HostSetsPerPriority() []HostSet
	// AddMemberUpdateCb subscribes to membership changes. The returned
	// handle must be removed when the subscriber is torn down.
	AddMemberUpdateCb(cb MemberUpdateCb) *CallbackHandle
}

// MemberUpdateCb is invoked after the host set of any priority changed.
type MemberUpdateCb func(priority int)

// CallbackHandle unregisters a member update subscription.
type CallbackHandle struct {
	remove func()
	once   sync.Once
}

func (h *CallbackHandle) Remove() {
	if h == nil {
		return
	}
	h.once.Do(h.remove)
}

type hostSet struct {
	priority int
	hosts    []Host
	healthy  []Host
	degraded []Host
}

func (s *hostSet) Priority() int         { return s.priority }
func (s *hostSet) Hosts() []Host         { return s.hosts }
func (s *hostSet) HealthyHosts() []Host  { return s.healthy }
func (s *hostSet) DegradedHosts() []Host { return s.degraded }

// PrioritySetImpl is a PrioritySet fed by explicit UpdateHosts calls. The
// demo command and tests drive it directly; a discovery integration would
// call UpdateHosts from its watch loop.
type PrioritySetImpl struct {
	mu        sync.Mutex
	hostSets  []HostSet
	callbacks map[int]MemberUpdateCb
	nextCbID  int
}

func NewPrioritySet() *PrioritySetImpl {
	return &PrioritySetImpl{
		callbacks: make(map[int]MemberUpdateCb),
	}
}

func (ps *PrioritySetImpl) HostSetsPerPriority() []HostSet {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]HostSet, len(ps.hostSets))
	copy(out, ps.hostSets)
	return out
}

func (ps *PrioritySetImpl) AddMemberUpdateCb(cb MemberUpdateCb) *CallbackHandle {
	ps.mu.Lock()
	id := ps.nextCbID
	ps.nextCbID++
	ps.callbacks[id] = cb
	ps.mu.Unlock()
	return &CallbackHandle{remove: func() {
		ps.mu.Lock()
		delete(ps.callbacks, id)
		ps.mu.Unlock()
	}}
}

// UpdateHosts replaces the host set of the given priority and notifies
// subscribers. Hosts are partitioned by their current health; the slices
// stored in the host set are never mutated afterwards.
func (ps *PrioritySetImpl) UpdateHosts(priority int, hosts []Host) {
	set := &hostSet{priority: priority}
	set.hosts = append([]Host(nil), hosts...)
	for _, host := range set.hosts {
		switch host.Health() {
		case Healthy:
			set.healthy = append(set.healthy, host)
		case Degraded:
			set.degraded = append(set.degraded, host)
		}
	}

	ps.mu.Lock()
	for len(ps.hostSets) <= priority {
		ps.hostSets = append(ps.hostSets, &hostSet{priority: len(ps.hostSets)})
	}
	ps.hostSets[priority] = set
	cbs := make([]MemberUpdateCb, 0, len(ps.callbacks))
	for _, cb := range ps.callbacks {
		cbs = append(cbs, cb)
	}
	ps.mu.Unlock()

	for _, cb := range cbs {
		cb(priority)
	}
}
