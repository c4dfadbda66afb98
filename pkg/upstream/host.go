package upstream

import (
	"sync/atomic"
)

type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
)

// Host is an immutable upstream backend. Once a host is part of a published
// snapshot it must not be mutated; its stats counters are the only mutable
// part and are safe for concurrent use.
type Host interface {
	// Address returns the network address, e.g. "10.0.0.1:80".
	Address() string
	Hostname() string
	// Metadata returns an optional, read-only metadata map. May be nil.
	Metadata() map[string]interface{}
	// Weight returns the configured weight, >= 1.
	Weight() uint32
	Health() HealthStatus
	Stats() *HostStats
}

// HostStats tracks the observed load of a single host.
type HostStats struct {
	rqActive int64
}

func (s *HostStats) IncActiveRequests() { atomic.AddInt64(&s.rqActive, 1) }
func (s *HostStats) DecActiveRequests() { atomic.AddInt64(&s.rqActive, -1) }
func (s *HostStats) ActiveRequests() int64 {
	return atomic.LoadInt64(&s.rqActive)
}

// HostMap is the cross-priority host lookup table, keyed by address.
type HostMap map[string]Host

// StaticHost is a plain Host used by tests and the demo command; real
// deployments adapt their discovery subsystem's host type instead.
type StaticHost struct {
	address  string
	hostname string
	metadata map[string]interface{}
	weight   uint32
	health   HealthStatus
	stats    HostStats
}

func NewStaticHost(address, hostname string, metadata map[string]interface{}, weight uint32) *StaticHost {
	if weight == 0 {
		weight = 1
	}
	return &StaticHost{
		address:  address,
		hostname: hostname,
		metadata: metadata,
		weight:   weight,
		health:   Healthy,
	}
}

func (h *StaticHost) Address() string                  { return h.address }
func (h *StaticHost) Hostname() string                 { return h.hostname }
func (h *StaticHost) Metadata() map[string]interface{} { return h.metadata }
func (h *StaticHost) Weight() uint32                   { return h.weight }
func (h *StaticHost) Health() HealthStatus             { return h.health }
func (h *StaticHost) Stats() *HostStats                { return &h.stats }

// SetHealth flips the host health. Only the membership/control thread may
// call this, and it must republish the host via PrioritySet.UpdateHosts.
func (h *StaticHost) SetHealth(health HealthStatus) { h.health = health }
