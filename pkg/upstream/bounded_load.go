package upstream

// OverloadFactorPolicy decides how loaded a host is relative to the bound
// the balance factor allows it. A factor above 1 means the host is
// overloaded and the bounded-load loop probes the next candidate. Concrete
// hashing schemes may substitute their own policy (e.g. a ring-occupancy
// based metric); the default uses active request counts.
type OverloadFactorPolicy interface {
	HostOverloadFactor(host Host, weight float64) float64
}

// BoundedLoadBalancer wraps any HashingBalancer with the bounded-load
// algorithm: candidates over their fair share (scaled by the balance
// factor) are skipped in favor of the scheme's next deterministic
// candidate. It is scheme independent, which is why it is layered on top of
// the HashingBalancer contract rather than built into ring or table code.
type BoundedLoadBalancer struct {
	hashing HashingBalancer
	weights NormalizedHostWeightVector
	// Lookup map built once at construction; insertion order is irrelevant.
	weightByHost  map[Host]float64
	balanceFactor uint32
	stats         *ClusterStats
	policy        OverloadFactorPolicy
}

// NewBoundedLoadBalancer wires the bounded-load wrapper. hashing must be
// non-nil and balanceFactor non-zero: violating either is a programming
// error, not a runtime condition, so both panic. policy may be nil to use
// the default active-request policy.
func NewBoundedLoadBalancer(hashing HashingBalancer, weights NormalizedHostWeightVector,
	balanceFactor uint32, stats *ClusterStats, policy OverloadFactorPolicy) *BoundedLoadBalancer {
	if hashing == nil {
		panic("bounded-load balancer requires an underlying hashing balancer")
	}
	if balanceFactor == 0 {
		panic("bounded-load balancer requires a non-zero balance factor")
	}
	lb := &BoundedLoadBalancer{
		hashing:       hashing,
		weights:       weights,
		weightByHost:  make(map[Host]float64, len(weights)),
		balanceFactor: balanceFactor,
		stats:         stats,
		policy:        policy,
	}
	for _, hw := range weights {
		lb.weightByHost[hw.Host] = hw.Weight
	}
	if lb.policy == nil {
		lb.policy = lb
	}
	return lb
}

// ChooseHost returns the first candidate within its load bound, probing the
// underlying scheme with increasing attempts. The number of probes is
// bounded by the cluster size; when every candidate is overloaded the
// primary (attempt-0) candidate is returned so an always-overloaded cluster
// still serves traffic.
func (lb *BoundedLoadBalancer) ChooseHost(hash uint64, attempt uint32) Host {
	var first Host
	maxAttempts := uint32(len(lb.weights))
	for i := uint32(0); i <= maxAttempts; i++ {
		host := lb.hashing.ChooseHost(hash, attempt+i)
		if host == nil {
			break
		}
		if first == nil {
			first = host
		}
		if lb.policy.HostOverloadFactor(host, lb.weightByHost[host]) <= 1 {
			return host
		}
		if lb.stats != nil {
			lb.stats.incOverloadSkipped()
		}
	}
	return first
}

// HostOverloadFactor is the default policy: the host's active requests
// divided by its fair share of the cluster's total, scaled by the balance
// factor. With factor F (percent), a host may carry up to
// weight * F/100 * (total+1) active requests before being skipped.
func (lb *BoundedLoadBalancer) HostOverloadFactor(host Host, weight float64) float64 {
	if weight <= 0 {
		// A host the scheme produced but the weight map does not know about
		// cannot be bounded; favor serving over fairness.
		return 0
	}
	var total int64
	if lb.stats != nil {
		total = lb.stats.ActiveRequests()
	}
	bound := weight * float64(lb.balanceFactor) / 100 * float64(total+1)
	return float64(host.Stats().ActiveRequests()) / bound
}
