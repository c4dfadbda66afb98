package upstream

import (
	"math/rand"
	"sync"

	"k8s.io/klog/v2"
)

// LoadBalancerContext is the per-request state handed to the selection
// entry point. The request hash is computed upstream (e.g. from source
// address or a cookie); this layer never hashes request contents itself.
type LoadBalancerContext interface {
	ComputeHashKey() (hash uint64, ok bool)
}

// HashContext is a LoadBalancerContext wrapping a precomputed hash.
type HashContext uint64

func (c HashContext) ComputeHashKey() (uint64, bool) { return uint64(c), true }

// Config for the thread-aware balancer. BalanceFactor is a percentage > 100
// enabling the bounded-load wrapper; 0 disables it. Hostname-vs-address
// hashing is a property of the scheme builders, not of this layer.
type Config struct {
	BalanceFactor  uint32
	PanicThreshold uint32
}

// perPriorityState pairs the hashing structure of one priority with its
// panic flag. Instances are immutable once published.
type perPriorityState struct {
	balancer    HashingBalancer
	globalPanic bool
}

// ThreadAwareBalancer rebuilds per-priority hashing structures on every
// membership change and publishes them for worker-local balancers. One
// control thread drives rebuilds; any number of workers create and use
// WorkerBalancers concurrently.
//
// Deliberately does not implement the worker selection surface: hash-based
// selection only happens through WorkerBalancers minted by Factory().
type ThreadAwareBalancer struct {
	prioritySet PrioritySet
	builder     HashingBalancerBuilder
	cfg         Config
	stats       *ClusterStats

	factory      *Factory
	updateHandle *CallbackHandle

	// Guards the cross-priority host map only. Swapped wholesale on every
	// membership notification, independent of the snapshot lock: map
	// refreshes are cheaper and more frequent in effect than full snapshot
	// rebuilds, and readers of one should not contend on the other.
	hostMapMu            sync.Mutex
	crossPriorityHostMap HostMap
}

func NewThreadAwareBalancer(prioritySet PrioritySet, builder HashingBalancerBuilder,
	stats *ClusterStats, cfg Config) *ThreadAwareBalancer {
	if builder == nil {
		panic("thread-aware balancer requires a hashing balancer builder")
	}
	if cfg.PanicThreshold == 0 {
		cfg.PanicThreshold = DefaultPanicThreshold
	}
	b := &ThreadAwareBalancer{
		prioritySet: prioritySet,
		builder:     builder,
		cfg:         cfg,
		stats:       stats,
	}
	b.factory = &Factory{balancer: b}
	return b
}

// Initialize builds the first snapshot and subscribes to membership
// changes. Call once before handing the factory to workers.
func (b *ThreadAwareBalancer) Initialize() {
	b.refresh()
	b.updateHandle = b.prioritySet.AddMemberUpdateCb(func(priority int) {
		b.refresh()
	})
}

// Close unsubscribes from membership updates. Published snapshots stay
// valid for workers still holding them.
func (b *ThreadAwareBalancer) Close() {
	b.updateHandle.Remove()
}

// Factory is stable for the balancer's lifetime.
func (b *ThreadAwareBalancer) Factory() *Factory { return b.factory }

// refresh rebuilds every priority together so snapshot indices stay aligned
// with the load vectors, then publishes the snapshot and the cross-priority
// host map under their separate locks.
func (b *ThreadAwareBalancer) refresh() {
	hostSets := b.prioritySet.HostSetsPerPriority()
	healthy, degraded, panics := CalculatePriorityLoad(hostSets, b.cfg.PanicThreshold)

	states := make([]perPriorityState, len(hostSets))
	hostMap := make(HostMap)
	for i, set := range hostSets {
		for _, host := range set.Hosts() {
			hostMap[host.Address()] = host
		}

		// In panic mode the structure is built over every host of the
		// priority, healthy or not.
		hosts := set.HealthyHosts()
		if panics[i] {
			hosts = set.Hosts()
		}
		states[i].globalPanic = panics[i]
		weights, minWeight, maxWeight := normalizeHostWeights(hosts)
		if len(weights) == 0 {
			// Zero hosts: the priority has no usable structure and selection
			// must route around it.
			continue
		}
		hashing := b.builder.Build(weights, minWeight, maxWeight)
		if b.cfg.BalanceFactor > 0 {
			hashing = NewBoundedLoadBalancer(hashing, weights, b.cfg.BalanceFactor, b.stats, nil)
		}
		states[i].balancer = hashing
	}

	if b.stats != nil {
		b.stats.incSnapshotRebuild()
	}
	gen := b.factory.publish(states, healthy, degraded)
	b.setCrossPriorityHostMap(hostMap)
	klog.V(2).Infof("published hashing snapshot generation %d for %d priorities, %d hosts",
		gen, len(states), len(hostMap))
}

func (b *ThreadAwareBalancer) setCrossPriorityHostMap(hostMap HostMap) {
	b.hostMapMu.Lock()
	b.crossPriorityHostMap = hostMap
	b.hostMapMu.Unlock()
}

func (b *ThreadAwareBalancer) getCrossPriorityHostMap() HostMap {
	b.hostMapMu.Lock()
	defer b.hostMapMu.Unlock()
	return b.crossPriorityHostMap
}

// normalizeHostWeights turns configured weights into a vector summing to
// 1.0 and reports the smallest and largest normalized weight.
func normalizeHostWeights(hosts []Host) (NormalizedHostWeightVector, float64, float64) {
	var total uint64
	for _, host := range hosts {
		total += uint64(host.Weight())
	}
	if total == 0 {
		return nil, 0, 0
	}
	weights := make(NormalizedHostWeightVector, 0, len(hosts))
	minWeight, maxWeight := 1.0, 0.0
	for _, host := range hosts {
		w := float64(host.Weight()) / float64(total)
		if w == 0 {
			continue
		}
		weights = append(weights, NormalizedHostWeight{Host: host, Weight: w})
		if w < minWeight {
			minWeight = w
		}
		if w > maxWeight {
			maxWeight = w
		}
	}
	return weights, minWeight, maxWeight
}

// Factory mints worker-local balancers from the latest published snapshot.
// Create is safe to call from any thread, concurrently with rebuilds.
type Factory struct {
	balancer *ThreadAwareBalancer

	// Guards the published snapshot. Held only for the pointer swap on
	// publish and the pointer copy in Create; workers never take it on the
	// selection path.
	mu               sync.Mutex
	generation       uint64
	perPriorityState []perPriorityState
	healthyLoad      HealthyLoad
	degradedLoad     DegradedLoad
}

// publish atomically swaps in a freshly built snapshot. The three pieces
// swap together under one critical section so no worker can observe old
// priority state with new load vectors.
func (f *Factory) publish(states []perPriorityState, healthy HealthyLoad, degraded DegradedLoad) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perPriorityState = states
	f.healthyLoad = healthy
	f.degradedLoad = degraded
	f.generation++
	return f.generation
}

// Create copies the current snapshot's shared references plus the current
// cross-priority host map into a new worker-local balancer. A worker calls
// Create again when it observes a membership notification; until then it
// keeps selecting against the snapshot it holds.
func (f *Factory) Create() *WorkerBalancer {
	f.mu.Lock()
	states, healthy, degraded, gen := f.perPriorityState, f.healthyLoad, f.degradedLoad, f.generation
	f.mu.Unlock()
	return &WorkerBalancer{
		perPriorityState: states,
		healthyLoad:      healthy,
		degradedLoad:     degraded,
		hostMap:          f.balancer.getCrossPriorityHostMap(),
		stats:            f.balancer.stats,
		generation:       gen,
		rnd:              rand.New(rand.NewSource(rand.Int63())),
	}
}

// WorkerBalancer is the per-worker selection facade. It holds immutable
// snapshot references, so selection never locks. A WorkerBalancer belongs
// to a single worker goroutine and must not be shared.
type WorkerBalancer struct {
	perPriorityState []perPriorityState
	healthyLoad      HealthyLoad
	degradedLoad     DegradedLoad
	hostMap          HostMap
	stats            *ClusterStats
	generation       uint64
	rnd              *rand.Rand
}

// Generation identifies the snapshot this worker selects against.
// Generations are monotonic: a worker re-creating its balancer never moves
// backwards.
func (w *WorkerBalancer) Generation() uint64 { return w.generation }

// ChooseHost picks a priority from the load vectors using the request hash,
// then delegates to that priority's hashing structure. Returns nil only
// when no priority has a usable structure; callers treat that as a normal
// retryable outcome.
func (w *WorkerBalancer) ChooseHost(ctx LoadBalancerContext) Host {
	hash, ok := ctx.ComputeHashKey()
	if !ok {
		hash = w.rnd.Uint64()
	}
	priority, _, ok := ChoosePriority(hash, w.healthyLoad, w.degradedLoad)
	if !ok {
		return nil
	}
	state := w.perPriorityState[priority]
	if state.balancer == nil {
		// Degenerate topology for the chosen priority; route around it.
		state = w.firstUsableState()
		if state.balancer == nil {
			return nil
		}
	}
	if state.globalPanic && w.stats != nil {
		w.stats.incHealthyPanic()
	}
	return state.balancer.ChooseHost(hash, 0)
}

func (w *WorkerBalancer) firstUsableState() perPriorityState {
	for _, state := range w.perPriorityState {
		if state.balancer != nil {
			return state
		}
	}
	return perPriorityState{}
}

// PeekAnotherHost is unsupported for hash-based balancing: there is no
// preconnect opportunity, which callers must not treat as an error.
func (w *WorkerBalancer) PeekAnotherHost(ctx LoadBalancerContext) Host { return nil }

// FindHost is the O(1) cross-priority lookup. The map tracks the latest
// membership notification and may be momentarily stale relative to the
// hashing snapshot; it is an auxiliary path, never the selection decision.
func (w *WorkerBalancer) FindHost(address string) Host {
	return w.hostMap[address]
}
