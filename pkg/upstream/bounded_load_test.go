package upstream

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHashing is a deterministic scheme double: attempt i yields the host
// i positions past the hash's primary slot.
type fakeHashing struct {
	hosts []Host
	calls int32
}

func (f *fakeHashing) ChooseHost(hash uint64, attempt uint32) Host {
	atomic.AddInt32(&f.calls, 1)
	if len(f.hosts) == 0 {
		return nil
	}
	return f.hosts[(hash+uint64(attempt))%uint64(len(f.hosts))]
}

func (f *fakeHashing) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func equalWeights(hosts []Host) NormalizedHostWeightVector {
	weights := make(NormalizedHostWeightVector, 0, len(hosts))
	for _, host := range hosts {
		weights = append(weights, NormalizedHostWeight{Host: host, Weight: 1.0 / float64(len(hosts))})
	}
	return weights
}

func TestBoundedLoadConstructionPreconditions(t *testing.T) {
	hosts := makeHosts(2, Healthy)
	assert.Panics(t, func() {
		NewBoundedLoadBalancer(nil, equalWeights(hosts), 150, nil, nil)
	})
	assert.Panics(t, func() {
		NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, equalWeights(hosts), 0, nil, nil)
	})
}

func TestBoundedLoadAlwaysReturnsConfiguredHost(t *testing.T) {
	hosts := makeHosts(5, Healthy)
	weights := equalWeights(hosts)
	inSet := make(map[Host]bool)
	for _, hw := range weights {
		inSet[hw.Host] = true
	}
	lb := NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, weights, 150, NewClusterStats("t"), nil)

	for hash := uint64(0); hash < 200; hash++ {
		for attempt := uint32(0); attempt <= uint32(len(hosts)); attempt++ {
			host := lb.ChooseHost(hash, attempt)
			require.NotNil(t, host)
			assert.True(t, inSet[host])
		}
	}
}

func TestBoundedLoadSingleHost(t *testing.T) {
	hosts := makeHosts(1, Healthy)
	weights := NormalizedHostWeightVector{{Host: hosts[0], Weight: 1.0}}
	stats := NewClusterStats("t")
	lb := NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, weights, 101, stats, nil)

	// Pile load onto the only host; it must still always be selected.
	for i := 0; i < 50; i++ {
		hosts[0].Stats().IncActiveRequests()
		stats.IncActiveRequests()
	}
	for hash := uint64(0); hash < 100; hash++ {
		assert.Same(t, hosts[0], lb.ChooseHost(hash, 0))
	}
}

func TestBoundedLoadDeterministic(t *testing.T) {
	hosts := makeHosts(4, Healthy)
	lb := NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, equalWeights(hosts), 150, NewClusterStats("t"), nil)

	for hash := uint64(0); hash < 50; hash++ {
		first := lb.ChooseHost(hash, 0)
		for i := 0; i < 10; i++ {
			assert.Same(t, first, lb.ChooseHost(hash, 0))
		}
	}
}

func TestBoundedLoadSkipsOverloadedCandidate(t *testing.T) {
	hosts := makeHosts(4, Healthy)
	stats := NewClusterStats("t")
	lb := NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, equalWeights(hosts), 150, stats, nil)

	// Total 8 active requests, all on the primary candidate for hash 0. Its
	// bound is 0.25 * 1.5 * 9 = 3.375, so it is skipped for the next host.
	for i := 0; i < 8; i++ {
		hosts[0].Stats().IncActiveRequests()
		stats.IncActiveRequests()
	}
	assert.Same(t, hosts[1], lb.ChooseHost(0, 0))
}

func TestBoundedLoadAllOverloadedFallsBackToPrimary(t *testing.T) {
	hosts := makeHosts(4, Healthy)
	stats := NewClusterStats("t")
	fake := &fakeHashing{hosts: hosts}
	lb := NewBoundedLoadBalancer(fake, equalWeights(hosts), 101, stats, nil)

	// Every host carries far more than its bound allows.
	for i := 0; i < 4; i++ {
		stats.IncActiveRequests()
	}
	for _, host := range hosts {
		for i := 0; i < 100; i++ {
			host.Stats().IncActiveRequests()
		}
	}

	primary := fake.hosts[3%len(hosts)]
	atomic.StoreInt32(&fake.calls, 0)
	host := lb.ChooseHost(3, 0)
	assert.Same(t, primary, host, "exhausted attempts fall back to the attempt-0 candidate")
	assert.LessOrEqual(t, fake.callCount(), len(hosts)+1, "retries are bounded by cluster size")
}

// alwaysFine is an OverloadFactorPolicy substitution, the extension point a
// scheme-specific load metric would use.
type alwaysFine struct{}

func (alwaysFine) HostOverloadFactor(host Host, weight float64) float64 { return 0 }

func TestBoundedLoadPolicyOverride(t *testing.T) {
	hosts := makeHosts(2, Healthy)
	stats := NewClusterStats("t")
	for _, host := range hosts {
		for i := 0; i < 100; i++ {
			host.Stats().IncActiveRequests()
		}
	}
	lb := NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, equalWeights(hosts), 101, stats, alwaysFine{})

	// The substituted policy never reports overload, so the primary is
	// returned regardless of its active request count.
	assert.Same(t, hosts[0], lb.ChooseHost(0, 0))
}

func TestBoundedLoadEmptyScheme(t *testing.T) {
	lb := NewBoundedLoadBalancer(&fakeHashing{}, nil, 150, nil, nil)
	assert.Nil(t, lb.ChooseHost(42, 0))
}

func BenchmarkBoundedLoadChooseHost(b *testing.B) {
	hosts := makeHosts(16, Healthy)
	lb := NewBoundedLoadBalancer(&fakeHashing{hosts: hosts}, equalWeights(hosts), 150, NewClusterStats("bench"), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if lb.ChooseHost(uint64(i), 0) == nil {
			b.Fatal(fmt.Sprintf("no host at %d", i))
		}
	}
}
