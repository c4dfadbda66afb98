package upstream_test

import (
	"fmt"
	"testing"

	"hashlb/pkg/upstream"
	"hashlb/pkg/upstream/maglev"
	"hashlb/pkg/upstream/ringhash"

	"github.com/dgryski/go-farm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builders() map[string]upstream.HashingBalancerBuilder {
	return map[string]upstream.HashingBalancerBuilder{
		"ring":   ringhash.NewBuilder(),
		"maglev": &maglev.Builder{TableSize: 251},
	}
}

func staticHosts(priority, n int) []upstream.Host {
	hosts := make([]upstream.Host, 0, n)
	for i := 0; i < n; i++ {
		hosts = append(hosts, upstream.NewStaticHost(
			fmt.Sprintf("10.%d.0.%d:80", priority, i), fmt.Sprintf("h%d-%d", priority, i), nil, uint32(i%3+1)))
	}
	return hosts
}

func TestEndToEndSelection(t *testing.T) {
	for name, builder := range builders() {
		t.Run(name, func(t *testing.T) {
			ps := upstream.NewPrioritySet()
			p0 := staticHosts(0, 6)
			p1 := staticHosts(1, 3)
			ps.UpdateHosts(0, p0)
			ps.UpdateHosts(1, p1)

			balancer := upstream.NewThreadAwareBalancer(ps, builder,
				upstream.NewClusterStats("it-"+name), upstream.Config{BalanceFactor: 150})
			balancer.Initialize()
			defer balancer.Close()

			worker := balancer.Factory().Create()
			p0Set := make(map[upstream.Host]bool)
			for _, host := range p0 {
				p0Set[host] = true
			}

			for i := 0; i < 500; i++ {
				hash := farm.Fingerprint64([]byte(fmt.Sprintf("key-%d", i)))
				host := worker.ChooseHost(upstream.HashContext(hash))
				require.NotNil(t, host)
				assert.True(t, p0Set[host], "a fully healthy P0 takes all traffic")
				// Same key, same host.
				assert.Same(t, host, worker.ChooseHost(upstream.HashContext(hash)))
			}
		})
	}
}

func TestEndToEndFailoverToLowerPriority(t *testing.T) {
	for name, builder := range builders() {
		t.Run(name, func(t *testing.T) {
			ps := upstream.NewPrioritySet()
			p0 := staticHosts(0, 3)
			p1 := staticHosts(1, 3)
			for _, host := range p0 {
				host.(*upstream.StaticHost).SetHealth(upstream.Unhealthy)
			}
			ps.UpdateHosts(0, p0)
			ps.UpdateHosts(1, p1)

			balancer := upstream.NewThreadAwareBalancer(ps, builder,
				upstream.NewClusterStats("fo-"+name), upstream.Config{})
			balancer.Initialize()
			defer balancer.Close()

			worker := balancer.Factory().Create()
			p1Set := make(map[upstream.Host]bool)
			for _, host := range p1 {
				p1Set[host] = true
			}
			for i := 0; i < 200; i++ {
				hash := farm.Fingerprint64([]byte(fmt.Sprintf("key-%d", i)))
				host := worker.ChooseHost(upstream.HashContext(hash))
				require.NotNil(t, host)
				assert.True(t, p1Set[host], "an unavailable P0 spills everything to P1")
			}
		})
	}
}

// Removing one host must remap only a fraction of the key space; that is
// the point of consistent hashing.
func TestEndToEndMembershipChangeKeepsMostAssignments(t *testing.T) {
	for name, builder := range builders() {
		t.Run(name, func(t *testing.T) {
			ps := upstream.NewPrioritySet()
			hosts := staticHosts(0, 8)
			ps.UpdateHosts(0, hosts)

			balancer := upstream.NewThreadAwareBalancer(ps, builder,
				upstream.NewClusterStats("mc-"+name), upstream.Config{})
			balancer.Initialize()
			defer balancer.Close()

			before := make(map[int]upstream.Host)
			worker := balancer.Factory().Create()
			for i := 0; i < 1000; i++ {
				hash := farm.Fingerprint64([]byte(fmt.Sprintf("key-%d", i)))
				before[i] = worker.ChooseHost(upstream.HashContext(hash))
			}

			ps.UpdateHosts(0, hosts[1:])
			worker = balancer.Factory().Create()
			stable := 0
			for i := 0; i < 1000; i++ {
				hash := farm.Fingerprint64([]byte(fmt.Sprintf("key-%d", i)))
				if worker.ChooseHost(upstream.HashContext(hash)) == before[i] {
					stable++
				}
			}
			assert.Greater(t, stable, 500, "most keys keep their host after removing one of eight")
		})
	}
}
