// Package maglev implements the Maglev table scheme behind the
// upstream.HashingBalancer contract: a fixed-size prime table filled from
// per-host permutations, giving O(1) lookups and minimal disruption on
// membership change. Host weights gate how often a host takes a slot during
// table construction.
package maglev

import (
	"github.com/cespare/xxhash/v2"
	"k8s.io/klog/v2"

	"hashlb/pkg/upstream"
)

// DefaultTableSize is prime, as the permutation math requires.
const DefaultTableSize = 65537

// Builder builds Maglev tables of the configured size. TableSize must be
// prime; the zero value uses DefaultTableSize.
type Builder struct {
	TableSize             uint64
	UseHostnameForHashing bool
}

func NewBuilder() *Builder {
	return &Builder{TableSize: DefaultTableSize}
}

type table struct {
	slots []upstream.Host
}

type buildEntry struct {
	host   upstream.Host
	weight float64
	offset uint64
	skip   uint64
	next   uint64
	count  uint64
}

func (b *Builder) Build(weights upstream.NormalizedHostWeightVector, minWeight, maxWeight float64) upstream.HashingBalancer {
	size := b.TableSize
	if size == 0 {
		size = DefaultTableSize
	}
	if len(weights) == 0 || maxWeight <= 0 {
		return &table{}
	}

	entries := make([]buildEntry, len(weights))
	for i, hw := range weights {
		key := upstream.HashKeyForHost(hw.Host, b.UseHostnameForHashing)
		offsetHash := xxhash.Sum64String(key)
		skipHash := xxhash.Sum64(append([]byte(key), 0))
		entries[i] = buildEntry{
			host:   hw.Host,
			weight: hw.Weight,
			offset: offsetHash % size,
			skip:   skipHash%(size-1) + 1,
		}
	}

	slots := make([]upstream.Host, size)
	var filled uint64
	// Round-robin over hosts, but a host only takes a slot in rounds where
	// its occupancy still trails its weight share, so per-host slot counts
	// track normalized weights.
	for iteration := uint64(1); filled < size; iteration++ {
		for i := range entries {
			if filled >= size {
				break
			}
			e := &entries[i]
			if float64(e.count)*maxWeight >= float64(iteration)*e.weight {
				continue
			}
			c := e.permutation(size)
			for slots[c] != nil {
				e.next++
				c = e.permutation(size)
			}
			slots[c] = e.host
			e.next++
			e.count++
			filled++
		}
	}
	klog.V(2).Infof("built maglev table with %d slots for %d hosts", size, len(weights))

	return &table{slots: slots}
}

func (e *buildEntry) permutation(size uint64) uint64 {
	return (e.offset + e.next*e.skip) % size
}

// ChooseHost indexes the table by the hash; attempts advance to subsequent
// slots so overloaded candidates can be probed past deterministically.
func (t *table) ChooseHost(hash uint64, attempt uint32) upstream.Host {
	if len(t.slots) == 0 {
		return nil
	}
	size := uint64(len(t.slots))
	return t.slots[(hash+uint64(attempt))%size]
}
