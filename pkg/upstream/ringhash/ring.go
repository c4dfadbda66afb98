// Package ringhash implements the classic consistent-hash ring scheme
// behind the upstream.HashingBalancer contract. Each host occupies a number
// of ring positions proportional to its normalized weight; a request hash
// binary-searches the ring and increasing attempts walk to the next
// positions.
package ringhash

import (
	"fmt"
	"math"
	"sort"

	"hashlb/pkg/upstream"

	"github.com/cespare/xxhash/v2"
	"k8s.io/klog/v2"
)

const (
	DefaultMinRingSize = 1024
	DefaultMaxRingSize = 1024 * 1024 * 8
)

// Builder builds rings sized between MinRingSize and MaxRingSize entries.
// Smaller rings are cheaper to build and search, larger rings spread hosts
// more evenly.
type Builder struct {
	MinRingSize           uint64
	MaxRingSize           uint64
	UseHostnameForHashing bool
}

func NewBuilder() *Builder {
	return &Builder{MinRingSize: DefaultMinRingSize, MaxRingSize: DefaultMaxRingSize}
}

type ringEntry struct {
	hash uint64
	host upstream.Host
}

type ring struct {
	entries []ringEntry
}

func (b *Builder) Build(weights upstream.NormalizedHostWeightVector, minWeight, maxWeight float64) upstream.HashingBalancer {
	minSize, maxSize := b.MinRingSize, b.MaxRingSize
	if minSize == 0 {
		minSize = DefaultMinRingSize
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	if len(weights) == 0 || minWeight <= 0 {
		return &ring{}
	}

	// Scale the ring so the least-weighted host still gets at least one
	// entry at the minimum size, without exceeding the maximum.
	scale := math.Min(math.Ceil(minWeight*float64(minSize))/minWeight, float64(maxSize))

	entries := make([]ringEntry, 0, uint64(scale))
	var currentHashes, targetHashes float64
	for _, hw := range weights {
		key := upstream.HashKeyForHost(hw.Host, b.UseHostnameForHashing)
		targetHashes += scale * hw.Weight
		for i := 0; currentHashes < targetHashes; i++ {
			entries = append(entries, ringEntry{
				hash: xxhash.Sum64String(fmt.Sprintf("%s_%d", key, i)),
				host: hw.Host,
			})
			currentHashes++
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	klog.V(2).Infof("built hash ring with %d entries for %d hosts", len(entries), len(weights))

	return &ring{entries: entries}
}

// ChooseHost finds the first ring entry at or after the hash (wrapping),
// advanced by attempt positions so the bounded-load wrapper can probe
// alternative hosts deterministically.
func (r *ring) ChooseHost(hash uint64, attempt uint32) upstream.Host {
	if len(r.entries) == 0 {
		return nil
	}
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= hash })
	i = (i + int(attempt)) % len(r.entries)
	return r.entries[i].host
}
