package upstream

// Per-priority load vectors. Each entry is a percentage of traffic routed
// to that priority; a vector pair produced by CalculatePriorityLoad sums to
// 100 across both vectors, or to 0 when the whole cluster is empty.
type HealthyLoad []uint32
type DegradedLoad []uint32

const (
	// DefaultOverprovisioningFactor inflates a priority's availability so a
	// small amount of unhealthiness does not immediately spill traffic to
	// lower priorities. Percent, 140 == x1.4.
	DefaultOverprovisioningFactor = 140

	// DefaultPanicThreshold is the healthy-host percentage under which a
	// priority goes into panic mode and balances over all of its hosts.
	DefaultPanicThreshold = 50
)

// CalculatePriorityLoad computes the healthy/degraded load vectors and the
// per-priority panic flags from the current membership. Priorities absorb
// load in order, up to their availability; whatever the higher priorities
// cannot carry spills over to the lower ones. When no priority has any
// availability but hosts exist, every priority panics and the load is
// spread proportionally to host counts.
func CalculatePriorityLoad(hostSets []HostSet, panicThreshold uint32) (HealthyLoad, DegradedLoad, []bool) {
	n := len(hostSets)
	healthy := make(HealthyLoad, n)
	degraded := make(DegradedLoad, n)
	panics := make([]bool, n)

	healthyAvail := make([]uint32, n)
	degradedAvail := make([]uint32, n)
	var totalAvail uint64
	for i, set := range hostSets {
		total := len(set.Hosts())
		panics[i] = isHostSetInPanic(set, panicThreshold)
		if total == 0 {
			continue
		}
		healthyAvail[i] = capPercent(DefaultOverprovisioningFactor * uint64(len(set.HealthyHosts())) / uint64(total))
		degradedAvail[i] = capPercent(DefaultOverprovisioningFactor * uint64(len(set.DegradedHosts())) / uint64(total))
		totalAvail += uint64(healthyAvail[i]) + uint64(degradedAvail[i])
	}

	if totalAvail == 0 {
		// Nothing is available. Spread the load over whatever hosts exist so
		// traffic is still served; selectors in panic mode consider all hosts.
		var totalHosts int
		for _, set := range hostSets {
			totalHosts += len(set.Hosts())
		}
		if totalHosts == 0 {
			return healthy, degraded, panics
		}
		var assigned uint32
		firstNonEmpty := -1
		for i, set := range hostSets {
			healthy[i] = uint32(100 * len(set.Hosts()) / totalHosts)
			assigned += healthy[i]
			if firstNonEmpty < 0 && len(set.Hosts()) > 0 {
				firstNonEmpty = i
			}
		}
		healthy[firstNonEmpty] += 100 - assigned
		return healthy, degraded, panics
	}

	// Priorities drain the total load in order: healthy capacity across all
	// priorities first, then degraded capacity. The divisor normalizes
	// partial availability so a half-healthy lone priority still takes 100%.
	normalizedTotal := totalAvail
	if normalizedTotal > 100 {
		normalizedTotal = 100
	}
	remaining := uint32(100)
	for i := range hostSets {
		load := uint32(uint64(healthyAvail[i]) * 100 / normalizedTotal)
		if load > remaining {
			load = remaining
		}
		healthy[i] = load
		remaining -= load
	}
	for i := range hostSets {
		load := uint32(uint64(degradedAvail[i]) * 100 / normalizedTotal)
		if load > remaining {
			load = remaining
		}
		degraded[i] = load
		remaining -= load
	}
	// Integer division can leave a remainder; give it to the first priority
	// with availability so the vectors always sum to exactly 100.
	if remaining > 0 {
		for i := range hostSets {
			if healthyAvail[i] > 0 {
				healthy[i] += remaining
				break
			}
			if degradedAvail[i] > 0 {
				degraded[i] += remaining
				break
			}
		}
	}
	return healthy, degraded, panics
}

func isHostSetInPanic(set HostSet, panicThreshold uint32) bool {
	total := len(set.Hosts())
	if total == 0 {
		return false
	}
	available := len(set.HealthyHosts()) + len(set.DegradedHosts())
	return uint32(100*available/total) < panicThreshold
}

func capPercent(v uint64) uint32 {
	if v > 100 {
		return 100
	}
	return uint32(v)
}

// ChoosePriority maps a hash onto the load vectors: the hash modulo 100
// walks the cumulative healthy loads first, then the degraded ones. ok is
// false only when both vectors are all zero.
func ChoosePriority(hash uint64, healthy HealthyLoad, degraded DegradedLoad) (priority int, useDegraded bool, ok bool) {
	point := uint32(hash % 100)
	var cumulative uint32
	for i, load := range healthy {
		cumulative += load
		if point < cumulative {
			return i, false, true
		}
	}
	for i, load := range degraded {
		cumulative += load
		if point < cumulative {
			return i, true, true
		}
	}
	return 0, false, false
}
