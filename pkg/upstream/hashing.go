package upstream

import (
	"k8s.io/klog/v2"
)

// HashKeyMetadataField is the well-known metadata field carrying an explicit
// hash key for a host.
const HashKeyMetadataField = "hash_key"

// NormalizedHostWeight pairs a host with its weight normalized against the
// other hosts of the same rebuild, weight in (0, 1].
type NormalizedHostWeight struct {
	Host   Host
	Weight float64
}

// NormalizedHostWeightVector is produced fresh on every rebuild and never
// mutated afterwards; the sum of its weights is 1.0.
type NormalizedHostWeightVector []NormalizedHostWeight

// HashingBalancer deterministically maps a 64-bit hash to a host. attempt 0
// is the primary choice; increasing attempts probe alternative candidates,
// with the probing strategy owned by the concrete scheme (next ring
// position, next table slot). Implementations must tolerate empty and
// singleton host sets, returning nil rather than failing when empty.
type HashingBalancer interface {
	ChooseHost(hash uint64, attempt uint32) Host
}

// HashingBalancerBuilder builds a fresh hashing structure from a normalized
// weight vector. minWeight/maxWeight are the smallest and largest weights in
// the vector; schemes use them to size their structures.
type HashingBalancerBuilder interface {
	Build(weights NormalizedHostWeightVector, minWeight, maxWeight float64) HashingBalancer
}

// HashKeyForHost derives the stable key a hashing scheme places the host
// under: the hash_key metadata field when present, else the hostname when
// useHostname is set, else the address. Always returns a usable key; a
// wrong-typed metadata field only logs a diagnostic.
func HashKeyForHost(host Host, useHostname bool) string {
	if metadata := host.Metadata(); metadata != nil {
		if raw, ok := metadata[HashKeyMetadataField]; ok {
			if key, ok := raw.(string); ok {
				if key != "" {
					return key
				}
			} else {
				klog.V(2).Infof("hash_key must be string type, got: %T for host %s", raw, host.Address())
			}
		}
	}
	if useHostname {
		return host.Hostname()
	}
	return host.Address()
}
