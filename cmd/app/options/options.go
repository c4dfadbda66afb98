package options

import (
	"fmt"

	"github.com/spf13/cobra"
)

const (
	DefaultBalanceFactor  = 150 // percent, must be > 100 when bounded load is on
	DefaultPanicThreshold = 50
)

type Options struct {
	// Scheme selects the consistent hashing structure: "ring" or "maglev".
	Scheme string

	Priorities    int
	HostsPerLevel int

	BalanceFactor  uint32
	PanicThreshold uint32
	UseHostname    bool

	Workers  int
	Requests int

	MetricsAddr string
}

func NewOptions() *Options {
	return &Options{
		Scheme:         "ring",
		Priorities:     2,
		HostsPerLevel:  8,
		BalanceFactor:  DefaultBalanceFactor,
		PanicThreshold: DefaultPanicThreshold,
		Workers:        4,
		Requests:       100000,
	}
}

func (o *Options) Flags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.Scheme, "scheme", o.Scheme, "Consistent hashing scheme: ring or maglev")
	flags.IntVar(&o.Priorities, "priorities", o.Priorities, "Number of priority levels in the simulated cluster")
	flags.IntVar(&o.HostsPerLevel, "hosts-per-level", o.HostsPerLevel, "Number of hosts per priority level")
	flags.Uint32Var(&o.BalanceFactor, "balance-factor", o.BalanceFactor, "Bounded-load balance factor in percent (>100); 0 disables bounded load")
	flags.Uint32Var(&o.PanicThreshold, "panic-threshold", o.PanicThreshold, "Healthy-host percentage under which a priority panics")
	flags.BoolVar(&o.UseHostname, "use-hostname", o.UseHostname, "Hash hosts by hostname instead of address")
	flags.IntVar(&o.Workers, "workers", o.Workers, "Number of concurrent selection workers")
	flags.IntVar(&o.Requests, "requests", o.Requests, "Number of selections per worker")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "Address to serve prometheus metrics on, e.g. :9090; empty disables the listener")
}

func (o *Options) Validate() error {
	if o.Scheme != "ring" && o.Scheme != "maglev" {
		return fmt.Errorf("unknown scheme %q, want ring or maglev", o.Scheme)
	}
	if o.BalanceFactor != 0 && o.BalanceFactor <= 100 {
		return fmt.Errorf("balance-factor must be greater than 100, got %d", o.BalanceFactor)
	}
	if o.Priorities <= 0 || o.HostsPerLevel <= 0 {
		return fmt.Errorf("priorities and hosts-per-level must be positive")
	}
	return nil
}
