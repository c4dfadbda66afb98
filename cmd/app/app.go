package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"hashlb/cmd/app/options"
	"hashlb/pkg/upstream"
	"hashlb/pkg/upstream/maglev"
	"hashlb/pkg/upstream/ringhash"

	"github.com/dgryski/go-farm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func NewHashLBCommand(stopCh <-chan struct{}) *cobra.Command {
	opts := options.NewOptions()

	cmd := &cobra.Command{
		Short: "Launch hashlb selection demo",
		Long:  "Launch hashlb selection demo",
		RunE: func(c *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			return runCommand(opts, stopCh)
		},
	}
	opts.Flags(cmd)

	return cmd
}

func runCommand(opts *options.Options, stopCh <-chan struct{}) error {
	upstream.RegisterMetrics(prometheus.DefaultRegisterer)
	if opts.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(opts.MetricsAddr, nil); err != nil {
				klog.Errorf("metrics listener failed: %v", err)
			}
		}()
	}

	prioritySet := upstream.NewPrioritySet()
	hostsByPriority := make([][]upstream.Host, opts.Priorities)
	for p := 0; p < opts.Priorities; p++ {
		for i := 0; i < opts.HostsPerLevel; i++ {
			host := upstream.NewStaticHost(
				fmt.Sprintf("10.0.%d.%d:8080", p, i),
				fmt.Sprintf("host-%d-%d", p, i),
				nil,
				uint32(i%3+1),
			)
			hostsByPriority[p] = append(hostsByPriority[p], host)
		}
		prioritySet.UpdateHosts(p, hostsByPriority[p])
	}

	var builder upstream.HashingBalancerBuilder
	switch opts.Scheme {
	case "maglev":
		b := maglev.NewBuilder()
		b.UseHostnameForHashing = opts.UseHostname
		builder = b
	default:
		b := ringhash.NewBuilder()
		b.UseHostnameForHashing = opts.UseHostname
		builder = b
	}

	stats := upstream.NewClusterStats("demo")
	balancer := upstream.NewThreadAwareBalancer(prioritySet, builder, stats, upstream.Config{
		BalanceFactor:  opts.BalanceFactor,
		PanicThreshold: opts.PanicThreshold,
	})
	balancer.Initialize()
	defer balancer.Close()
	factory := balancer.Factory()

	klog.Infof("starting %d selection workers, %d requests each, scheme=%s",
		opts.Workers, opts.Requests, opts.Scheme)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	var mu sync.Mutex
	counts := make(map[string]int)

	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		worker := w
		group.Go(func() error {
			lb := factory.Create()
			local := make(map[string]int)
			for i := 0; i < opts.Requests; i++ {
				if ctx.Err() != nil {
					break
				}
				// Workers re-acquire the published snapshot periodically, the
				// way a real worker does on membership notifications.
				if i%4096 == 0 {
					lb = factory.Create()
				}
				hash := farm.Fingerprint64([]byte(fmt.Sprintf("client-%d-%d", worker, i%512)))
				host := lb.ChooseHost(upstream.HashContext(hash))
				if host == nil {
					continue
				}
				host.Stats().IncActiveRequests()
				stats.IncActiveRequests()
				local[host.Address()]++
				host.Stats().DecActiveRequests()
				stats.DecActiveRequests()
			}
			mu.Lock()
			for addr, n := range local {
				counts[addr] += n
			}
			mu.Unlock()
			return nil
		})
	}

	// Churn membership while workers select: degrade one host, then remove
	// another, exercising the rebuild path concurrently with selection.
	group.Go(func() error {
		if len(hostsByPriority[0]) < 2 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
		hostsByPriority[0][0].(*upstream.StaticHost).SetHealth(upstream.Degraded)
		prioritySet.UpdateHosts(0, hostsByPriority[0])
		klog.Infof("degraded host %s", hostsByPriority[0][0].Address())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
		prioritySet.UpdateHosts(0, hostsByPriority[0][1:])
		klog.Infof("removed host %s", hostsByPriority[0][0].Address())
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	addrs := make([]string, 0, len(counts))
	for addr := range counts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		klog.Infof("host %s served %d selections", addr, counts[addr])
	}
	return nil
}
