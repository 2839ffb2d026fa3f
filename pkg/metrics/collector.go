package metrics

import (
	"time"

	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// Collector periodically derives gauge values from store state
type Collector struct {
	store    *store.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling the store
func NewCollector(st *store.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    st,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes all store-derived gauges once
func (c *Collector) Collect() {
	nodeCounts := make(map[types.NodeStatus]int)
	for _, node := range c.store.ListNodes() {
		nodeCounts[node.Status]++
	}
	for _, status := range []types.NodeStatus{types.NodeStatusOnline, types.NodeStatusOffline} {
		NodesTotal.WithLabelValues(string(status)).Set(float64(nodeCounts[status]))
	}

	vmCounts := make(map[types.VMStatus]int)
	paused := 0
	for _, vm := range c.store.ListVMs(store.Filter{}) {
		vmCounts[vm.Status]++
		if vm.Billing.Paused {
			paused++
		}
	}
	for _, status := range []types.VMStatus{
		types.VMStatusPending, types.VMStatusScheduling, types.VMStatusProvisioning,
		types.VMStatusRunning, types.VMStatusStopping, types.VMStatusStopped,
		types.VMStatusMigrating, types.VMStatusError, types.VMStatusDeleting,
		types.VMStatusDeleted,
	} {
		VMsTotal.WithLabelValues(string(status)).Set(float64(vmCounts[status]))
	}
	BillingPausedVMs.Set(float64(paused))

	PendingCommands.Set(float64(len(c.store.ListPendingCommands())))
}
