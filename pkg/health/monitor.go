package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// Monitor watches node heartbeats. A node whose heartbeat gap exceeds the
// stale threshold is marked offline and its running VMs fail over to Error.
// Recovery happens only through Heartbeat; the monitor never flips a node
// back online on its own.
type Monitor struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	clock     clock.PassiveClock
	broker    *events.Broker
	stale     time.Duration
	tick      time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a health monitor. broker may be nil.
func NewMonitor(st *store.Store, lm *lifecycle.Manager, clk clock.PassiveClock, broker *events.Broker, stale, tick time.Duration) *Monitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Monitor{
		store:     st,
		lifecycle: lm,
		clock:     clk,
		broker:    broker,
		stale:     stale,
		tick:      tick,
		logger:    log.WithComponent("health"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the monitoring loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Dur("stale_after", m.stale).Dur("tick", m.tick).Msg("health monitor started")
}

// Stop halts the monitoring loop
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("health monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			return
		}
	}
}

// Tick sweeps all online nodes once. A gap strictly greater than the stale
// threshold takes the node offline.
func (m *Monitor) Tick() {
	now := m.clock.Now()
	for _, node := range m.store.ListNodes() {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		gap := now.Sub(node.LastHeartbeat)
		if gap <= m.stale {
			continue
		}
		m.markOffline(node, gap)
	}
}

// Heartbeat records a node's heartbeat: the gap sample feeds the reputation
// engine, and an offline node recovers to online.
func (m *Monitor) Heartbeat(nodeID string) error {
	now := m.clock.Now()
	var gap time.Duration
	recovered := false

	err := m.store.UpdateNode(nodeID, func(n *types.Node) {
		if !n.LastHeartbeat.IsZero() {
			gap = now.Sub(n.LastHeartbeat)
		}
		n.LastHeartbeat = now
		if n.Status == types.NodeStatusOffline {
			n.Status = types.NodeStatusOnline
			recovered = true
		}
	})
	if err != nil {
		return err
	}

	m.store.RecordHeartbeatSample(nodeID, types.HeartbeatSample{At: now, Gap: gap})

	if recovered {
		m.store.AppendEvent(types.Event{
			Kind:      types.EventKindNodeStatus,
			SubjectID: nodeID,
			NodeID:    nodeID,
			Message:   fmt.Sprintf("node recovered after %s gap", gap.Round(time.Second)),
			Severity:  types.SeverityInfo,
		})
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:     events.EventNodeOnline,
				Message:  fmt.Sprintf("node %s back online", nodeID),
				Metadata: map[string]string{"node_id": nodeID},
			})
		}
		m.logger.Info().Str("node_id", nodeID).Dur("gap", gap).Msg("node recovered")
	}
	return nil
}

func (m *Monitor) markOffline(node types.Node, gap time.Duration) {
	if err := m.store.UpdateNode(node.ID, func(n *types.Node) {
		n.Status = types.NodeStatusOffline
	}); err != nil {
		return
	}

	m.store.AppendEvent(types.Event{
		Kind:      types.EventKindNodeStatus,
		SubjectID: node.ID,
		NodeID:    node.ID,
		Message:   fmt.Sprintf("node offline, no heartbeat for %s", gap.Round(time.Second)),
		Severity:  types.SeverityWarn,
	})
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:     events.EventNodeOffline,
			Message:  fmt.Sprintf("node %s offline", node.ID),
			Metadata: map[string]string{"node_id": node.ID},
		})
	}
	m.logger.Warn().Str("node_id", node.ID).Dur("gap", gap).Msg("node offline")

	// running VMs on a dead node cannot be assumed alive
	for _, vm := range m.store.ListVMs(store.Filter{
		NodeID:   node.ID,
		Statuses: []types.VMStatus{types.VMStatusRunning},
	}) {
		if err := m.lifecycle.Transition(vm.ID, types.VMStatusError, lifecycle.Context{
			Source: lifecycle.SourceHealthLost,
			Reason: lifecycle.ReasonNodeOffline,
		}); err != nil {
			m.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("offline failover transition failed")
		}
	}
}
