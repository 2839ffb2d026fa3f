package reputation

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

const (
	// Window bounds how far back uptime and completions are scored
	Window = 30 * 24 * time.Hour
	// JitterTolerance is the heartbeat gap written off as network noise
	JitterTolerance = 2 * time.Minute
)

// Engine recomputes node reputation from heartbeat history and the event
// log. Scores are absolute per recompute; a node's past fades as the window
// slides.
type Engine struct {
	store        *store.Store
	clock        clock.PassiveClock
	tick         time.Duration
	startupDelay time.Duration
	logger       zerolog.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewEngine creates a reputation engine. The first recompute waits out
// startupDelay so a freshly restarted orchestrator does not score nodes on
// an empty heartbeat history.
func NewEngine(st *store.Store, clk clock.PassiveClock, tick, startupDelay time.Duration) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		store:        st,
		clock:        clk,
		tick:         tick,
		startupDelay: startupDelay,
		logger:       log.WithComponent("reputation"),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the recompute loop
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	e.logger.Info().Dur("tick", e.tick).Dur("startup_delay", e.startupDelay).Msg("reputation engine started")
}

// Stop halts the recompute loop
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info().Msg("reputation engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	select {
	case <-time.After(e.startupDelay):
	case <-e.stopCh:
		return
	}

	e.Recompute()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Recompute()
		case <-e.stopCh:
			return
		}
	}
}

// Recompute rescores every node and prunes heartbeat history older than the
// window.
func (e *Engine) Recompute() {
	now := e.clock.Now()
	completions := e.completionsByNode(now)

	for _, node := range e.store.ListNodes() {
		uptime := e.uptimePct(node, now)
		if err := e.store.UpdateNode(node.ID, func(n *types.Node) {
			n.Reputation.UptimePct = uptime
			n.Reputation.SuccessfulCompletions = completions[n.ID]
		}); err != nil {
			e.logger.Warn().Err(err).Str("node_id", node.ID).Msg("reputation update failed")
		}
	}

	e.store.PruneHeartbeatSamples(now.Add(-Window))
}

// uptimePct scores a node over min(window, node age). Heartbeat gaps within
// the jitter tolerance contribute zero downtime; longer gaps count in full.
// An online node with no history scores 100.
func (e *Engine) uptimePct(node types.Node, now time.Time) float64 {
	windowStart := now.Add(-Window)
	if node.RegisteredAt.After(windowStart) {
		windowStart = node.RegisteredAt
	}
	span := now.Sub(windowStart)
	if span <= 0 {
		return 100
	}

	var downtime time.Duration
	for _, sample := range e.store.HeartbeatSamples(node.ID, windowStart) {
		if sample.Gap > JitterTolerance {
			downtime += sample.Gap
		}
	}

	// an ongoing outage counts up to now
	if node.Status == types.NodeStatusOffline && !node.LastHeartbeat.IsZero() {
		if gap := now.Sub(node.LastHeartbeat); gap > JitterTolerance {
			downtime += gap
		}
	}

	if downtime >= span {
		return 0
	}
	return 100 * (1 - downtime.Seconds()/span.Seconds())
}

// completionsByNode counts VMs that completed cleanly per node, replayed
// from the event log within the window: the VM entered Running on the node,
// later reached Deleted, and never fell from Running to Error in between.
func (e *Engine) completionsByNode(now time.Time) map[string]int {
	windowStart := now.Add(-Window)

	type trace struct {
		node   string
		failed bool
	}
	traces := make(map[string]*trace)
	counts := make(map[string]int)

	for _, ev := range e.store.Events() {
		if ev.Kind != types.EventKindVMStatus || ev.At.Before(windowStart) {
			continue
		}
		from, to, ok := lifecycle.ParseTransition(ev.Message)
		if !ok {
			continue
		}
		switch {
		case to == types.VMStatusRunning:
			tr := traces[ev.SubjectID]
			if tr == nil {
				tr = &trace{}
				traces[ev.SubjectID] = tr
			}
			tr.node = ev.NodeID
		case from == types.VMStatusRunning && to == types.VMStatusError:
			if tr := traces[ev.SubjectID]; tr != nil {
				tr.failed = true
			}
		case to == types.VMStatusDeleted:
			if tr := traces[ev.SubjectID]; tr != nil && tr.node != "" && !tr.failed {
				counts[tr.node]++
			}
			delete(traces, ev.SubjectID)
		}
	}
	return counts
}
