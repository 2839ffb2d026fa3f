package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *clocktesting.FakePassiveClock) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(1000, clk)
	return NewEngine(st, clk, time.Hour, 5*time.Minute), st, clk
}

func seedNode(st *store.Store, id string, registeredAt time.Time, status types.NodeStatus) {
	st.UpsertNode(types.Node{
		ID:            id,
		Status:        status,
		RegisteredAt:  registeredAt,
		LastHeartbeat: registeredAt,
	})
}

func TestJitterGapsScoreFullUptime(t *testing.T) {
	e, st, clk := newTestEngine(t)
	registered := clk.Now().Add(-10 * 24 * time.Hour)
	seedNode(st, "node-1", registered, types.NodeStatusOnline)

	// regular heartbeats with gaps inside the tolerance
	for i := 0; i < 5; i++ {
		st.RecordHeartbeatSample("node-1", types.HeartbeatSample{
			At:  registered.Add(time.Duration(i) * time.Hour),
			Gap: 2 * time.Minute,
		})
	}

	e.Recompute()

	node, _ := st.GetNode("node-1")
	assert.InDelta(t, 100.0, node.Reputation.UptimePct, 1e-9)
}

func TestLongGapReducesUptime(t *testing.T) {
	e, st, clk := newTestEngine(t)
	registered := clk.Now().Add(-10 * 24 * time.Hour)
	seedNode(st, "node-1", registered, types.NodeStatusOnline)

	st.RecordHeartbeatSample("node-1", types.HeartbeatSample{
		At:  registered.Add(24 * time.Hour),
		Gap: time.Hour,
	})

	e.Recompute()

	node, _ := st.GetNode("node-1")
	want := 100 * (1 - time.Hour.Seconds()/(10 * 24 * time.Hour).Seconds())
	assert.InDelta(t, want, node.Reputation.UptimePct, 1e-6)
}

func TestWindowBoundedByNodeAge(t *testing.T) {
	e, st, clk := newTestEngine(t)

	// two nodes with the same 1h outage; the younger one is hit harder
	old := clk.Now().Add(-20 * 24 * time.Hour)
	young := clk.Now().Add(-2 * 24 * time.Hour)
	seedNode(st, "node-old", old, types.NodeStatusOnline)
	seedNode(st, "node-young", young, types.NodeStatusOnline)
	st.RecordHeartbeatSample("node-old", types.HeartbeatSample{At: clk.Now().Add(-time.Hour), Gap: time.Hour})
	st.RecordHeartbeatSample("node-young", types.HeartbeatSample{At: clk.Now().Add(-time.Hour), Gap: time.Hour})

	e.Recompute()

	nodeOld, _ := st.GetNode("node-old")
	nodeYoung, _ := st.GetNode("node-young")
	assert.Greater(t, nodeOld.Reputation.UptimePct, nodeYoung.Reputation.UptimePct)
}

func TestOngoingOutageCounts(t *testing.T) {
	e, st, clk := newTestEngine(t)
	registered := clk.Now().Add(-10 * 24 * time.Hour)
	seedNode(st, "node-1", registered, types.NodeStatusOffline)

	// last heartbeat two hours ago, offline since
	st.UpdateNode("node-1", func(n *types.Node) {
		n.LastHeartbeat = clk.Now().Add(-2 * time.Hour)
	})

	e.Recompute()

	node, _ := st.GetNode("node-1")
	want := 100 * (1 - (2 * time.Hour).Seconds()/(10 * 24 * time.Hour).Seconds())
	assert.InDelta(t, want, node.Reputation.UptimePct, 1e-6)
}

func TestFreshOnlineNodeScoresFull(t *testing.T) {
	e, st, clk := newTestEngine(t)
	seedNode(st, "node-1", clk.Now().Add(-time.Hour), types.NodeStatusOnline)

	e.Recompute()

	node, _ := st.GetNode("node-1")
	assert.InDelta(t, 100.0, node.Reputation.UptimePct, 1e-9)
}

func TestCompletionsCountedFromEventLog(t *testing.T) {
	e, st, clk := newTestEngine(t)
	registered := clk.Now().Add(-5 * 24 * time.Hour)
	seedNode(st, "node-1", registered, types.NodeStatusOnline)
	seedNode(st, "node-2", registered, types.NodeStatusOnline)

	appendTransition := func(vmID, nodeID, msg string) {
		st.AppendEvent(types.Event{
			Kind:      types.EventKindVMStatus,
			SubjectID: vmID,
			NodeID:    nodeID,
			Message:   msg,
			Severity:  types.SeverityInfo,
		})
	}

	// vm-a ran on node-1 and was deleted cleanly
	appendTransition("vm-a", "node-1", "provisioning -> running by node.ack-create-ok")
	appendTransition("vm-a", "node-1", "running -> deleting by user.delete")
	appendTransition("vm-a", "node-1", "deleting -> deleted by node.ack-delete-ok")

	// vm-b errored while running; its delete does not count
	appendTransition("vm-b", "node-1", "provisioning -> running by node.ack-create-ok")
	appendTransition("vm-b", "node-1", "running -> error by health.lost: node_offline")
	appendTransition("vm-b", "node-1", "error -> deleting by user.delete")
	appendTransition("vm-b", "node-1", "deleting -> deleted by node.ack-delete-ok")

	// vm-c completed on node-2
	appendTransition("vm-c", "node-2", "provisioning -> running by node.ack-create-ok")
	appendTransition("vm-c", "node-2", "running -> deleting by user.delete")
	appendTransition("vm-c", "node-2", "deleting -> deleted by node.ack-delete-ok")

	// vm-d is still running
	appendTransition("vm-d", "node-1", "provisioning -> running by node.ack-create-ok")

	e.Recompute()

	node1, _ := st.GetNode("node-1")
	node2, _ := st.GetNode("node-2")
	assert.Equal(t, 1, node1.Reputation.SuccessfulCompletions)
	assert.Equal(t, 1, node2.Reputation.SuccessfulCompletions)
}

func TestRecomputePrunesOldSamples(t *testing.T) {
	e, st, clk := newTestEngine(t)
	registered := clk.Now().Add(-60 * 24 * time.Hour)
	seedNode(st, "node-1", registered, types.NodeStatusOnline)

	st.RecordHeartbeatSample("node-1", types.HeartbeatSample{At: clk.Now().Add(-45 * 24 * time.Hour), Gap: time.Hour})
	st.RecordHeartbeatSample("node-1", types.HeartbeatSample{At: clk.Now().Add(-time.Hour), Gap: time.Minute})

	e.Recompute()

	samples := st.HeartbeatSamples("node-1", registered)
	require.Len(t, samples, 1)
	assert.Equal(t, clk.Now().Add(-time.Hour), samples[0].At)
}
