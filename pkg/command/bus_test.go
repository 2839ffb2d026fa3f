package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestBus(t *testing.T) (*Bus, *store.Store, *clocktesting.FakePassiveClock) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(100, clk)
	lm := lifecycle.NewManager(st, clk, nil)
	return NewBus(st, lm, nil, clk, 5*time.Minute), st, clk
}

func TestIssueRecordsPendingCommand(t *testing.T) {
	bus, st, clk := newTestBus(t)

	cmd, err := bus.Issue(Request{
		Type:   types.CommandCreateVM,
		VMID:   "vm-1",
		NodeID: "node-1",
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, cmd.ID, "cmd-")
	assert.Equal(t, clk.Now(), cmd.IssuedAt)

	got, ok := st.GetPendingCommand(cmd.ID)
	require.True(t, ok)
	assert.Equal(t, types.CommandCreateVM, got.Type)
	assert.Equal(t, "vm-1", got.TargetResourceID)
}

func TestIssueRequiresNode(t *testing.T) {
	bus, _, _ := newTestBus(t)
	_, err := bus.Issue(Request{Type: types.CommandStopVM, VMID: "vm-1"}, nil)
	assert.Error(t, err)
}

func TestAckInvokesCallbackOnce(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var results []Result
	cmd, err := bus.Issue(Request{
		Type:   types.CommandStopVM,
		VMID:   "vm-1",
		NodeID: "node-1",
	}, func(_ types.PendingCommand, res Result) {
		results = append(results, res)
	})
	require.NoError(t, err)

	_, ok := bus.Ack(cmd.ID, true, "")
	assert.True(t, ok)

	// duplicate ack is a no-op
	_, ok = bus.Ack(cmd.ID, true, "")
	assert.False(t, ok)

	require.Len(t, results, 1)
	assert.Equal(t, TerminalOK, results[0].Status)
}

func TestAckFailCarriesReason(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var got Result
	cmd, _ := bus.Issue(Request{
		Type:   types.CommandCreateVM,
		VMID:   "vm-1",
		NodeID: "node-1",
	}, func(_ types.PendingCommand, res Result) { got = res })

	_, ok := bus.Ack(cmd.ID, false, "image pull failed")
	require.True(t, ok)
	assert.Equal(t, TerminalFail, got.Status)
	assert.Equal(t, "image pull failed", got.Reason)
}

func TestTimeoutSweep(t *testing.T) {
	bus, st, clk := newTestBus(t)
	st.UpsertVM(types.VM{ID: "vm-1", Status: types.VMStatusProvisioning})

	var got Result
	cmd, _ := bus.Issue(Request{
		Type:   types.CommandCreateVM,
		VMID:   "vm-1",
		NodeID: "node-1",
	}, func(_ types.PendingCommand, res Result) { got = res })

	// not yet due
	clk.SetTime(clk.Now().Add(5 * time.Minute))
	assert.Zero(t, bus.ExpireTimedOut())

	clk.SetTime(clk.Now().Add(time.Second))
	assert.Equal(t, 1, bus.ExpireTimedOut())

	assert.Equal(t, TerminalTimeout, got.Status)
	assert.Contains(t, got.Reason, "timed out")

	// the provisioning VM converged to error
	vm, _ := st.GetVM("vm-1")
	assert.Equal(t, types.VMStatusError, vm.Status)

	// a warn event was appended for the timeout
	var found bool
	for _, e := range st.Events() {
		if e.Kind == types.EventKindCommand && e.Severity == types.SeverityWarn {
			found = true
		}
	}
	assert.True(t, found)

	// the command is gone; a late ack is a no-op
	_, ok := bus.Ack(cmd.ID, true, "")
	assert.False(t, ok)
}

func TestTimeoutLeavesRunningVMAlone(t *testing.T) {
	bus, st, clk := newTestBus(t)
	st.UpsertVM(types.VM{ID: "vm-1", Status: types.VMStatusRunning})

	bus.Issue(Request{
		Type:   types.CommandAttest,
		VMID:   "vm-1",
		NodeID: "node-1",
	}, nil)

	clk.SetTime(clk.Now().Add(6 * time.Minute))
	assert.Equal(t, 1, bus.ExpireTimedOut())

	vm, _ := st.GetVM("vm-1")
	assert.Equal(t, types.VMStatusRunning, vm.Status)
}

func TestDropOrphaned(t *testing.T) {
	bus, st, _ := newTestBus(t)
	st.UpsertVM(types.VM{ID: "vm-live", Status: types.VMStatusRunning})
	st.UpsertVM(types.VM{ID: "vm-gone", Status: types.VMStatusDeleted})

	called := false
	bus.Issue(Request{Type: types.CommandStopVM, VMID: "vm-live", NodeID: "node-1"}, nil)
	bus.Issue(Request{Type: types.CommandStopVM, VMID: "vm-gone", NodeID: "node-1"},
		func(types.PendingCommand, Result) { called = true })
	bus.Issue(Request{Type: types.CommandStopVM, VMID: "vm-missing", NodeID: "node-1"}, nil)

	assert.Equal(t, 2, bus.DropOrphaned())
	assert.Equal(t, 1, bus.Outstanding())
	assert.False(t, called, "dropped commands must not fire callbacks")
}
