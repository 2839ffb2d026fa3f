package lifecycle

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

func newTestManager(t *testing.T) (*Manager, *store.Store, *clocktesting.FakePassiveClock) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(100, clk)
	return NewManager(st, clk, nil), st, clk
}

func seedVM(st *store.Store, id string, status types.VMStatus) {
	st.UpsertVM(types.VM{
		ID:     id,
		Status: status,
		Spec:   types.VMSpec{CPUCores: 1, MemoryMB: 512, DiskGB: 10},
	})
}

func TestValidWalkToRunning(t *testing.T) {
	m, st, clk := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusPending)

	require.NoError(t, m.Transition("vm-1", types.VMStatusScheduling, Context{Source: SourceSchedulerPickNode}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusProvisioning, Context{Source: SourceBusCreateSent}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusRunning, Context{Source: SourceNodeAckCreateOK}))

	vm, _ := st.GetVM("vm-1")
	assert.Equal(t, types.VMStatusRunning, vm.Status)
	require.NotNil(t, vm.Billing.StartedAt)
	assert.Equal(t, clk.Now(), *vm.Billing.StartedAt)
	assert.Equal(t, clk.Now(), vm.UpdatedAt)
}

func TestStartedAtSetOnlyOnFirstRun(t *testing.T) {
	m, st, clk := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusPending)

	first := clk.Now()
	require.NoError(t, m.Transition("vm-1", types.VMStatusScheduling, Context{Source: SourceSchedulerPickNode}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusProvisioning, Context{Source: SourceBusCreateSent}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusRunning, Context{Source: SourceNodeAckCreateOK}))

	clk.SetTime(first.Add(time.Hour))
	require.NoError(t, m.Transition("vm-1", types.VMStatusStopping, Context{Source: SourceUserStop}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusStopped, Context{Source: SourceNodeAckStopOK}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusPending, Context{Source: SourceUserStart}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusScheduling, Context{Source: SourceSchedulerPickNode}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusProvisioning, Context{Source: SourceBusCreateSent}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusRunning, Context{Source: SourceNodeAckCreateOK}))

	vm, _ := st.GetVM("vm-1")
	require.NotNil(t, vm.Billing.StartedAt)
	assert.Equal(t, first, *vm.Billing.StartedAt)
	require.NotNil(t, vm.Billing.LastBillingAt)
	assert.Equal(t, first.Add(time.Hour), *vm.Billing.LastBillingAt)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusPending)

	err := m.Transition("vm-1", types.VMStatusRunning, Context{Source: SourceNodeAckCreateOK})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	vm, _ := st.GetVM("vm-1")
	assert.Equal(t, types.VMStatusPending, vm.Status, "rejected transition must not mutate")

	events := st.Events()
	require.Len(t, events, 1)
	assert.Equal(t, types.SeverityError, events[0].Severity)
}

func TestDeletedIsTerminal(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusDeleted)

	for _, to := range []types.VMStatus{
		types.VMStatusPending, types.VMStatusRunning, types.VMStatusDeleting,
	} {
		assert.ErrorIs(t, m.Transition("vm-1", to, Context{Source: SourceUserDelete}), ErrInvalidTransition)
	}
}

func TestErrorIsNotTerminalForDelete(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusError)

	require.NoError(t, m.Transition("vm-1", types.VMStatusDeleting, Context{Source: SourceUserDelete}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusDeleted, Context{Source: SourceNodeAckDeleteOK}))
}

func TestDeleteWhileProvisioning(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusProvisioning)

	require.NoError(t, m.Transition("vm-1", types.VMStatusDeleting, Context{Source: SourceUserDelete}))

	// the late create-ack is dropped as a no-op
	err := m.Transition("vm-1", types.VMStatusRunning, Context{Source: SourceNodeAckCreateOK})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.Transition("vm-1", types.VMStatusDeleted, Context{Source: SourceNodeAckDeleteOK}))
	vm, _ := st.GetVM("vm-1")
	assert.Equal(t, types.VMStatusDeleted, vm.Status)
}

func TestRestartClearsPlacement(t *testing.T) {
	m, st, _ := newTestManager(t)
	vm := types.VM{
		ID:      "vm-1",
		Status:  types.VMStatusStopped,
		NodeID:  "node-1",
		Network: &types.NetworkConfig{PrivateIP: "10.0.0.9"},
	}
	st.UpsertVM(vm)

	require.NoError(t, m.Transition("vm-1", types.VMStatusPending, Context{Source: SourceUserStart}))

	got, _ := st.GetVM("vm-1")
	assert.Empty(t, got.NodeID)
	assert.Nil(t, got.Network)
}

func TestObserversSeeIssueOrder(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedVM(st, "vm-1", types.VMStatusPending)

	var seen []types.VMStatus
	m.Subscribe(func(vm types.VM, from types.VMStatus, ctx Context) {
		seen = append(seen, vm.Status)
	})

	require.NoError(t, m.Transition("vm-1", types.VMStatusScheduling, Context{Source: SourceSchedulerPickNode}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusProvisioning, Context{Source: SourceBusCreateSent}))
	require.NoError(t, m.Transition("vm-1", types.VMStatusRunning, Context{Source: SourceNodeAckCreateOK}))

	assert.Equal(t, []types.VMStatus{
		types.VMStatusScheduling, types.VMStatusProvisioning, types.VMStatusRunning,
	}, seen)
}

func TestTransitionUnknownVM(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Transition("vm-missing", types.VMStatusScheduling, Context{Source: SourceSchedulerPickNode})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFormatParseTransition(t *testing.T) {
	msg := FormatTransition(types.VMStatusRunning, types.VMStatusError, Context{
		Source: SourceHealthLost,
		Reason: ReasonNodeOffline,
	})
	from, to, ok := ParseTransition(msg)
	require.True(t, ok)
	assert.Equal(t, types.VMStatusRunning, from)
	assert.Equal(t, types.VMStatusError, to)

	_, _, ok = ParseTransition("vm vm-1: invalid transition pending -> running")
	assert.False(t, ok)
}
