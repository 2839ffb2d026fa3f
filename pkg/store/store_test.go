package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stratomesh/strato/pkg/types"
)

func testStore(t *testing.T) (*Store, *clocktesting.FakePassiveClock) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(100, clk), clk
}

func onlineNode(id string, cpu int, memMB, diskGB int64) types.Node {
	return types.Node{
		ID:       id,
		Status:   types.NodeStatusOnline,
		Capacity: types.NodeCapacity{CPUCores: cpu, MemoryMB: memMB, DiskGB: diskGB},
	}
}

func pendingVM(id string, cpu int, memMB, diskGB int64) types.VM {
	return types.VM{
		ID:     id,
		Status: types.VMStatusPending,
		Spec:   types.VMSpec{CPUCores: cpu, MemoryMB: memMB, DiskGB: diskGB},
	}
}

func TestVMCRUD(t *testing.T) {
	s, _ := testStore(t)

	vm := pendingVM("vm-1", 2, 2048, 20)
	vm.OwnerID = "alice"
	s.UpsertVM(vm)

	got, ok := s.GetVM("vm-1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.OwnerID)

	// mutating the returned copy must not touch the stored value
	got.OwnerID = "mallory"
	again, _ := s.GetVM("vm-1")
	assert.Equal(t, "alice", again.OwnerID)

	assert.Len(t, s.ListVMs(Filter{OwnerID: "alice"}), 1)
	assert.Empty(t, s.ListVMs(Filter{OwnerID: "bob"}))

	s.RemoveVM("vm-1")
	_, ok = s.GetVM("vm-1")
	assert.False(t, ok)
}

func TestUpdateVMAborts(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertVM(pendingVM("vm-1", 1, 512, 10))

	err := s.UpdateVM("vm-1", func(vm *types.VM) error {
		vm.Status = types.VMStatusRunning
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	vm, _ := s.GetVM("vm-1")
	assert.Equal(t, types.VMStatusPending, vm.Status, "aborted update must not mutate")
}

func TestActiveVMs(t *testing.T) {
	s, _ := testStore(t)
	for i, status := range []types.VMStatus{
		types.VMStatusRunning, types.VMStatusError, types.VMStatusDeleted,
	} {
		vm := pendingVM(fmt.Sprintf("vm-%d", i), 1, 512, 10)
		vm.Status = status
		s.UpsertVM(vm)
	}

	active := s.ActiveVMs()
	assert.Len(t, active, 2, "Error is active, Deleted is not")
}

func TestBindVMReservesCapacity(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertNode(onlineNode("node-1", 8, 16384, 100))

	vm := pendingVM("vm-1", 2, 2048, 20)
	vm.Status = types.VMStatusScheduling
	s.UpsertVM(vm)

	require.NoError(t, s.BindVM("vm-1", "node-1"))

	cpu, memMB, diskGB := s.Allocation("node-1")
	assert.Equal(t, 2, cpu)
	assert.Equal(t, int64(2048), memMB)
	assert.Equal(t, int64(20), diskGB)

	node, _ := s.GetNode("node-1")
	assert.Equal(t, 1, node.Reputation.TotalVMsHosted)
}

func TestBindVMNoCapacity(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertNode(onlineNode("node-1", 1, 1024, 10))

	vm := pendingVM("vm-1", 2, 512, 5)
	vm.Status = types.VMStatusScheduling
	s.UpsertVM(vm)

	err := s.BindVM("vm-1", "node-1")
	assert.ErrorIs(t, err, ErrNoCapacity)

	got, _ := s.GetVM("vm-1")
	assert.Empty(t, got.NodeID)
}

func TestBindVMRequiresGPU(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertNode(onlineNode("node-1", 8, 16384, 100))

	vm := pendingVM("vm-1", 1, 512, 10)
	vm.Status = types.VMStatusScheduling
	vm.Spec.RequiresGPU = true
	s.UpsertVM(vm)

	assert.ErrorIs(t, s.BindVM("vm-1", "node-1"), ErrNoCapacity)
}

func TestBindVMNoDoubleBooking(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertNode(onlineNode("node-1", 4, 8192, 100))

	// 3 VMs of 2 cores each race for a 4-core node
	for i := 1; i <= 3; i++ {
		vm := pendingVM(fmt.Sprintf("vm-%d", i), 2, 1024, 10)
		vm.Status = types.VMStatusScheduling
		s.UpsertVM(vm)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.BindVM(fmt.Sprintf("vm-%d", i+1), "node-1")
		}(i)
	}
	wg.Wait()

	bound := 0
	for _, err := range errs {
		if err == nil {
			bound++
		}
	}
	assert.Equal(t, 2, bound, "exactly two 2-core VMs fit a 4-core node")

	cpu, _, _ := s.Allocation("node-1")
	assert.LessOrEqual(t, cpu, 4)
}

func TestStoppedVMReleasesCapacity(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertNode(onlineNode("node-1", 4, 8192, 100))

	vm := pendingVM("vm-1", 4, 1024, 10)
	vm.Status = types.VMStatusScheduling
	s.UpsertVM(vm)
	require.NoError(t, s.BindVM("vm-1", "node-1"))

	require.NoError(t, s.UpdateVM("vm-1", func(vm *types.VM) error {
		vm.Status = types.VMStatusStopped
		return nil
	}))

	cpu, _, _ := s.Allocation("node-1")
	assert.Zero(t, cpu, "stopped VMs hold no capacity")
}

func TestTakePendingCommandIdempotent(t *testing.T) {
	s, clk := testStore(t)
	s.PutPendingCommand(types.PendingCommand{
		ID: "cmd-1", Type: types.CommandCreateVM, NodeID: "node-1", IssuedAt: clk.Now(),
	})

	cmd, ok := s.TakePendingCommand("cmd-1")
	require.True(t, ok)
	assert.Equal(t, types.CommandCreateVM, cmd.Type)

	_, ok = s.TakePendingCommand("cmd-1")
	assert.False(t, ok, "second take of the same command id is a no-op")
}

func TestEventRingCap(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	s := New(5, clk)

	for i := 0; i < 12; i++ {
		s.AppendEvent(types.Event{Kind: types.EventKindVMStatus, Message: fmt.Sprintf("e%d", i)})
	}

	events := s.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "e7", events[0].Message, "oldest entries drop first")
	assert.Equal(t, "e11", events[4].Message)
}

func TestEventTimestampsMonotone(t *testing.T) {
	s, clk := testStore(t)

	s.AppendEvent(types.Event{Kind: "a"})
	clk.SetTime(clk.Now().Add(-time.Minute)) // clock skew
	s.AppendEvent(types.Event{Kind: "b"})

	events := s.Events()
	require.Len(t, events, 2)
	assert.False(t, events[1].At.Before(events[0].At))
}

func TestHeartbeatSamples(t *testing.T) {
	s, clk := testStore(t)
	base := clk.Now()

	s.RecordHeartbeatSample("node-1", types.HeartbeatSample{At: base.Add(-48 * time.Hour), Gap: time.Minute})
	s.RecordHeartbeatSample("node-1", types.HeartbeatSample{At: base, Gap: 30 * time.Second})

	recent := s.HeartbeatSamples("node-1", base.Add(-24*time.Hour))
	assert.Len(t, recent, 1)

	s.PruneHeartbeatSamples(base.Add(-24 * time.Hour))
	all := s.HeartbeatSamples("node-1", time.Time{})
	assert.Len(t, all, 1)
}
