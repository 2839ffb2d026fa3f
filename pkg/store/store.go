package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/types"
)

var (
	// ErrNotFound is returned when an entity id does not exist
	ErrNotFound = errors.New("not found")

	// ErrNoCapacity is returned when a node cannot fit a VM spec
	ErrNoCapacity = errors.New("insufficient capacity")
)

// Store is the process-wide authoritative in-memory state. All entities are
// owned exclusively by the store; every accessor returns a deep copy and
// every mutation happens under the entity family's lock.
//
// Lock ordering for cross-entity operations: nodes before VMs. BindVM is the
// only operation that holds both.
type Store struct {
	clock clock.PassiveClock

	nodesMu sync.RWMutex
	nodes   map[string]*types.Node
	samples map[string][]types.HeartbeatSample

	vmsMu sync.RWMutex
	vms   map[string]*types.VM

	cmdsMu   sync.RWMutex
	commands map[string]*types.PendingCommand

	livenessMu sync.RWMutex
	liveness   map[string]*types.LivenessState

	eventsMu sync.Mutex
	events   []types.Event
	eventCap int
}

// New creates an empty store. eventCap bounds the event ring.
func New(eventCap int, clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		clock:    clk,
		nodes:    make(map[string]*types.Node),
		samples:  make(map[string][]types.HeartbeatSample),
		vms:      make(map[string]*types.VM),
		commands: make(map[string]*types.PendingCommand),
		liveness: make(map[string]*types.LivenessState),
		eventCap: eventCap,
	}
}

// ---- Nodes ----

// UpsertNode inserts or replaces a node
func (s *Store) UpsertNode(node types.Node) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.nodes[node.ID] = cloneNode(&node)
}

// GetNode returns a copy of the node with the given id
func (s *Store) GetNode(id string) (types.Node, bool) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return types.Node{}, false
	}
	return *cloneNode(node), true
}

// ListNodes returns copies of all nodes
func (s *Store) ListNodes() []types.Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *cloneNode(n))
	}
	return out
}

// UpdateNode mutates a node under the store lock
func (s *Store) UpdateNode(id string, fn func(*types.Node)) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	fn(node)
	return nil
}

// RecordHeartbeatSample appends a heartbeat-gap sample for a node
func (s *Store) RecordHeartbeatSample(nodeID string, sample types.HeartbeatSample) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.samples[nodeID] = append(s.samples[nodeID], sample)
}

// HeartbeatSamples returns the node's samples at or after since
func (s *Store) HeartbeatSamples(nodeID string, since time.Time) []types.HeartbeatSample {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	return lo.Filter(s.samples[nodeID], func(sm types.HeartbeatSample, _ int) bool {
		return !sm.At.Before(since)
	})
}

// PruneHeartbeatSamples drops samples older than before across all nodes
func (s *Store) PruneHeartbeatSamples(before time.Time) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	for id, samples := range s.samples {
		s.samples[id] = lo.Filter(samples, func(sm types.HeartbeatSample, _ int) bool {
			return !sm.At.Before(before)
		})
	}
}

// ---- VMs ----

// Filter narrows ListVMs results. Zero values match everything.
type Filter struct {
	OwnerID  string
	NodeID   string
	Statuses []types.VMStatus
}

func (f Filter) matches(vm *types.VM) bool {
	if f.OwnerID != "" && vm.OwnerID != f.OwnerID {
		return false
	}
	if f.NodeID != "" && vm.NodeID != f.NodeID {
		return false
	}
	if len(f.Statuses) > 0 && !lo.Contains(f.Statuses, vm.Status) {
		return false
	}
	return true
}

// UpsertVM inserts or replaces a VM
func (s *Store) UpsertVM(vm types.VM) {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	s.vms[vm.ID] = cloneVM(&vm)
}

// GetVM returns a copy of the VM with the given id
func (s *Store) GetVM(id string) (types.VM, bool) {
	s.vmsMu.RLock()
	defer s.vmsMu.RUnlock()
	vm, ok := s.vms[id]
	if !ok {
		return types.VM{}, false
	}
	return *cloneVM(vm), true
}

// ListVMs returns copies of all VMs matching the filter
func (s *Store) ListVMs(f Filter) []types.VM {
	s.vmsMu.RLock()
	defer s.vmsMu.RUnlock()
	out := make([]types.VM, 0)
	for _, vm := range s.vms {
		if f.matches(vm) {
			out = append(out, *cloneVM(vm))
		}
	}
	return out
}

// ActiveVMs returns every VM that has not reached Deleted
func (s *Store) ActiveVMs() []types.VM {
	s.vmsMu.RLock()
	defer s.vmsMu.RUnlock()
	out := make([]types.VM, 0)
	for _, vm := range s.vms {
		if vm.Status.Active() {
			out = append(out, *cloneVM(vm))
		}
	}
	return out
}

// UpdateVM mutates a VM under the store lock. The callback sees the current
// value; returning an error aborts the update without mutating.
func (s *Store) UpdateVM(id string, fn func(*types.VM) error) error {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	next := cloneVM(vm)
	if err := fn(next); err != nil {
		return err
	}
	s.vms[id] = next
	return nil
}

// RemoveVM deletes a VM from the store
func (s *Store) RemoveVM(id string) {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	delete(s.vms, id)
}

// Allocation returns the resources currently reserved on a node, summing the
// spec of every VM bound to it in a capacity-holding status.
func (s *Store) Allocation(nodeID string) (cpu int, memMB int64, diskGB int64) {
	s.vmsMu.RLock()
	defer s.vmsMu.RUnlock()
	return s.allocationLocked(nodeID, "")
}

// allocationLocked sums reservations on nodeID, skipping excludeVM.
// Callers must hold vmsMu.
func (s *Store) allocationLocked(nodeID, excludeVM string) (cpu int, memMB int64, diskGB int64) {
	for _, vm := range s.vms {
		if vm.NodeID != nodeID || vm.ID == excludeVM || !vm.Status.Reserving() {
			continue
		}
		cpu += vm.Spec.CPUCores
		memMB += vm.Spec.MemoryMB
		diskGB += vm.Spec.DiskGB
	}
	return cpu, memMB, diskGB
}

// BindVM atomically reserves capacity on a node for a VM and records the
// placement. Double-booking is impossible: remaining capacity is re-checked
// under both locks. The node's hosted counter increments on success.
func (s *Store) BindVM(vmID, nodeID string) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	vm, ok := s.vms[vmID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmID, ErrNotFound)
	}

	cpu, memMB, diskGB := s.allocationLocked(nodeID, vmID)
	if cpu+vm.Spec.CPUCores > node.Capacity.CPUCores ||
		memMB+vm.Spec.MemoryMB > node.Capacity.MemoryMB ||
		diskGB+vm.Spec.DiskGB > node.Capacity.DiskGB {
		return fmt.Errorf("node %s cannot fit vm %s: %w", nodeID, vmID, ErrNoCapacity)
	}
	if vm.Spec.RequiresGPU && !node.Capacity.GPU.Present {
		return fmt.Errorf("node %s has no gpu for vm %s: %w", nodeID, vmID, ErrNoCapacity)
	}

	vm.NodeID = nodeID
	vm.UpdatedAt = s.clock.Now()
	node.Reputation.TotalVMsHosted++
	return nil
}

// ---- Pending commands ----

// PutPendingCommand records a command awaiting a terminal signal
func (s *Store) PutPendingCommand(cmd types.PendingCommand) {
	s.cmdsMu.Lock()
	defer s.cmdsMu.Unlock()
	c := cmd
	s.commands[cmd.ID] = &c
}

// GetPendingCommand returns a copy of the pending command, if present
func (s *Store) GetPendingCommand(id string) (types.PendingCommand, bool) {
	s.cmdsMu.RLock()
	defer s.cmdsMu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return types.PendingCommand{}, false
	}
	return *cmd, true
}

// TakePendingCommand removes and returns the pending command. The second
// take of the same id reports false, which makes ack handling idempotent.
func (s *Store) TakePendingCommand(id string) (types.PendingCommand, bool) {
	s.cmdsMu.Lock()
	defer s.cmdsMu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return types.PendingCommand{}, false
	}
	delete(s.commands, id)
	return *cmd, true
}

// ListPendingCommands returns copies of all outstanding commands
func (s *Store) ListPendingCommands() []types.PendingCommand {
	s.cmdsMu.RLock()
	defer s.cmdsMu.RUnlock()
	out := make([]types.PendingCommand, 0, len(s.commands))
	for _, cmd := range s.commands {
		out = append(out, *cmd)
	}
	return out
}

// ---- Liveness ----

// PutLiveness inserts or replaces a VM's liveness state
func (s *Store) PutLiveness(ls types.LivenessState) {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	c := ls
	s.liveness[ls.VMID] = &c
}

// GetLiveness returns a copy of the VM's liveness state
func (s *Store) GetLiveness(vmID string) (types.LivenessState, bool) {
	s.livenessMu.RLock()
	defer s.livenessMu.RUnlock()
	ls, ok := s.liveness[vmID]
	if !ok {
		return types.LivenessState{}, false
	}
	return *ls, true
}

// UpdateLiveness mutates a VM's liveness state under the store lock
func (s *Store) UpdateLiveness(vmID string, fn func(*types.LivenessState)) error {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	ls, ok := s.liveness[vmID]
	if !ok {
		return fmt.Errorf("liveness %s: %w", vmID, ErrNotFound)
	}
	fn(ls)
	return nil
}

// RemoveLiveness drops a VM's liveness state
func (s *Store) RemoveLiveness(vmID string) {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	delete(s.liveness, vmID)
}

// ---- Events ----

// AppendEvent appends to the bounded event ring, dropping the oldest entry
// when full. Timestamps are monotone: an event stamped earlier than the ring
// tail is bumped to the tail's timestamp.
func (s *Store) AppendEvent(e types.Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	if n := len(s.events); n > 0 && e.At.Before(s.events[n-1].At) {
		e.At = s.events[n-1].At
	}
	s.events = append(s.events, e)
	if len(s.events) > s.eventCap {
		s.events = s.events[len(s.events)-s.eventCap:]
	}
}

// Events returns a copy of the event ring, oldest first
func (s *Store) Events() []types.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

// TrimEvents re-enforces the ring cap and returns how many entries dropped
func (s *Store) TrimEvents() int {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if len(s.events) <= s.eventCap {
		return 0
	}
	dropped := len(s.events) - s.eventCap
	s.events = s.events[dropped:]
	return dropped
}

// ---- copies ----

func cloneNode(n *types.Node) *types.Node {
	c := *n
	if n.Pricing != nil {
		p := *n.Pricing
		c.Pricing = &p
	}
	if n.Tags != nil {
		c.Tags = append([]string(nil), n.Tags...)
	}
	return &c
}

func cloneVM(vm *types.VM) *types.VM {
	c := *vm
	if vm.Network != nil {
		nc := *vm.Network
		c.Network = &nc
	}
	c.Billing = cloneBilling(vm.Billing)
	return &c
}

func cloneBilling(b types.Billing) types.Billing {
	c := b
	c.LastBillingAt = cloneTime(b.LastBillingAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.PausedAt = cloneTime(b.PausedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
