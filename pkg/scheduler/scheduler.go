package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/billing"
	"github.com/stratomesh/strato/pkg/command"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/metrics"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// ErrNoCapacity is returned when no feasible node can host the VM. The VM is
// left in Error and is not retried automatically; the owner restarts it.
var ErrNoCapacity = errors.New("no node with sufficient capacity")

// Issuer is the slice of the command bus the scheduler needs
type Issuer interface {
	Issue(req command.Request, onTerminal command.TerminalFunc) (types.PendingCommand, error)
}

// Constraints narrow the candidate set for a placement
type Constraints struct {
	NodeID string // pin to a specific node
	Region string
	Zone   string
}

// Scheduler places pending VMs onto nodes. Placement is deterministic:
// candidates are filtered for feasibility, ranked, and bound in rank order.
type Scheduler struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	bus       Issuer
	clock     clock.PassiveClock
	minUptime float64
	logger    zerolog.Logger
}

// New creates a scheduler. minUptime is the uptime percentage a node must
// hold to receive placements.
func New(st *store.Store, lm *lifecycle.Manager, bus Issuer, clk clock.PassiveClock, minUptime float64) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		store:     st,
		lifecycle: lm,
		bus:       bus,
		clock:     clk,
		minUptime: minUptime,
		logger:    log.WithComponent("scheduler"),
	}
}

// Schedule drives a pending VM through placement: Pending -> Scheduling,
// node selection and bind, -> Provisioning, create command issue. If no
// node fits, the VM lands in Error with reason no_capacity and ErrNoCapacity
// is returned. A VM some other goroutine is already scheduling is left alone.
func (s *Scheduler) Schedule(vmID string, c Constraints) error {
	timer := metrics.NewTimer()

	vm, ok := s.store.GetVM(vmID)
	if !ok {
		return fmt.Errorf("schedule vm %s: %w", vmID, store.ErrNotFound)
	}

	err := s.lifecycle.Transition(vmID, types.VMStatusScheduling, lifecycle.Context{Source: lifecycle.SourceSchedulerPickNode})
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			// another goroutine won the race; nothing to do
			return nil
		}
		return err
	}

	node, err := s.place(vm, c)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			metrics.SchedulingAttemptsTotal.WithLabelValues("no_capacity").Inc()
			if terr := s.lifecycle.Transition(vmID, types.VMStatusError, lifecycle.Context{
				Source: lifecycle.SourceSchedulerNoCapacity,
				Reason: lifecycle.ReasonNoCapacity,
			}); terr != nil {
				s.logger.Warn().Err(terr).Str("vm_id", vmID).Msg("no-capacity transition failed")
			}
		}
		return err
	}

	if err := s.store.UpdateVM(vmID, func(v *types.VM) error {
		v.Billing.HourlyRate = billing.HourlyRate(v.Spec, node.Pricing)
		return nil
	}); err != nil {
		return err
	}

	// commit Provisioning before the command exists; an ack can arrive the
	// moment it is issued and Running is only reachable from Provisioning
	if err := s.lifecycle.Transition(vmID, types.VMStatusProvisioning, lifecycle.Context{Source: lifecycle.SourceBusCreateSent}); err != nil {
		return err
	}

	if _, err := s.bus.Issue(command.Request{
		Type:    types.CommandCreateVM,
		VMID:    vmID,
		NodeID:  node.ID,
		Payload: createPayload(vm),
	}, s.onCreateTerminal); err != nil {
		return err
	}

	metrics.SchedulingAttemptsTotal.WithLabelValues("placed").Inc()
	timer.ObserveDuration(metrics.SchedulingLatency)
	s.logger.Info().Str("vm_id", vmID).Str("node_id", node.ID).Msg("vm placed")
	return nil
}

// RecoverPending re-runs placement for every Pending VM. Called once after a
// snapshot restore so VMs that were awaiting placement are not stranded.
func (s *Scheduler) RecoverPending() {
	for _, vm := range s.store.ListVMs(store.Filter{Statuses: []types.VMStatus{types.VMStatusPending}}) {
		if err := s.Schedule(vm.ID, Constraints{}); err != nil {
			s.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("recovery scheduling failed")
		}
	}
}

// place selects and binds a node. Binding re-checks capacity atomically, so
// a concurrent placement may steal the slot; the candidate list is refreshed
// once before giving up.
func (s *Scheduler) place(vm types.VM, c Constraints) (types.Node, error) {
	candidates := s.feasible(vm, c)
	for attempt := 0; attempt < 2; attempt++ {
		if len(candidates) == 0 {
			break
		}
		s.rank(candidates)
		for _, node := range candidates {
			err := s.store.BindVM(vm.ID, node.ID)
			if err == nil {
				return node, nil
			}
			if errors.Is(err, store.ErrNoCapacity) {
				continue
			}
			return types.Node{}, err
		}
		candidates = s.feasible(vm, c)
	}
	return types.Node{}, ErrNoCapacity
}

// feasible returns the online nodes that satisfy the VM's constraints and
// have capacity left for its spec.
func (s *Scheduler) feasible(vm types.VM, c Constraints) []types.Node {
	return lo.Filter(s.store.ListNodes(), func(node types.Node, _ int) bool {
		if node.Status != types.NodeStatusOnline {
			return false
		}
		if c.NodeID != "" && node.ID != c.NodeID {
			return false
		}
		if c.Region != "" && node.Region != c.Region {
			return false
		}
		if c.Zone != "" && node.Zone != c.Zone {
			return false
		}
		if vm.Spec.RequiresGPU && !node.Capacity.GPU.Present {
			return false
		}
		if node.Reputation.UptimePct < s.minUptime {
			return false
		}
		cpu, mem, disk := s.store.Allocation(node.ID)
		return node.Capacity.CPUCores-cpu >= vm.Spec.CPUCores &&
			node.Capacity.MemoryMB-mem >= vm.Spec.MemoryMB &&
			node.Capacity.DiskGB-disk >= vm.Spec.DiskGB
	})
}

// rank orders candidates: least utilized first, ties broken by uptime, then
// successful completions, then node id for determinism.
func (s *Scheduler) rank(nodes []types.Node) {
	util := make(map[string]float64, len(nodes))
	for _, node := range nodes {
		util[node.ID] = s.utilization(node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if util[a.ID] != util[b.ID] {
			return util[a.ID] < util[b.ID]
		}
		if a.Reputation.UptimePct != b.Reputation.UptimePct {
			return a.Reputation.UptimePct > b.Reputation.UptimePct
		}
		if a.Reputation.SuccessfulCompletions != b.Reputation.SuccessfulCompletions {
			return a.Reputation.SuccessfulCompletions > b.Reputation.SuccessfulCompletions
		}
		return a.ID < b.ID
	})
}

// utilization is the dominant resource ratio of a node
func (s *Scheduler) utilization(node types.Node) float64 {
	cpu, mem, _ := s.store.Allocation(node.ID)
	var cpuRatio, memRatio float64
	if node.Capacity.CPUCores > 0 {
		cpuRatio = float64(cpu) / float64(node.Capacity.CPUCores)
	}
	if node.Capacity.MemoryMB > 0 {
		memRatio = float64(mem) / float64(node.Capacity.MemoryMB)
	}
	if cpuRatio > memRatio {
		return cpuRatio
	}
	return memRatio
}

// onCreateTerminal resolves the create command: the VM enters Running on an
// ack-ok and Error on an ack-fail. Timeouts are already routed by the bus.
func (s *Scheduler) onCreateTerminal(cmd types.PendingCommand, res command.Result) {
	switch res.Status {
	case command.TerminalOK:
		if err := s.lifecycle.Transition(cmd.TargetResourceID, types.VMStatusRunning, lifecycle.Context{Source: lifecycle.SourceNodeAckCreateOK}); err != nil {
			s.logger.Debug().Err(err).Str("vm_id", cmd.TargetResourceID).Msg("late create ack dropped")
		}
	case command.TerminalFail:
		if err := s.lifecycle.Transition(cmd.TargetResourceID, types.VMStatusError, lifecycle.Context{
			Source: lifecycle.SourceNodeAckFail,
			Reason: res.Reason,
		}); err != nil {
			s.logger.Debug().Err(err).Str("vm_id", cmd.TargetResourceID).Msg("create fail transition dropped")
		}
	}
}

func createPayload(vm types.VM) map[string]string {
	return map[string]string{
		"vm_name":      vm.Name,
		"vm_type":      string(vm.Type),
		"image_id":     vm.Spec.ImageID,
		"cpu_cores":    strconv.Itoa(vm.Spec.CPUCores),
		"memory_mb":    strconv.FormatInt(vm.Spec.MemoryMB, 10),
		"disk_gb":      strconv.FormatInt(vm.Spec.DiskGB, 10),
		"requires_gpu": strconv.FormatBool(vm.Spec.RequiresGPU),
	}
}
