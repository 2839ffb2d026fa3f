package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/metrics"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// TerminalStatus is the outcome a command finished with
type TerminalStatus string

const (
	TerminalOK      TerminalStatus = "ok"
	TerminalFail    TerminalStatus = "fail"
	TerminalTimeout TerminalStatus = "timeout"
)

// Result accompanies the terminal callback
type Result struct {
	Status TerminalStatus
	Reason string
}

// TerminalFunc runs exactly once when a command reaches a terminal state.
// It runs on the acking or sweeping goroutine; keep it short.
type TerminalFunc func(cmd types.PendingCommand, res Result)

// Request describes a command to issue. The bus mints the command id.
type Request struct {
	Type    types.CommandType
	VMID    string // empty for node-scoped commands
	NodeID  string
	Payload map[string]string
}

// Bus issues commands to node agents and tracks them until a terminal
// signal arrives: an ack from the node or a timeout swept by the bus.
// Acks are idempotent; the first terminal signal wins and later ones are
// no-ops.
type Bus struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	transport Transport
	clock     clock.PassiveClock
	timeout   time.Duration
	sweepTick time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	callbacks map[string]TerminalFunc

	dispatchCh chan types.PendingCommand
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewBus creates a command bus. transport may be nil, in which case issued
// commands are tracked but never delivered (useful in tests).
func NewBus(st *store.Store, lm *lifecycle.Manager, tr Transport, clk clock.PassiveClock, timeout time.Duration) *Bus {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Bus{
		store:      st,
		lifecycle:  lm,
		transport:  tr,
		clock:      clk,
		timeout:    timeout,
		sweepTick:  10 * time.Second,
		logger:     log.WithComponent("command-bus"),
		callbacks:  make(map[string]TerminalFunc),
		dispatchCh: make(chan types.PendingCommand, 256),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatcher and the timeout sweeper
func (b *Bus) Start() {
	b.wg.Add(2)
	go b.dispatchLoop()
	go b.sweepLoop()
	b.logger.Info().Dur("timeout", b.timeout).Msg("command bus started")
}

// Stop shuts the bus down and waits for its goroutines
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	b.logger.Info().Msg("command bus stopped")
}

// Issue records a pending command, hands it to the transport and returns it.
// onTerminal may be nil.
func (b *Bus) Issue(req Request, onTerminal TerminalFunc) (types.PendingCommand, error) {
	if req.NodeID == "" {
		return types.PendingCommand{}, fmt.Errorf("issue %s: node id required", req.Type)
	}

	cmd := types.PendingCommand{
		ID:               "cmd-" + uuid.New().String(),
		Type:             req.Type,
		TargetResourceID: req.VMID,
		NodeID:           req.NodeID,
		IssuedAt:         b.clock.Now(),
		Payload:          req.Payload,
	}

	b.store.PutPendingCommand(cmd)
	if onTerminal != nil {
		b.mu.Lock()
		b.callbacks[cmd.ID] = onTerminal
		b.mu.Unlock()
	}

	b.store.AppendEvent(types.Event{
		Kind:      types.EventKindCommand,
		SubjectID: cmd.TargetResourceID,
		NodeID:    cmd.NodeID,
		Message:   fmt.Sprintf("issued %s (%s)", cmd.Type, cmd.ID),
		Severity:  types.SeverityInfo,
	})
	metrics.CommandsIssuedTotal.Inc()

	select {
	case b.dispatchCh <- cmd:
	case <-b.stopCh:
	default:
		// dispatch queue full; the node misses this delivery and the
		// sweeper will time the command out
		b.logger.Warn().Str("command_id", cmd.ID).Msg("dispatch queue full, dropping delivery")
	}

	b.logger.Info().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).
		Str("node_id", cmd.NodeID).Str("vm_id", cmd.TargetResourceID).Msg("command issued")
	return cmd, nil
}

// Ack resolves a pending command with the node's reported outcome. The
// command is removed atomically; a second ack (or an ack after the sweeper
// timed the command out) finds nothing and returns false.
func (b *Bus) Ack(cmdID string, ok bool, reason string) (types.PendingCommand, bool) {
	cmd, found := b.store.TakePendingCommand(cmdID)
	if !found {
		b.logger.Debug().Str("command_id", cmdID).Msg("ack for unknown or already-resolved command")
		return types.PendingCommand{}, false
	}

	res := Result{Status: TerminalOK}
	if !ok {
		res = Result{Status: TerminalFail, Reason: reason}
	}
	b.finish(cmd, res)
	return cmd, true
}

// ExpireTimedOut sweeps commands older than the bus timeout. Returns the
// number of commands expired. The periodic sweeper calls this; the cleanup
// loop calls it too as a safety net.
func (b *Bus) ExpireTimedOut() int {
	now := b.clock.Now()
	expired := 0
	for _, cmd := range b.store.ListPendingCommands() {
		if cmd.Age(now) <= b.timeout {
			continue
		}
		if b.expire(cmd) {
			expired++
		}
	}
	return expired
}

// DropOrphaned removes pending commands whose target VM no longer exists or
// is no longer active. Dropped commands resolve no callback and append no
// event. Returns the number dropped.
func (b *Bus) DropOrphaned() int {
	dropped := 0
	for _, cmd := range b.store.ListPendingCommands() {
		if cmd.TargetResourceID == "" {
			continue
		}
		vm, ok := b.store.GetVM(cmd.TargetResourceID)
		if ok && vm.Status.Active() {
			continue
		}
		if _, taken := b.store.TakePendingCommand(cmd.ID); !taken {
			continue
		}
		b.mu.Lock()
		delete(b.callbacks, cmd.ID)
		b.mu.Unlock()
		b.logger.Debug().Str("command_id", cmd.ID).Str("vm_id", cmd.TargetResourceID).
			Msg("dropped orphaned command")
		dropped++
	}
	return dropped
}

// Outstanding returns the number of commands awaiting a terminal signal
func (b *Bus) Outstanding() int {
	return len(b.store.ListPendingCommands())
}

func (b *Bus) expire(cmd types.PendingCommand) bool {
	// re-take under the store lock; an ack may have raced the sweep
	if _, taken := b.store.TakePendingCommand(cmd.ID); !taken {
		return false
	}

	reason := fmt.Sprintf("command %s timed out after %s", cmd.Type, b.timeout)
	b.logger.Warn().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).
		Str("node_id", cmd.NodeID).Str("vm_id", cmd.TargetResourceID).Msg(reason)
	b.store.AppendEvent(types.Event{
		Kind:      types.EventKindCommand,
		SubjectID: cmd.TargetResourceID,
		NodeID:    cmd.NodeID,
		Message:   fmt.Sprintf("%s (%s)", reason, cmd.ID),
		Severity:  types.SeverityWarn,
	})

	// a VM stuck mid-provision or mid-delete converges to Error
	if cmd.TargetResourceID != "" && b.lifecycle != nil {
		if vm, ok := b.store.GetVM(cmd.TargetResourceID); ok {
			switch vm.Status {
			case types.VMStatusProvisioning, types.VMStatusDeleting:
				if err := b.lifecycle.Transition(vm.ID, types.VMStatusError, lifecycle.Timeout(cmd.Type, reason)); err != nil {
					b.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("timeout transition failed")
				}
			}
		}
	}

	b.finish(cmd, Result{Status: TerminalTimeout, Reason: reason})
	return true
}

func (b *Bus) finish(cmd types.PendingCommand, res Result) {
	b.mu.Lock()
	cb := b.callbacks[cmd.ID]
	delete(b.callbacks, cmd.ID)
	b.mu.Unlock()

	metrics.CommandTerminalTotal.WithLabelValues(string(res.Status)).Inc()
	if res.Status != TerminalTimeout {
		severity := types.SeverityInfo
		if res.Status == TerminalFail {
			severity = types.SeverityWarn
		}
		msg := fmt.Sprintf("%s %s (%s)", cmd.Type, res.Status, cmd.ID)
		if res.Reason != "" {
			msg += ": " + res.Reason
		}
		b.store.AppendEvent(types.Event{
			Kind:      types.EventKindCommand,
			SubjectID: cmd.TargetResourceID,
			NodeID:    cmd.NodeID,
			Message:   msg,
			Severity:  severity,
		})
	}

	if cb != nil {
		cb(cmd, res)
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case cmd := <-b.dispatchCh:
			b.deliver(cmd)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) deliver(cmd types.PendingCommand) {
	if b.transport == nil {
		return
	}
	node, ok := b.store.GetNode(cmd.NodeID)
	if !ok {
		b.logger.Warn().Str("command_id", cmd.ID).Str("node_id", cmd.NodeID).
			Msg("cannot deliver, node unknown")
		return
	}
	if err := b.transport.Send(node, cmd); err != nil {
		// delivery is best-effort; the sweeper times the command out
		b.logger.Warn().Err(err).Str("command_id", cmd.ID).
			Str("node_id", cmd.NodeID).Msg("delivery failed")
	}
}

func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.ExpireTimedOut()
		case <-b.stopCh:
			return
		}
	}
}
