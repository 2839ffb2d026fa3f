package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// Source identifies who (or what) requested a status transition
type Source string

const (
	SourceSchedulerPickNode   Source = "scheduler.pick-node"
	SourceSchedulerNoCapacity Source = "scheduler.no-capacity"
	SourceBusCreateSent       Source = "command-bus.create-sent"
	SourceBusTimeout          Source = "command-bus.timeout"
	SourceNodeAckCreateOK     Source = "node.ack-create-ok"
	SourceNodeAckStopOK       Source = "node.ack-stop-ok"
	SourceNodeAckDeleteOK     Source = "node.ack-delete-ok"
	SourceNodeAckFail         Source = "node.ack-fail"
	SourceUserStart           Source = "user.start"
	SourceUserStop            Source = "user.stop"
	SourceUserDelete          Source = "user.delete"
	SourceHealthLost          Source = "health.lost"
	SourceAttestationFatal    Source = "attestation.failed-fatal"
	SourceMigration           Source = "migration"
)

// Reasons recorded on error transitions
const (
	ReasonNoCapacity  = "no_capacity"
	ReasonNodeOffline = "node_offline"
)

// Context carries the metadata accompanying every status change
type Context struct {
	Source Source
	Reason string
	Err    error
}

// Timeout builds the context for a command that exceeded its deadline
func Timeout(cmdType types.CommandType, message string) Context {
	reason := message
	if reason == "" {
		reason = fmt.Sprintf("command %s timed out", cmdType)
	}
	return Context{Source: SourceBusTimeout, Reason: reason}
}

// ErrInvalidTransition is matched by errors.Is on any rejected transition
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports the rejected edge
type InvalidTransitionError struct {
	VMID string
	From types.VMStatus
	To   types.VMStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("vm %s: invalid transition %s -> %s", e.VMID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the allowed edge set of the VM state machine. Deleted is
// terminal. Provisioning -> Deleting covers a user delete racing the
// create-ack; the late ack then fails validation and is dropped.
var transitions = map[types.VMStatus][]types.VMStatus{
	types.VMStatusPending:      {types.VMStatusScheduling},
	types.VMStatusScheduling:   {types.VMStatusProvisioning, types.VMStatusError},
	types.VMStatusProvisioning: {types.VMStatusRunning, types.VMStatusError, types.VMStatusDeleting},
	types.VMStatusRunning:      {types.VMStatusStopping, types.VMStatusDeleting, types.VMStatusError, types.VMStatusMigrating},
	types.VMStatusStopping:     {types.VMStatusStopped, types.VMStatusError},
	types.VMStatusStopped:      {types.VMStatusPending, types.VMStatusDeleting},
	types.VMStatusMigrating:    {types.VMStatusRunning, types.VMStatusError},
	types.VMStatusError:        {types.VMStatusDeleting},
	types.VMStatusDeleting:     {types.VMStatusDeleted, types.VMStatusError},
	types.VMStatusDeleted:      {},
}

func allowed(from, to types.VMStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Observer is notified after a transition commits. Observers run in issue
// order on the transitioning goroutine and must not call back into the
// manager.
type Observer func(vm types.VM, from types.VMStatus, ctx Context)

// Manager is the sole mutator of VM status. Every status change goes through
// Transition, which validates against the state machine, updates side
// fields, appends an event and notifies observers.
type Manager struct {
	store  *store.Store
	clock  clock.PassiveClock
	broker *events.Broker
	logger zerolog.Logger

	mu        sync.Mutex // serializes transitions so observers see issue order
	observers []Observer
}

// NewManager creates a lifecycle manager. broker may be nil in tests.
func NewManager(st *store.Store, clk clock.PassiveClock, broker *events.Broker) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		store:  st,
		clock:  clk,
		broker: broker,
		logger: log.WithComponent("lifecycle"),
	}
}

// Subscribe registers a post-transition observer
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Transition drives a VM to a new status. The VM is re-read under the store
// lock, the edge is validated, side fields are updated and an event is
// appended; all-or-nothing. Invalid transitions return ErrInvalidTransition
// without mutating.
func (m *Manager) Transition(vmID string, to types.VMStatus, ctx Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var from types.VMStatus
	now := m.clock.Now()

	err := m.store.UpdateVM(vmID, func(vm *types.VM) error {
		from = vm.Status
		if !allowed(from, to) {
			return &InvalidTransitionError{VMID: vmID, From: from, To: to}
		}

		vm.Status = to
		vm.UpdatedAt = now

		switch to {
		case types.VMStatusRunning:
			if vm.Billing.StartedAt == nil {
				t := now
				vm.Billing.StartedAt = &t
			}
			t := now
			vm.Billing.LastBillingAt = &t
		case types.VMStatusPending:
			// re-scheduling path from Stopped: placement is decided afresh
			vm.NodeID = ""
			vm.Network = nil
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			m.logger.Warn().Str("vm_id", vmID).Str("to", string(to)).
				Str("source", string(ctx.Source)).Msg("rejected transition")
			m.store.AppendEvent(types.Event{
				Kind:      types.EventKindVMStatus,
				SubjectID: vmID,
				Message:   err.Error(),
				Severity:  types.SeverityError,
			})
		}
		return err
	}

	vm, _ := m.store.GetVM(vmID)

	severity := types.SeverityInfo
	if to == types.VMStatusError {
		severity = types.SeverityWarn
	}
	m.store.AppendEvent(types.Event{
		Kind:      types.EventKindVMStatus,
		SubjectID: vmID,
		NodeID:    vm.NodeID,
		Message:   FormatTransition(from, to, ctx),
		Severity:  severity,
	})

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventVMTransition,
			Message: FormatTransition(from, to, ctx),
			Metadata: map[string]string{
				"vm_id":   vmID,
				"node_id": vm.NodeID,
				"from":    string(from),
				"to":      string(to),
				"source":  string(ctx.Source),
			},
		})
	}

	m.logger.Info().Str("vm_id", vmID).
		Str("from", string(from)).Str("to", string(to)).
		Str("source", string(ctx.Source)).Msg("vm transition")

	for _, obs := range m.observers {
		obs(vm, from, ctx)
	}
	return nil
}

// FormatTransition renders the canonical event message for a transition
func FormatTransition(from, to types.VMStatus, ctx Context) string {
	msg := fmt.Sprintf("%s -> %s", from, to)
	if ctx.Source != "" {
		msg += " by " + string(ctx.Source)
	}
	if ctx.Reason != "" {
		msg += ": " + ctx.Reason
	}
	if ctx.Err != nil {
		msg += ": " + ctx.Err.Error()
	}
	return msg
}

// ParseTransition extracts the from/to statuses of a transition event
// message produced by FormatTransition.
func ParseTransition(message string) (from, to types.VMStatus, ok bool) {
	head, _, _ := strings.Cut(message, " by ")
	head, _, _ = strings.Cut(head, ":")
	parts := strings.Split(head, " -> ")
	if len(parts) != 2 {
		return "", "", false
	}
	return types.VMStatus(strings.TrimSpace(parts[0])), types.VMStatus(strings.TrimSpace(parts[1])), true
}
