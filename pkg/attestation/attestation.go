package attestation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/billing"
	"github.com/stratomesh/strato/pkg/command"
	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/metrics"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// PauseReasonAttestation is recorded on billing paused by failed attestation
const PauseReasonAttestation = "attestation_failure"

// Bus is the slice of the command bus the attestation scheduler needs
type Bus interface {
	Issue(req command.Request, onTerminal command.TerminalFunc) (types.PendingCommand, error)
	Ack(cmdID string, ok bool, reason string) (types.PendingCommand, bool)
}

// Config holds the attestation thresholds
type Config struct {
	Tick           time.Duration // challenge cadence
	Window         time.Duration // response deadline per challenge
	PauseThreshold int           // consecutive failures before billing pauses
	FatalThreshold int           // consecutive failures before the VM errors
}

// Outcome is the result of a resolved challenge
type Outcome struct {
	Passed     bool
	Reason     string
	ResponseMS float64
}

type challenge struct {
	vmID       string
	nonce      string
	issuedAt   time.Time
	responseMS float64
	done       chan Outcome // non-nil for synchronous verification
}

// Scheduler periodically challenges every running VM to prove liveness.
// A challenge resolves through the command bus: a valid response acks ok,
// an invalid or late one acks fail. Consecutive failures first pause
// billing, then error the VM.
type Scheduler struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	bus       Bus
	clock     clock.PassiveClock
	broker    *events.Broker
	cfg       Config
	logger    zerolog.Logger

	mu         sync.Mutex
	challenges map[string]*challenge // by command id

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates an attestation scheduler. broker may be nil.
func NewScheduler(st *store.Store, lm *lifecycle.Manager, bus Bus, clk clock.PassiveClock, broker *events.Broker, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		store:      st,
		lifecycle:  lm,
		bus:        bus,
		clock:      clk,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("attestation"),
		challenges: make(map[string]*challenge),
		stopCh:     make(chan struct{}),
	}
}

// Window returns the configured response deadline for a challenge
func (s *Scheduler) Window() time.Duration {
	return s.cfg.Window
}

// Start launches the challenge loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("tick", s.cfg.Tick).Dur("window", s.cfg.Window).Msg("attestation scheduler started")
}

// Stop halts the challenge loop
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("attestation scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.stopCh:
			return
		}
	}
}

// Tick expires overdue challenges, then challenges every running VM that
// has none outstanding.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	s.mu.Lock()
	var overdue []string
	inflight := make(map[string]bool)
	for cmdID, ch := range s.challenges {
		if now.Sub(ch.issuedAt) > s.cfg.Window {
			overdue = append(overdue, cmdID)
			continue
		}
		inflight[ch.vmID] = true
	}
	s.mu.Unlock()

	for _, cmdID := range overdue {
		s.bus.Ack(cmdID, false, "no response within window")
	}

	for _, vm := range s.store.ListVMs(store.Filter{Statuses: []types.VMStatus{types.VMStatusRunning}}) {
		if inflight[vm.ID] {
			continue
		}
		if _, err := s.challengeVM(vm, nil); err != nil {
			s.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("challenge failed to issue")
		}
	}
}

// HandleResponse processes a node's answer to a challenge. The nonce must
// echo the challenge and the signature must be present; anything else, or a
// response after the window closed, resolves the challenge as failed.
func (s *Scheduler) HandleResponse(cmdID, nonce, signature string, responseMS float64) error {
	now := s.clock.Now()

	s.mu.Lock()
	ch, ok := s.challenges[cmdID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown or already-resolved challenge %s", cmdID)
	}
	ch.responseMS = responseMS
	late := now.Sub(ch.issuedAt) > s.cfg.Window
	nonceOK := nonce == ch.nonce
	s.mu.Unlock()

	switch {
	case late:
		s.bus.Ack(cmdID, false, "response after window")
	case !nonceOK:
		s.bus.Ack(cmdID, false, "nonce mismatch")
	case signature == "":
		s.bus.Ack(cmdID, false, "missing signature")
	default:
		s.bus.Ack(cmdID, true, "")
	}
	return nil
}

// VerifyNow issues an out-of-band challenge and blocks until it resolves or
// ctx is done. The VM must be running.
func (s *Scheduler) VerifyNow(ctx context.Context, vmID string) (Outcome, error) {
	vm, ok := s.store.GetVM(vmID)
	if !ok {
		return Outcome{}, fmt.Errorf("verify vm %s: %w", vmID, store.ErrNotFound)
	}
	if vm.Status != types.VMStatusRunning {
		return Outcome{}, fmt.Errorf("verify vm %s: not running (status %s)", vmID, vm.Status)
	}

	done := make(chan Outcome, 1)
	if _, err := s.challengeVM(vm, done); err != nil {
		return Outcome{}, err
	}

	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ObserveTransition seeds liveness bookkeeping when a VM enters Running.
// Register it with the lifecycle manager.
func (s *Scheduler) ObserveTransition(vm types.VM, from types.VMStatus, _ lifecycle.Context) {
	if vm.Status != types.VMStatusRunning {
		return
	}
	if _, ok := s.store.GetLiveness(vm.ID); !ok {
		s.store.PutLiveness(types.LivenessState{VMID: vm.ID})
	}
}

func (s *Scheduler) challengeVM(vm types.VM, done chan Outcome) (types.PendingCommand, error) {
	nonce, err := newNonce()
	if err != nil {
		return types.PendingCommand{}, err
	}

	if _, ok := s.store.GetLiveness(vm.ID); !ok {
		s.store.PutLiveness(types.LivenessState{VMID: vm.ID})
	}

	cmd, err := s.bus.Issue(command.Request{
		Type:    types.CommandAttest,
		VMID:    vm.ID,
		NodeID:  vm.NodeID,
		Payload: map[string]string{"nonce": nonce},
	}, s.onTerminal)
	if err != nil {
		return types.PendingCommand{}, err
	}

	s.mu.Lock()
	s.challenges[cmd.ID] = &challenge{
		vmID:     vm.ID,
		nonce:    nonce,
		issuedAt: s.clock.Now(),
		done:     done,
	}
	s.mu.Unlock()

	s.store.UpdateLiveness(vm.ID, func(ls *types.LivenessState) {
		ls.TotalChallenges++
	})
	s.logger.Debug().Str("vm_id", vm.ID).Str("command_id", cmd.ID).Msg("challenge issued")
	return cmd, nil
}

// onTerminal applies the challenge outcome to the VM's liveness state and
// drives the pause / fatal escalation.
func (s *Scheduler) onTerminal(cmd types.PendingCommand, res command.Result) {
	s.mu.Lock()
	ch, ok := s.challenges[cmd.ID]
	delete(s.challenges, cmd.ID)
	s.mu.Unlock()
	if !ok {
		return
	}

	passed := res.Status == command.TerminalOK
	now := s.clock.Now()
	vmID := ch.vmID

	var failures int
	var wasPaused bool
	err := s.store.UpdateLiveness(vmID, func(ls *types.LivenessState) {
		wasPaused = ls.BillingPaused
		if passed {
			ls.ConsecutiveFailures = 0
			ls.ConsecutiveSuccesses++
			ls.SuccessCount++
			t := now
			ls.LastSuccess = &t
			if ch.responseMS > 0 {
				if ls.AvgResponseMS == 0 {
					ls.AvgResponseMS = ch.responseMS
				} else {
					ls.AvgResponseMS = 0.2*ch.responseMS + 0.8*ls.AvgResponseMS
				}
			}
		} else {
			ls.ConsecutiveSuccesses = 0
			ls.ConsecutiveFailures++
			ls.FailCount++
		}
		failures = ls.ConsecutiveFailures
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("vm_id", vmID).Msg("liveness update failed")
		return
	}

	outcome := "success"
	severity := types.SeverityInfo
	msg := "attestation passed"
	if !passed {
		outcome = "failure"
		severity = types.SeverityWarn
		msg = fmt.Sprintf("attestation failed (%d consecutive): %s", failures, res.Reason)
	}
	metrics.AttestationChallengesTotal.WithLabelValues(outcome).Inc()
	s.store.AppendEvent(types.Event{
		Kind:      types.EventKindAttestation,
		SubjectID: vmID,
		NodeID:    cmd.NodeID,
		Message:   msg,
		Severity:  severity,
	})
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventAttestationResult,
			Message: msg,
			Metadata: map[string]string{
				"vm_id":   vmID,
				"outcome": outcome,
			},
		})
	}

	if passed {
		if wasPaused {
			s.resumeBilling(vmID)
		}
	} else {
		s.escalate(vmID, failures, wasPaused)
	}

	if ch.done != nil {
		ch.done <- Outcome{Passed: passed, Reason: res.Reason, ResponseMS: ch.responseMS}
	}
}

func (s *Scheduler) escalate(vmID string, failures int, alreadyPaused bool) {
	if failures >= s.cfg.PauseThreshold && !alreadyPaused {
		if err := billing.Pause(s.store, s.clock, vmID, PauseReasonAttestation); err != nil {
			s.logger.Warn().Err(err).Str("vm_id", vmID).Msg("billing pause failed")
		} else {
			now := s.clock.Now()
			s.store.UpdateLiveness(vmID, func(ls *types.LivenessState) {
				ls.BillingPaused = true
				ls.PauseReason = PauseReasonAttestation
				t := now
				ls.PausedAt = &t
			})
			if s.broker != nil {
				s.broker.Publish(&events.Event{
					Type:     events.EventBillingPaused,
					Message:  fmt.Sprintf("billing paused for vm %s", vmID),
					Metadata: map[string]string{"vm_id": vmID, "reason": PauseReasonAttestation},
				})
			}
			s.logger.Warn().Str("vm_id", vmID).Int("failures", failures).Msg("billing paused")
		}
	}

	if failures >= s.cfg.FatalThreshold {
		if err := s.lifecycle.Transition(vmID, types.VMStatusError, lifecycle.Context{
			Source: lifecycle.SourceAttestationFatal,
			Reason: fmt.Sprintf("%d consecutive attestation failures", failures),
		}); err != nil {
			s.logger.Debug().Err(err).Str("vm_id", vmID).Msg("fatal transition dropped")
		}
	}
}

func (s *Scheduler) resumeBilling(vmID string) {
	if err := billing.Resume(s.store, s.clock, vmID); err != nil {
		s.logger.Warn().Err(err).Str("vm_id", vmID).Msg("billing resume failed")
		return
	}
	s.store.UpdateLiveness(vmID, func(ls *types.LivenessState) {
		ls.BillingPaused = false
		ls.PauseReason = ""
		ls.PausedAt = nil
	})
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventBillingResumed,
			Message:  fmt.Sprintf("billing resumed for vm %s", vmID),
			Metadata: map[string]string{"vm_id": vmID},
		})
	}
	s.logger.Info().Str("vm_id", vmID).Msg("billing resumed")
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
