package billing

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

// DefaultPricing applies to nodes that registered without a price schedule
var DefaultPricing = types.NodePricing{
	CPUCoreHour:  0.02,
	MemoryGBHour: 0.005,
	DiskGBHour:   0.0002,
	GPUHour:      0.30,
}

// HourlyRate computes the hourly price of a VM spec under a node's price
// schedule. pricing may be nil, in which case platform defaults apply. The
// rate is fixed at bind time and does not track later pricing changes.
func HourlyRate(spec types.VMSpec, pricing *types.NodePricing) float64 {
	p := DefaultPricing
	if pricing != nil {
		p = *pricing
	}
	rate := float64(spec.CPUCores)*p.CPUCoreHour +
		float64(spec.MemoryMB)/1024*p.MemoryGBHour +
		float64(spec.DiskGB)*p.DiskGBHour
	if spec.RequiresGPU {
		rate += p.GPUHour
	}
	return rate
}

// Pause stops billing accrual for a VM, settling any unbilled runtime first.
// Pausing an already-paused VM is a no-op.
func Pause(st *store.Store, clk clock.PassiveClock, vmID, reason string) error {
	now := clk.Now()
	paused := false
	err := st.UpdateVM(vmID, func(vm *types.VM) error {
		if vm.Billing.Paused {
			return nil
		}
		accrue(vm, now)
		vm.Billing.Paused = true
		vm.Billing.PauseReason = reason
		t := now
		vm.Billing.PausedAt = &t
		paused = true
		return nil
	})
	if err != nil {
		return err
	}
	if paused {
		st.AppendEvent(types.Event{
			Kind:      types.EventKindBilling,
			SubjectID: vmID,
			Message:   fmt.Sprintf("billing paused: %s", reason),
			Severity:  types.SeverityWarn,
		})
	}
	return nil
}

// Resume restarts billing accrual. The paused period is never billed; the
// accrual anchor resets to the resume time. Resuming an unpaused VM is a
// no-op.
func Resume(st *store.Store, clk clock.PassiveClock, vmID string) error {
	now := clk.Now()
	resumed := false
	err := st.UpdateVM(vmID, func(vm *types.VM) error {
		if !vm.Billing.Paused {
			return nil
		}
		vm.Billing.Paused = false
		vm.Billing.PauseReason = ""
		vm.Billing.PausedAt = nil
		t := now
		vm.Billing.LastBillingAt = &t
		resumed = true
		return nil
	})
	if err != nil {
		return err
	}
	if resumed {
		st.AppendEvent(types.Event{
			Kind:      types.EventKindBilling,
			SubjectID: vmID,
			Message:   "billing resumed",
			Severity:  types.SeverityInfo,
		})
	}
	return nil
}

// accrue settles runtime since the last billing anchor into the totals.
// Only a running, unpaused VM with an anchor accrues.
func accrue(vm *types.VM, now time.Time) {
	if vm.Status != types.VMStatusRunning || vm.Billing.Paused {
		return
	}
	anchor := vm.Billing.LastBillingAt
	if anchor == nil {
		anchor = vm.Billing.StartedAt
	}
	if anchor == nil {
		return
	}
	delta := now.Sub(*anchor)
	if delta <= 0 {
		return
	}
	vm.Billing.TotalRuntime += delta
	vm.Billing.TotalBilled += vm.Billing.HourlyRate * delta.Hours()
	t := now
	vm.Billing.LastBillingAt = &t
}

// Accruer periodically settles billable runtime for running VMs
type Accruer struct {
	store    *store.Store
	clock    clock.PassiveClock
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewAccruer creates a billing accruer
func NewAccruer(st *store.Store, clk clock.PassiveClock, interval time.Duration) *Accruer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Accruer{
		store:    st,
		clock:    clk,
		interval: interval,
		logger:   log.WithComponent("billing"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the accrual loop
func (a *Accruer) Start() {
	a.wg.Add(1)
	go a.run()
	a.logger.Info().Dur("interval", a.interval).Msg("billing accruer started")
}

// Stop halts the accrual loop
func (a *Accruer) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info().Msg("billing accruer stopped")
}

func (a *Accruer) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Tick()
		case <-a.stopCh:
			return
		}
	}
}

// Tick settles accrual for every running, unpaused VM once
func (a *Accruer) Tick() {
	now := a.clock.Now()
	for _, vm := range a.store.ListVMs(store.Filter{Statuses: []types.VMStatus{types.VMStatusRunning}}) {
		if vm.Billing.Paused {
			continue
		}
		if err := a.store.UpdateVM(vm.ID, func(v *types.VM) error {
			accrue(v, now)
			return nil
		}); err != nil {
			a.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("billing accrual failed")
		}
	}
}
