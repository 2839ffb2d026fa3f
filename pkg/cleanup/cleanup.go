package cleanup

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

// Bus is the slice of the command bus the cleanup loop drives
type Bus interface {
	ExpireTimedOut() int
	DropOrphaned() int
}

// Loop periodically reclaims orchestrator state: timed-out commands, acks
// for dead VMs, excess event-ring entries and long-deleted VM records.
type Loop struct {
	store     *store.Store
	bus       Bus
	clock     clock.PassiveClock
	tick      time.Duration
	retention time.Duration // how long Deleted VM records linger
	logger    zerolog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewLoop creates a cleanup loop
func NewLoop(st *store.Store, bus Bus, clk clock.PassiveClock, tick, retention time.Duration) *Loop {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Loop{
		store:     st,
		bus:       bus,
		clock:     clk,
		tick:      tick,
		retention: retention,
		logger:    log.WithComponent("cleanup"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the cleanup loop
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
	l.logger.Info().Dur("tick", l.tick).Dur("retention", l.retention).Msg("cleanup loop started")
}

// Stop halts the cleanup loop
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
	l.logger.Info().Msg("cleanup loop stopped")
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Tick()
		case <-l.stopCh:
			return
		}
	}
}

// Tick runs one cleanup pass and appends a summary event when it reclaimed
// anything.
func (l *Loop) Tick() {
	expired := l.bus.ExpireTimedOut()
	orphaned := l.bus.DropOrphaned()
	trimmed := l.store.TrimEvents()
	purged := l.purgeDeletedVMs()

	total := expired + orphaned + trimmed + purged
	if total == 0 {
		return
	}

	msg := fmt.Sprintf("cleanup: %d commands expired, %d orphaned, %d events trimmed, %d vm records purged",
		expired, orphaned, trimmed, purged)
	l.store.AppendEvent(types.Event{
		Kind:     types.EventKindCleanup,
		Message:  msg,
		Severity: types.SeverityInfo,
	})
	l.logger.Info().Int("expired", expired).Int("orphaned", orphaned).
		Int("trimmed", trimmed).Int("purged", purged).Msg("cleanup pass")
}

// purgeDeletedVMs removes Deleted VM records past the retention window,
// along with their liveness state.
func (l *Loop) purgeDeletedVMs() int {
	cutoff := l.clock.Now().Add(-l.retention)
	purged := 0
	for _, vm := range l.store.ListVMs(store.Filter{Statuses: []types.VMStatus{types.VMStatusDeleted}}) {
		if vm.UpdatedAt.After(cutoff) {
			continue
		}
		l.store.RemoveVM(vm.ID)
		l.store.RemoveLiveness(vm.ID)
		purged++
	}
	return purged
}
