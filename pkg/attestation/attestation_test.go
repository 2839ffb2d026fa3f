package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stratomesh/strato/pkg/command"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *command.Bus, *store.Store, *clocktesting.FakePassiveClock) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(1000, clk)
	lm := lifecycle.NewManager(st, clk, nil)
	bus := command.NewBus(st, lm, nil, clk, 5*time.Minute)
	return NewScheduler(st, lm, bus, clk, nil, cfg), bus, st, clk
}

func defaultConfig() Config {
	return Config{
		Tick:           time.Minute,
		Window:         30 * time.Second,
		PauseThreshold: 3,
		FatalThreshold: 10,
	}
}

func seedRunningVM(st *store.Store, id string, clkNow time.Time) {
	started := clkNow
	st.UpsertVM(types.VM{
		ID:     id,
		Status: types.VMStatusRunning,
		NodeID: "node-1",
		Billing: types.Billing{
			HourlyRate:    1.0,
			StartedAt:     &started,
			LastBillingAt: &started,
		},
	})
}

// pendingChallenge returns the command id and nonce of the single
// outstanding attest command.
func pendingChallenge(t *testing.T, st *store.Store) (string, string) {
	t.Helper()
	cmds := st.ListPendingCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, types.CommandAttest, cmds[0].Type)
	return cmds[0].ID, cmds[0].Payload["nonce"]
}

// failOnce lets the outstanding challenge run past the window and sweeps it
func failOnce(s *Scheduler, clk *clocktesting.FakePassiveClock) {
	clk.SetTime(clk.Now().Add(31 * time.Second))
	s.Tick()
}

func TestTickChallengesRunningVMsOnly(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-running", clk.Now())
	st.UpsertVM(types.VM{ID: "vm-stopped", Status: types.VMStatusStopped, NodeID: "node-1"})

	s.Tick()

	cmds := st.ListPendingCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "vm-running", cmds[0].TargetResourceID)
	assert.Len(t, cmds[0].Payload["nonce"], 32)

	ls, ok := st.GetLiveness("vm-running")
	require.True(t, ok)
	assert.Equal(t, 1, ls.TotalChallenges)
}

func TestTickDoesNotStackChallenges(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	s.Tick()

	assert.Len(t, st.ListPendingCommands(), 1)
}

func TestSuccessfulResponse(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	cmdID, nonce := pendingChallenge(t, st)
	require.NoError(t, s.HandleResponse(cmdID, nonce, "sig-ok", 42))

	ls, _ := st.GetLiveness("vm-1")
	assert.Equal(t, 1, ls.ConsecutiveSuccesses)
	assert.Equal(t, 1, ls.SuccessCount)
	assert.Zero(t, ls.ConsecutiveFailures)
	require.NotNil(t, ls.LastSuccess)
	assert.Equal(t, clk.Now(), *ls.LastSuccess)
	assert.InDelta(t, 42.0, ls.AvgResponseMS, 1e-9)

	assert.Empty(t, st.ListPendingCommands())
}

func TestResponseTimeEMA(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	cmdID, nonce := pendingChallenge(t, st)
	require.NoError(t, s.HandleResponse(cmdID, nonce, "sig", 100))

	s.Tick()
	cmdID, nonce = pendingChallenge(t, st)
	require.NoError(t, s.HandleResponse(cmdID, nonce, "sig", 200))

	ls, _ := st.GetLiveness("vm-1")
	assert.InDelta(t, 0.2*200+0.8*100, ls.AvgResponseMS, 1e-9)
}

func TestNonceMismatchIsFailure(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	cmdID, _ := pendingChallenge(t, st)
	require.NoError(t, s.HandleResponse(cmdID, "wrong-nonce", "sig", 10))

	ls, _ := st.GetLiveness("vm-1")
	assert.Equal(t, 1, ls.ConsecutiveFailures)
	assert.Equal(t, 1, ls.FailCount)
	assert.Zero(t, ls.ConsecutiveSuccesses)
}

func TestUnknownChallengeRejected(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, defaultConfig())
	assert.Error(t, s.HandleResponse("cmd-bogus", "n", "sig", 1))
}

func TestWindowExpiryCountsFailureAndReissues(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	first, _ := pendingChallenge(t, st)

	failOnce(s, clk)

	ls, _ := st.GetLiveness("vm-1")
	assert.Equal(t, 1, ls.ConsecutiveFailures)

	// the same tick issued a fresh challenge
	second, _ := pendingChallenge(t, st)
	assert.NotEqual(t, first, second)
}

func TestBillingPausesAtThreshold(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	failOnce(s, clk)
	failOnce(s, clk)

	vm, _ := st.GetVM("vm-1")
	assert.False(t, vm.Billing.Paused, "two failures must not pause billing")

	failOnce(s, clk)

	vm, _ = st.GetVM("vm-1")
	assert.True(t, vm.Billing.Paused)
	assert.Equal(t, PauseReasonAttestation, vm.Billing.PauseReason)

	ls, _ := st.GetLiveness("vm-1")
	assert.True(t, ls.BillingPaused)
	assert.Equal(t, 3, ls.ConsecutiveFailures)
}

func TestFatalThresholdErrorsVM(t *testing.T) {
	cfg := defaultConfig()
	cfg.FatalThreshold = 5
	s, _, st, clk := newTestScheduler(t, cfg)
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	for i := 0; i < 4; i++ {
		failOnce(s, clk)
	}
	vm, _ := st.GetVM("vm-1")
	require.Equal(t, types.VMStatusRunning, vm.Status)

	failOnce(s, clk)

	vm, _ = st.GetVM("vm-1")
	assert.Equal(t, types.VMStatusError, vm.Status)
}

func TestSuccessResumesBilling(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	s.Tick()
	failOnce(s, clk)
	failOnce(s, clk)
	failOnce(s, clk)

	vm, _ := st.GetVM("vm-1")
	require.True(t, vm.Billing.Paused)

	cmdID, nonce := pendingChallenge(t, st)
	require.NoError(t, s.HandleResponse(cmdID, nonce, "sig", 15))

	vm, _ = st.GetVM("vm-1")
	assert.False(t, vm.Billing.Paused)
	require.NotNil(t, vm.Billing.LastBillingAt)
	assert.Equal(t, clk.Now(), *vm.Billing.LastBillingAt)

	ls, _ := st.GetLiveness("vm-1")
	assert.False(t, ls.BillingPaused)
	assert.Zero(t, ls.ConsecutiveFailures)
	assert.Equal(t, 1, ls.ConsecutiveSuccesses)
}

func TestVerifyNowRoundTrip(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	outCh := make(chan Outcome, 1)
	go func() {
		out, err := s.VerifyNow(context.Background(), "vm-1")
		require.NoError(t, err)
		outCh <- out
	}()

	require.Eventually(t, func() bool {
		return len(st.ListPendingCommands()) == 1
	}, time.Second, 5*time.Millisecond)

	cmdID, nonce := pendingChallenge(t, st)
	require.NoError(t, s.HandleResponse(cmdID, nonce, "sig", 12))

	select {
	case out := <-outCh:
		assert.True(t, out.Passed)
		assert.InDelta(t, 12.0, out.ResponseMS, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("verify did not resolve")
	}
}

func TestWindowReflectsConfiguration(t *testing.T) {
	cfg := defaultConfig()
	cfg.Window = 2 * time.Minute
	s, _, _, _ := newTestScheduler(t, cfg)

	assert.Equal(t, 2*time.Minute, s.Window(),
		"callers size their wait from the configured window")
}

func TestVerifyNowRequiresRunning(t *testing.T) {
	s, _, st, _ := newTestScheduler(t, defaultConfig())
	st.UpsertVM(types.VM{ID: "vm-1", Status: types.VMStatusStopped})

	_, err := s.VerifyNow(context.Background(), "vm-1")
	assert.Error(t, err)

	_, err = s.VerifyNow(context.Background(), "vm-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestObserveTransitionSeedsLiveness(t *testing.T) {
	s, _, st, clk := newTestScheduler(t, defaultConfig())
	seedRunningVM(st, "vm-1", clk.Now())

	vm, _ := st.GetVM("vm-1")
	s.ObserveTransition(vm, types.VMStatusProvisioning, lifecycle.Context{})

	_, ok := st.GetLiveness("vm-1")
	assert.True(t, ok)
}
