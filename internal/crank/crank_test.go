package crank_test

import (
	"context"
	"testing"
	"time"

	"jackpot/internal/crank"
	"jackpot/internal/pot"
	"jackpot/internal/store/memory"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	clock     *clockwork.FakeClock
	store     *memory.Store
	engine    *pot.Engine
	authority solana.PublicKey
}

func newFixture(t *testing.T, resetRequiresAuthority bool) *fixture {
	t.Helper()
	f := &fixture{
		clock:     clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
		store:     memory.New(),
		authority: solana.NewWallet().PublicKey(),
	}
	engine, err := pot.NewEngine(pot.Config{
		Clock:                  f.clock,
		ProgramID:              solana.NewWallet().PublicKey(),
		Buyback:                solana.NewWallet().PublicKey(),
		Fee:                    solana.NewWallet().PublicKey(),
		ResetRequiresAuthority: resetRequiresAuthority,
	}, f.store)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Airdrop(t.Context(), f.authority, pot.LamportsPerSOL))
	_, err := f.engine.Initialize(t.Context(), f.authority)
	require.NoError(t, err)
}

func (f *fixture) crank(t *testing.T, identity solana.PublicKey, start bool) *crank.Crank {
	t.Helper()
	c, err := crank.New(crank.Config{
		Clock:       f.clock,
		API:         crank.EngineAPI{Engine: f.engine, Identity: identity},
		Identity:    identity,
		Interval:    time.Second,
		StartRounds: start,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) state(t *testing.T) pot.Pot {
	t.Helper()
	st, err := f.engine.Status(t.Context())
	require.NoError(t, err)
	return st.Pot
}

func step(t *testing.T, c *crank.Crank, want string) {
	t.Helper()
	got, err := c.Step(t.Context())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStepNotInitialized(t *testing.T) {
	f := newFixture(t, false)
	step(t, f.crank(t, f.authority, true), crank.ActionNone)
}

func TestStepDrivesFullRound(t *testing.T) {
	f := newFixture(t, false)
	f.initialize(t)
	c := f.crank(t, f.authority, true)
	ctx := t.Context()

	step(t, c, crank.ActionNone)
	f.clock.Advance(pot.DefaultCooldownDuration)
	step(t, c, crank.ActionStart)
	require.Equal(t, pot.StateActive, f.state(t).State)

	player := solana.NewWallet().PublicKey()
	require.NoError(t, f.store.Airdrop(ctx, player, pot.LamportsPerSOL))
	_, err := f.engine.Deposit(ctx, player, 200_000_000)
	require.NoError(t, err)

	step(t, c, crank.ActionNone)
	f.clock.Advance(pot.DefaultActiveDuration)
	step(t, c, crank.ActionEnd)
	p := f.state(t)
	require.Equal(t, pot.StateCooldown, p.State)
	require.Equal(t, player, *p.SelectedWinner)
	require.Equal(t, f.authority, *p.RoundCloser)

	step(t, c, crank.ActionDistribute)
	require.Equal(t, pot.StateInactive, f.state(t).State)

	rounds, err := f.engine.Rounds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Equal(t, pot.OutcomeDistributed, rounds[0].Outcome)

	step(t, c, crank.ActionNone)
}

func TestStepWithoutAuthorityDoesNotStart(t *testing.T) {
	f := newFixture(t, false)
	f.initialize(t)
	f.clock.Advance(pot.DefaultCooldownDuration)
	step(t, f.crank(t, solana.NewWallet().PublicKey(), true), crank.ActionNone)
	step(t, f.crank(t, f.authority, false), crank.ActionNone)
	require.Equal(t, pot.StateInactive, f.state(t).State)
}

func TestStepResetsEmptyRound(t *testing.T) {
	f := newFixture(t, false)
	f.initialize(t)
	f.clock.Advance(pot.DefaultCooldownDuration)
	_, err := f.engine.StartRound(t.Context(), f.authority)
	require.NoError(t, err)
	f.clock.Advance(pot.DefaultActiveDuration)

	c := f.crank(t, solana.NewWallet().PublicKey(), false)
	step(t, c, crank.ActionEnd)
	require.Nil(t, f.state(t).SelectedWinner)
	step(t, c, crank.ActionReset)
	require.Equal(t, pot.StateInactive, f.state(t).State)
}

func TestStepFallsBackToDistributeWhenResetIsRestricted(t *testing.T) {
	f := newFixture(t, true)
	f.initialize(t)
	f.clock.Advance(pot.DefaultCooldownDuration)
	_, err := f.engine.StartRound(t.Context(), f.authority)
	require.NoError(t, err)
	f.clock.Advance(pot.DefaultActiveDuration)

	c := f.crank(t, solana.NewWallet().PublicKey(), false)
	step(t, c, crank.ActionEnd)
	step(t, c, crank.ActionDistribute)

	rounds, err := f.engine.Rounds(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Equal(t, pot.OutcomeNoWinner, rounds[0].Outcome)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, false)
	f.initialize(t)
	f.clock.Advance(pot.DefaultCooldownDuration)
	c := f.crank(t, f.authority, true)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.state(t).State == pot.StateActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("crank did not stop")
	}
}
