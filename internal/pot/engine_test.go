package pot_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jackpot/internal/pot"
	"jackpot/internal/store/memory"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sol = pot.LamportsPerSOL

type fixedSeeder struct{ first byte }

func (s fixedSeeder) Seed(pot.SeedInput) pot.Seed { return pot.Seed{s.first} }

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clockwork.FakeClock
	store     *memory.Store
	engine    *pot.Engine
	authority solana.PublicKey
	buyback   solana.PublicKey
	fee       solana.PublicKey
}

func newHarness(t *testing.T, mutate func(*pot.Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       t.Context(),
		clock:     clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
		store:     memory.New(),
		authority: solana.NewWallet().PublicKey(),
		buyback:   solana.NewWallet().PublicKey(),
		fee:       solana.NewWallet().PublicKey(),
	}
	cfg := pot.Config{
		Clock:     h.clock,
		ProgramID: solana.NewWallet().PublicKey(),
		Buyback:   h.buyback,
		Fee:       h.fee,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := pot.NewEngine(cfg, h.store)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) fund(lamports uint64) solana.PublicKey {
	h.t.Helper()
	k := solana.NewWallet().PublicKey()
	require.NoError(h.t, h.store.Airdrop(h.ctx, k, lamports))
	return k
}

func (h *harness) initialize() {
	h.t.Helper()
	require.NoError(h.t, h.store.Airdrop(h.ctx, h.authority, sol))
	_, err := h.engine.Initialize(h.ctx, h.authority)
	require.NoError(h.t, err)
}

// openRound initializes the pot and starts round 1; the clock then reads
// the round's start time.
func (h *harness) openRound() {
	h.t.Helper()
	h.initialize()
	h.clock.Advance(pot.DefaultCooldownDuration)
	_, err := h.engine.StartRound(h.ctx, h.authority)
	require.NoError(h.t, err)
}

func (h *harness) state() pot.Pot {
	h.t.Helper()
	st, err := h.engine.Status(h.ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, st.Pot.TotalAmount, st.Pot.DepositSum())
	return st.Pot
}

func (h *harness) balance(k solana.PublicKey) uint64 {
	h.t.Helper()
	b, err := h.engine.Balance(h.ctx, k)
	require.NoError(h.t, err)
	return b
}

func (h *harness) after(d time.Duration) {
	h.clock.Advance(d)
}

func TestNewEngineRequiresAddresses(t *testing.T) {
	_, err := pot.NewEngine(pot.Config{ProgramID: solana.NewWallet().PublicKey()}, memory.New())
	require.ErrorContains(t, err, "buyback")

	_, err = pot.NewEngine(pot.Config{
		ProgramID: solana.NewWallet().PublicKey(),
		Buyback:   solana.NewWallet().PublicKey(),
		Fee:       solana.NewWallet().PublicKey(),
	}, nil)
	require.ErrorContains(t, err, "store")
}

func TestNewEngineDefaultsReserveFloor(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, pot.DefaultRentSafetyMargin, h.engine.Config().RentSafetyMargin)
	require.Equal(t, uint64(73_161_280), h.engine.Floor())

	h = newHarness(t, func(cfg *pot.Config) { cfg.RentSafetyMargin = 5 })
	require.Equal(t, pot.RentExemptMinimum(pot.DefaultAccountSize)+5, h.engine.Floor())
}

func TestInitialize(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Status(h.ctx)
	require.ErrorIs(t, err, pot.ErrNotInitialized)

	h.initialize()
	p := h.state()
	require.Equal(t, pot.StateInactive, p.State)
	require.Equal(t, h.authority, p.Authority)
	require.Equal(t, h.engine.Address(), p.Address)
	require.Equal(t, h.clock.Now().Unix(), p.LastTransition)
	require.Equal(t, pot.RentExemptMinimum(pot.DefaultAccountSize), h.balance(p.Address))
	require.Equal(t, sol-pot.RentExemptMinimum(pot.DefaultAccountSize), h.balance(h.authority))

	_, err = h.engine.Initialize(h.ctx, h.authority)
	require.ErrorIs(t, err, pot.ErrAlreadyInitialized)
}

func TestInitializeRejectsUnfundedAuthority(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Initialize(h.ctx, h.fund(1_000))
	require.ErrorIs(t, err, pot.ErrInsufficientBalance)

	_, err = h.engine.Status(h.ctx)
	require.ErrorIs(t, err, pot.ErrNotInitialized)
}

func TestInitializeConfiguredAuthority(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	h := newHarness(t, func(cfg *pot.Config) { cfg.Authority = authority })

	_, err := h.engine.Initialize(h.ctx, h.fund(sol))
	require.ErrorIs(t, err, pot.ErrInvalidCallerAccount)
}

func TestStartRound(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	_, err := h.engine.StartRound(h.ctx, h.authority)
	require.ErrorIs(t, err, pot.ErrCooldownActive)

	h.after(pot.DefaultCooldownDuration - time.Second)
	_, err = h.engine.StartRound(h.ctx, h.authority)
	require.ErrorIs(t, err, pot.ErrCooldownActive)

	h.after(time.Second)
	_, err = h.engine.StartRound(h.ctx, solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, pot.ErrInvalidCallerAccount)

	p, err := h.engine.StartRound(h.ctx, h.authority)
	require.NoError(t, err)
	require.Equal(t, pot.StateActive, p.State)
	require.Equal(t, uint64(1), p.Round)
	require.Equal(t, h.clock.Now().Unix(), p.LastTransition)

	_, err = h.engine.StartRound(h.ctx, h.authority)
	require.ErrorIs(t, err, pot.ErrInvalidState)
}

func TestDeposit(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	a := h.fund(sol)

	_, err := h.engine.Deposit(h.ctx, a, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrGameInactive)

	h.after(pot.DefaultCooldownDuration)
	_, err = h.engine.StartRound(h.ctx, h.authority)
	require.NoError(t, err)

	rec, err := h.engine.Deposit(h.ctx, a, pot.DefaultMinDeposit)
	require.NoError(t, err)
	require.Equal(t, a, rec.Depositor)
	require.Equal(t, h.clock.Now().Unix(), rec.Timestamp)

	_, err = h.engine.Deposit(h.ctx, a, 2*pot.DefaultMinDeposit)
	require.NoError(t, err)

	p := h.state()
	require.Len(t, p.Deposits, 2)
	require.Equal(t, a, p.Deposits[1].Depositor)
	require.Equal(t, 3*pot.DefaultMinDeposit, p.TotalAmount)
	require.Equal(t, sol-3*pot.DefaultMinDeposit, h.balance(a))
}

func TestDepositBelowMinimumLeavesLedgerUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	a := h.fund(sol)
	before := h.state()

	for _, amount := range []uint64{0, 1, pot.DefaultMinDeposit - 1} {
		_, err := h.engine.Deposit(h.ctx, a, amount)
		require.ErrorIs(t, err, pot.ErrMinDeposit)
	}
	require.Equal(t, before, h.state())
	require.Equal(t, sol, h.balance(a))
}

func TestDepositFailedTransferAppendsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	poor := h.fund(pot.DefaultMinDeposit - 1)
	before := h.state()

	_, err := h.engine.Deposit(h.ctx, poor, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrInsufficientBalance)
	require.Equal(t, before, h.state())
	require.Equal(t, pot.DefaultMinDeposit-1, h.balance(poor))
}

func signed(ctx context.Context, signer solana.PublicKey, sig byte, idem string, expires int64) context.Context {
	return pot.WithSignedRequest(ctx, pot.SignedRequest{
		Signer:             signer,
		IdempotencyKey:     idem,
		Signature:          solana.Signature{sig},
		SignatureExpiresAt: expires,
	})
}

func TestSignedDepositRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	a := h.fund(sol)
	expires := h.clock.Now().Unix() + 120

	_, err := h.engine.Deposit(signed(h.ctx, a, 1, "dep-1", expires), a, pot.DefaultMinDeposit)
	require.NoError(t, err)

	// Same signature, and a fresh signature reusing the key.
	_, err = h.engine.Deposit(signed(h.ctx, a, 1, "dep-1", expires), a, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrDuplicateRequest)
	_, err = h.engine.Deposit(signed(h.ctx, a, 2, "dep-1", expires), a, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrDuplicateRequest)

	require.Len(t, h.state().Deposits, 1)
	require.Equal(t, sol-pot.DefaultMinDeposit, h.balance(a))

	// Keys are per signer.
	b := h.fund(sol)
	_, err = h.engine.Deposit(signed(h.ctx, b, 1, "dep-1", expires), b, pot.DefaultMinDeposit)
	require.NoError(t, err)
}

func TestSignedDepositRejectedBurnsSignatureOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	a := h.fund(sol)
	expires := h.clock.Now().Unix() + int64(time.Hour/time.Second)

	_, err := h.engine.Deposit(signed(h.ctx, a, 1, "dep-1", expires), a, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrGameInactive)

	h.after(pot.DefaultCooldownDuration)
	_, err = h.engine.StartRound(h.ctx, h.authority)
	require.NoError(t, err)

	_, err = h.engine.Deposit(signed(h.ctx, a, 1, "dep-1", expires), a, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrDuplicateRequest)
	require.Empty(t, h.state().Deposits)

	_, err = h.engine.Deposit(signed(h.ctx, a, 2, "dep-1", h.clock.Now().Unix()+120), a, pot.DefaultMinDeposit)
	require.NoError(t, err)
	require.Len(t, h.state().Deposits, 1)
}

func TestIdempotencyKeyExpires(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	a := h.fund(sol)

	_, err := h.engine.Deposit(signed(h.ctx, a, 1, "dep-1", h.clock.Now().Unix()+120), a, pot.DefaultMinDeposit)
	require.NoError(t, err)

	h.after(pot.IdempotencyWindow - time.Second)
	_, err = h.engine.Deposit(signed(h.ctx, a, 2, "dep-1", h.clock.Now().Unix()+120), a, pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrDuplicateRequest)

	// The round is still active until someone ends it.
	h.after(time.Second)
	_, err = h.engine.Deposit(signed(h.ctx, a, 3, "dep-1", h.clock.Now().Unix()+120), a, pot.DefaultMinDeposit)
	require.NoError(t, err)
	require.Len(t, h.state().Deposits, 2)
}

func TestConcurrentDepositsKeepTotals(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()

	const n = 32
	depositors := make([]solana.PublicKey, n)
	for i := range depositors {
		depositors[i] = h.fund(sol)
	}

	var wg sync.WaitGroup
	for i := range depositors {
		wg.Add(1)
		go func(k solana.PublicKey) {
			defer wg.Done()
			_, err := h.engine.Deposit(h.ctx, k, pot.DefaultMinDeposit)
			assert.NoError(t, err)
		}(depositors[i])
	}
	wg.Wait()

	p := h.state()
	require.Len(t, p.Deposits, n)
	require.Equal(t, n*pot.DefaultMinDeposit, p.TotalAmount)
	require.Equal(t, pot.RentExemptMinimum(pot.DefaultAccountSize)+p.TotalAmount, h.balance(p.Address))
}

func TestEndRoundTiming(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	closer := solana.NewWallet().PublicKey()

	h.after(60 * time.Second)
	_, err := h.engine.EndRound(h.ctx, closer)
	require.ErrorIs(t, err, pot.ErrCooldownActive)
	require.Equal(t, pot.StateActive, h.state().State)

	h.after(60 * time.Second)
	p, err := h.engine.EndRound(h.ctx, closer)
	require.NoError(t, err)
	require.Equal(t, pot.StateCooldown, p.State)
	require.Equal(t, closer, *p.RoundCloser)
	require.NotNil(t, p.RandomSeed)

	_, err = h.engine.EndRound(h.ctx, closer)
	require.ErrorIs(t, err, pot.ErrInvalidState)
}

func TestEndRoundSelectsWinnerFromSeed(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	a, b, c := h.fund(sol), h.fund(sol), h.fund(sol)
	for _, k := range []solana.PublicKey{a, b, c, a} {
		_, err := h.engine.Deposit(h.ctx, k, pot.DefaultMinDeposit)
		require.NoError(t, err)
	}
	before := h.state()

	h.after(pot.DefaultActiveDuration)
	p, err := h.engine.EndRound(h.ctx, b)
	require.NoError(t, err)

	want := pot.DeterministicSeeder{}.Seed(pot.SeedInput{
		PotAddress:  before.Address,
		Timestamp:   h.clock.Now().Unix(),
		TotalAmount: before.TotalAmount,
		Bump:        before.Bump,
	})
	require.Equal(t, want, *p.RandomSeed)
	idx := int(want[0]) % len(before.Deposits)
	require.Equal(t, before.Deposits[idx].Depositor, *p.SelectedWinner)
	require.Equal(t, before.Deposits, p.Deposits)
}

func TestEndRoundWithoutDepositsHasNoWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	h.after(pot.DefaultActiveDuration + time.Second)

	p, err := h.engine.EndRound(h.ctx, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	require.Equal(t, pot.StateCooldown, p.State)
	require.NotNil(t, p.RandomSeed)
	require.Nil(t, p.SelectedWinner)
}

// Start at t=0, A and B deposit at t=10, closing at t=60 fails, closing at
// t=121 succeeds and distribution at t=122 pays every share.
func TestRoundScenario(t *testing.T) {
	h := newHarness(t, func(cfg *pot.Config) { cfg.Seeder = fixedSeeder{first: 1} })
	h.openRound()
	a, b := h.fund(sol), h.fund(sol)
	closer := h.fund(sol)

	h.after(10 * time.Second)
	_, err := h.engine.Deposit(h.ctx, a, 50_000_000)
	require.NoError(t, err)
	_, err = h.engine.Deposit(h.ctx, b, 100_000_000)
	require.NoError(t, err)

	h.after(50 * time.Second)
	_, err = h.engine.EndRound(h.ctx, closer)
	require.ErrorIs(t, err, pot.ErrCooldownActive)

	h.after(61 * time.Second)
	p, err := h.engine.EndRound(h.ctx, closer)
	require.NoError(t, err)
	require.Equal(t, b, *p.SelectedWinner)

	h.after(time.Second)
	potBefore := h.balance(p.Address)
	out, err := h.engine.DistributeRewards(h.ctx, pot.DistributeInput{
		Winner:  b,
		Buyback: h.buyback,
		Fee:     h.fee,
		Closer:  closer,
	})
	require.NoError(t, err)
	require.Equal(t, pot.OutcomeDistributed, out.Outcome)
	require.Equal(t, uint64(150_000_000), out.TotalAmount)
	require.Equal(t, uint64(76_838_720), out.Distributable)

	require.Equal(t, sol-100_000_000+74_456_719, h.balance(b))
	require.Equal(t, uint64(1_920_968), h.balance(h.buyback))
	require.Equal(t, uint64(384_193), h.balance(h.fee))
	require.Equal(t, sol+76_838, h.balance(closer))
	require.Equal(t, potBefore-76_838_718, h.balance(p.Address))

	after := h.state()
	require.Equal(t, pot.StateInactive, after.State)
	require.Empty(t, after.Deposits)
	require.Zero(t, after.TotalAmount)
	require.Nil(t, after.RandomSeed)
	require.Nil(t, after.SelectedWinner)
	require.Nil(t, after.RoundCloser)
	require.Equal(t, h.clock.Now().Unix(), after.LastTransition)

	rounds, err := h.engine.Rounds(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Equal(t, out, rounds[0])
}

func TestDistributeEmptyRound(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	h.after(pot.DefaultActiveDuration + time.Second)
	_, err := h.engine.EndRound(h.ctx, h.authority)
	require.NoError(t, err)
	journal := len(h.store.Journal())

	out, err := h.engine.DistributeRewards(h.ctx, pot.DistributeInput{})
	require.NoError(t, err)
	require.Equal(t, pot.OutcomeNoWinner, out.Outcome)
	require.Empty(t, out.Payouts)
	require.Len(t, h.store.Journal(), journal)
	require.Equal(t, pot.StateInactive, h.state().State)
}

func TestDistributeRejectsWrongIdentities(t *testing.T) {
	h := newHarness(t, func(cfg *pot.Config) { cfg.Seeder = fixedSeeder{} })
	h.openRound()
	a := h.fund(sol)
	_, err := h.engine.Deposit(h.ctx, a, 100_000_000)
	require.NoError(t, err)
	h.after(pot.DefaultActiveDuration)
	closer := solana.NewWallet().PublicKey()
	_, err = h.engine.EndRound(h.ctx, closer)
	require.NoError(t, err)

	good := pot.DistributeInput{Winner: a, Buyback: h.buyback, Fee: h.fee, Closer: closer}
	stranger := solana.NewWallet().PublicKey()
	tests := []struct {
		name   string
		mutate func(*pot.DistributeInput)
		want   error
	}{
		{"winner", func(in *pot.DistributeInput) { in.Winner = stranger }, pot.ErrInvalidWinnerAccount},
		{"closer", func(in *pot.DistributeInput) { in.Closer = stranger }, pot.ErrInvalidCallerAccount},
		{"buyback", func(in *pot.DistributeInput) { in.Buyback = stranger }, pot.ErrInvalidBuybackAccount},
		{"fee", func(in *pot.DistributeInput) { in.Fee = stranger }, pot.ErrInvalidFeeAccount},
	}

	before := h.state()
	journal := len(h.store.Journal())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := good
			tc.mutate(&in)
			_, err := h.engine.DistributeRewards(h.ctx, in)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, before, h.state())
			require.Len(t, h.store.Journal(), journal)
		})
	}

	_, err = h.engine.DistributeRewards(h.ctx, good)
	require.NoError(t, err)
}

func TestDistributeBelowFloor(t *testing.T) {
	h := newHarness(t, func(cfg *pot.Config) { cfg.Seeder = fixedSeeder{} })
	h.openRound()
	a := h.fund(sol)
	_, err := h.engine.Deposit(h.ctx, a, pot.DefaultMinDeposit)
	require.NoError(t, err)
	h.after(pot.DefaultActiveDuration)
	_, err = h.engine.EndRound(h.ctx, a)
	require.NoError(t, err)
	before := h.state()

	_, err = h.engine.DistributeRewards(h.ctx, pot.DistributeInput{Winner: a, Buyback: h.buyback, Fee: h.fee, Closer: a})
	require.ErrorIs(t, err, pot.ErrInsufficientFundsForRent)
	require.Equal(t, before, h.state())
}

func TestDistributeOutsideCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	_, err := h.engine.DistributeRewards(h.ctx, pot.DistributeInput{})
	require.ErrorIs(t, err, pot.ErrInvalidState)
}

// failingStore fails the payout transfer whose memo matches.
type failingStore struct {
	*memory.Store
	memo string
}

type failingTx struct {
	pot.Tx
	memo string
}

var errTransferFailed = errors.New("transfer failed")

func (s failingStore) Update(ctx context.Context, fn func(pot.Tx) error) error {
	return s.Store.Update(ctx, func(tx pot.Tx) error {
		return fn(failingTx{Tx: tx, memo: s.memo})
	})
}

func (t failingTx) Transfer(ctx context.Context, tr pot.Transfer) error {
	if strings.EqualFold(tr.Memo, t.memo) {
		return errTransferFailed
	}
	return t.Tx.Transfer(ctx, tr)
}

func TestDistributeIsAtomic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	mem := memory.New()
	buyback, fee := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	engine, err := pot.NewEngine(pot.Config{
		Clock:     clock,
		ProgramID: solana.NewWallet().PublicKey(),
		Buyback:   buyback,
		Fee:       fee,
		Seeder:    fixedSeeder{},
	}, failingStore{Store: mem, memo: "payout:" + pot.RoleFee})
	require.NoError(t, err)
	ctx := t.Context()

	authority, a := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	require.NoError(t, mem.Airdrop(ctx, authority, sol))
	require.NoError(t, mem.Airdrop(ctx, a, sol))
	_, err = engine.Initialize(ctx, authority)
	require.NoError(t, err)
	clock.Advance(pot.DefaultCooldownDuration)
	_, err = engine.StartRound(ctx, authority)
	require.NoError(t, err)
	_, err = engine.Deposit(ctx, a, 500_000_000)
	require.NoError(t, err)
	clock.Advance(pot.DefaultActiveDuration)
	_, err = engine.EndRound(ctx, a)
	require.NoError(t, err)

	before, err := engine.Status(ctx)
	require.NoError(t, err)
	balanceA, err := engine.Balance(ctx, a)
	require.NoError(t, err)
	journal := len(mem.Journal())

	_, err = engine.DistributeRewards(ctx, pot.DistributeInput{Winner: a, Buyback: buyback, Fee: fee, Closer: a})
	require.ErrorIs(t, err, errTransferFailed)

	after, err := engine.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Pot, after.Pot)
	require.Equal(t, before.Balance, after.Balance)
	got, err := engine.Balance(ctx, a)
	require.NoError(t, err)
	require.Equal(t, balanceA, got)
	require.Len(t, mem.Journal(), journal)

	rounds, err := engine.Rounds(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, rounds)
}

func TestResetIfNoWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()

	_, err := h.engine.ResetIfNoWinner(h.ctx, h.authority)
	require.ErrorIs(t, err, pot.ErrInvalidState)

	h.after(pot.DefaultActiveDuration)
	_, err = h.engine.EndRound(h.ctx, h.authority)
	require.NoError(t, err)

	out, err := h.engine.ResetIfNoWinner(h.ctx, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	require.Equal(t, pot.OutcomeNoWinner, out.Outcome)
	require.Equal(t, uint64(1), out.Round)

	p := h.state()
	require.Equal(t, pot.StateInactive, p.State)
	require.Nil(t, p.RandomSeed)
	require.Nil(t, p.RoundCloser)
}

func TestResetIfNoWinnerRejectsRoundWithWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	a := h.fund(sol)
	_, err := h.engine.Deposit(h.ctx, a, pot.DefaultMinDeposit)
	require.NoError(t, err)
	h.after(pot.DefaultActiveDuration)
	_, err = h.engine.EndRound(h.ctx, a)
	require.NoError(t, err)

	_, err = h.engine.ResetIfNoWinner(h.ctx, a)
	require.ErrorIs(t, err, pot.ErrInvalidWinnerAccount)
	require.Equal(t, pot.StateCooldown, h.state().State)
}

func TestResetIfNoWinnerRequiresAuthority(t *testing.T) {
	h := newHarness(t, func(cfg *pot.Config) { cfg.ResetRequiresAuthority = true })
	h.openRound()
	h.after(pot.DefaultActiveDuration)
	_, err := h.engine.EndRound(h.ctx, h.authority)
	require.NoError(t, err)

	_, err = h.engine.ResetIfNoWinner(h.ctx, solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, pot.ErrInvalidCallerAccount)

	_, err = h.engine.ResetIfNoWinner(h.ctx, h.authority)
	require.NoError(t, err)
}

func TestAdminWithdrawDuringActive(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	a := h.fund(sol)
	_, err := h.engine.Deposit(h.ctx, a, 200_000_000)
	require.NoError(t, err)
	before := h.state()
	balance := h.balance(before.Address)

	_, err = h.engine.AdminWithdraw(h.ctx, h.authority)
	require.ErrorIs(t, err, pot.ErrCannotWithdrawDuringActive)
	require.Equal(t, before, h.state())
	require.Equal(t, balance, h.balance(before.Address))
}

func TestAdminWithdrawDrainsToFloor(t *testing.T) {
	h := newHarness(t, func(cfg *pot.Config) { cfg.Seeder = fixedSeeder{} })
	h.openRound()
	a := h.fund(sol)
	_, err := h.engine.Deposit(h.ctx, a, 200_000_000)
	require.NoError(t, err)
	h.after(pot.DefaultActiveDuration)
	_, err = h.engine.EndRound(h.ctx, a)
	require.NoError(t, err)

	_, err = h.engine.AdminWithdraw(h.ctx, a)
	require.ErrorIs(t, err, pot.ErrInvalidCallerAccount)

	p := h.state()
	withdrawn, err := h.engine.AdminWithdraw(h.ctx, h.authority)
	require.NoError(t, err)
	require.Equal(t, uint64(199_000_000), withdrawn)
	require.Equal(t, h.engine.Floor(), h.balance(p.Address))
	require.Equal(t, withdrawn, h.balance(h.fee))

	drained := h.state()
	require.Equal(t, pot.StateCooldown, drained.State)
	require.Empty(t, drained.Deposits)
	require.Zero(t, drained.TotalAmount)
	require.Equal(t, p.RandomSeed, drained.RandomSeed)
	require.Equal(t, p.SelectedWinner, drained.SelectedWinner)

	// The drained round concludes through the empty branch.
	out, err := h.engine.DistributeRewards(h.ctx, pot.DistributeInput{})
	require.NoError(t, err)
	require.Equal(t, pot.OutcomeNoWinner, out.Outcome)
	require.Equal(t, pot.StateInactive, h.state().State)
}

func TestAdminWithdrawBelowFloorOnlyClearsLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	withdrawn, err := h.engine.AdminWithdraw(h.ctx, h.authority)
	require.NoError(t, err)
	require.Zero(t, withdrawn)
	require.Equal(t, pot.RentExemptMinimum(pot.DefaultAccountSize), h.balance(h.engine.Address()))
}

func TestStatusFlags(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	st, err := h.engine.Status(h.ctx)
	require.NoError(t, err)
	require.False(t, st.CanStart)
	require.Equal(t, st.Pot.LastTransition+360, st.CooldownEndsAt)
	require.Equal(t, uint64(73_161_280), st.Floor)

	h.after(pot.DefaultCooldownDuration)
	st, err = h.engine.Status(h.ctx)
	require.NoError(t, err)
	require.True(t, st.CanStart)

	_, err = h.engine.StartRound(h.ctx, h.authority)
	require.NoError(t, err)
	st, err = h.engine.Status(h.ctx)
	require.NoError(t, err)
	require.False(t, st.CanEnd)
	require.Equal(t, st.Now+120, st.ActiveEndsAt)

	h.after(pot.DefaultActiveDuration)
	st, err = h.engine.Status(h.ctx)
	require.NoError(t, err)
	require.True(t, st.CanEnd)

	_, err = h.engine.EndRound(h.ctx, h.authority)
	require.NoError(t, err)
	st, err = h.engine.Status(h.ctx)
	require.NoError(t, err)
	require.True(t, st.CanDistribute)
	require.True(t, st.CanReset)
}

func TestStateCycleIsStrict(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	caller := h.authority

	// Inactive: only start may transition.
	h.after(pot.DefaultCooldownDuration)
	_, err := h.engine.EndRound(h.ctx, caller)
	require.ErrorIs(t, err, pot.ErrInvalidState)
	_, err = h.engine.DistributeRewards(h.ctx, pot.DistributeInput{})
	require.ErrorIs(t, err, pot.ErrInvalidState)
	_, err = h.engine.ResetIfNoWinner(h.ctx, caller)
	require.ErrorIs(t, err, pot.ErrInvalidState)

	_, err = h.engine.StartRound(h.ctx, caller)
	require.NoError(t, err)

	// Cooldown: neither start nor deposit.
	h.after(pot.DefaultActiveDuration)
	_, err = h.engine.EndRound(h.ctx, caller)
	require.NoError(t, err)
	h.after(pot.DefaultCooldownDuration)
	_, err = h.engine.StartRound(h.ctx, caller)
	require.ErrorIs(t, err, pot.ErrInvalidState)
	_, err = h.engine.Deposit(h.ctx, h.fund(sol), pot.DefaultMinDeposit)
	require.ErrorIs(t, err, pot.ErrGameInactive)
}
