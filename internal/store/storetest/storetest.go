// Package storetest is a behavioural suite every pot.Store implementation
// must pass.
package storetest

import (
	"errors"
	"testing"

	"jackpot/internal/pot"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// Store is what the suite needs: the pot contract plus minting.
type Store interface {
	pot.Store
	pot.Faucet
}

var errAbort = errors.New("abort")

func key(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

// Run exercises newStore against the full contract. newStore must return
// an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("load before initialize", func(t *testing.T) {
		s := newStore(t)
		err := s.View(t.Context(), func(tx pot.Tx) error {
			_, err := tx.LoadPot(t.Context())
			return err
		})
		require.ErrorIs(t, err, pot.ErrNotInitialized)
	})

	t.Run("pot round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		seed := pot.Seed{1, 2, 3}
		winner, closer := key(t), key(t)
		want := pot.Pot{
			Address:        key(t),
			Bump:           254,
			Authority:      key(t),
			Round:          3,
			State:          pot.StateCooldown,
			LastTransition: 1_700_000_000,
			TotalAmount:    150_000_000,
			Deposits: []pot.DepositRecord{
				{Depositor: winner, Amount: 50_000_000, Timestamp: 1_699_999_990},
				{Depositor: key(t), Amount: 100_000_000, Timestamp: 1_699_999_995},
			},
			RandomSeed:     &seed,
			SelectedWinner: &winner,
			RoundCloser:    &closer,
		}
		require.NoError(t, s.Update(ctx, func(tx pot.Tx) error {
			return tx.SavePot(ctx, want)
		}))

		var got pot.Pot
		require.NoError(t, s.View(ctx, func(tx pot.Tx) error {
			var err error
			got, err = tx.LoadPot(ctx)
			return err
		}))
		require.Equal(t, want, got)
	})

	t.Run("deposits append then clear", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		p := pot.Pot{Address: key(t), Authority: key(t), State: pot.StateActive}
		require.NoError(t, s.Update(ctx, func(tx pot.Tx) error { return tx.SavePot(ctx, p) }))

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Update(ctx, func(tx pot.Tx) error {
				cur, err := tx.LoadPot(ctx)
				if err != nil {
					return err
				}
				cur.Deposits = append(cur.Deposits, pot.DepositRecord{Depositor: key(t), Amount: uint64(i+1) * 1000, Timestamp: int64(i)})
				cur.TotalAmount = cur.DepositSum()
				return tx.SavePot(ctx, cur)
			}))
		}
		got := load(t, s)
		require.Len(t, got.Deposits, 3)
		require.Equal(t, uint64(6000), got.TotalAmount)
		require.Equal(t, uint64(3000), got.Deposits[2].Amount)

		require.NoError(t, s.Update(ctx, func(tx pot.Tx) error {
			cur, err := tx.LoadPot(ctx)
			if err != nil {
				return err
			}
			cur.Deposits = nil
			cur.TotalAmount = 0
			cur.State = pot.StateInactive
			return tx.SavePot(ctx, cur)
		}))
		got = load(t, s)
		require.Empty(t, got.Deposits)
		require.Zero(t, got.TotalAmount)
	})

	t.Run("transfer moves lamports", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		a, b := key(t), key(t)
		require.NoError(t, s.Airdrop(ctx, a, 1_000))

		require.NoError(t, s.Update(ctx, func(tx pot.Tx) error {
			return tx.Transfer(ctx, pot.Transfer{From: a, To: b, Amount: 400, Signer: a})
		}))
		require.Equal(t, uint64(600), balance(t, s, a))
		require.Equal(t, uint64(400), balance(t, s, b))
	})

	t.Run("transfer rejects", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		a, b := key(t), key(t)
		require.NoError(t, s.Airdrop(ctx, a, 100))

		err := s.Update(ctx, func(tx pot.Tx) error {
			return tx.Transfer(ctx, pot.Transfer{From: a, To: b, Amount: 101, Signer: a})
		})
		require.ErrorIs(t, err, pot.ErrInsufficientBalance)

		err = s.Update(ctx, func(tx pot.Tx) error {
			return tx.Transfer(ctx, pot.Transfer{From: a, To: b, Amount: 10, Signer: b})
		})
		require.ErrorIs(t, err, pot.ErrUnauthorizedTransfer)

		err = s.Update(ctx, func(tx pot.Tx) error {
			return tx.Transfer(ctx, pot.Transfer{From: b, To: a, Amount: 1, Signer: b})
		})
		require.ErrorIs(t, err, pot.ErrInsufficientBalance)

		require.Equal(t, uint64(100), balance(t, s, a))
		require.Zero(t, balance(t, s, b))
	})

	t.Run("failed update rolls back", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		a, b := key(t), key(t)
		require.NoError(t, s.Airdrop(ctx, a, 500))
		p := pot.Pot{Address: key(t), Authority: a, State: pot.StateInactive}
		require.NoError(t, s.Update(ctx, func(tx pot.Tx) error { return tx.SavePot(ctx, p) }))

		err := s.Update(ctx, func(tx pot.Tx) error {
			if err := tx.Transfer(ctx, pot.Transfer{From: a, To: b, Amount: 200, Signer: a}); err != nil {
				return err
			}
			cur, err := tx.LoadPot(ctx)
			if err != nil {
				return err
			}
			cur.State = pot.StateActive
			cur.Round = 9
			if err := tx.SavePot(ctx, cur); err != nil {
				return err
			}
			if err := tx.RecordRound(ctx, pot.RoundSummary{Round: 9, Outcome: pot.OutcomeNoWinner}); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		require.Equal(t, uint64(500), balance(t, s, a))
		require.Zero(t, balance(t, s, b))
		got := load(t, s)
		require.Equal(t, pot.StateInactive, got.State)
		require.Zero(t, got.Round)
		rounds, err := s.Rounds(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, rounds)
	})

	t.Run("view is read only", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		a := key(t)
		require.NoError(t, s.Airdrop(ctx, a, 10))
		err := s.View(ctx, func(tx pot.Tx) error {
			return tx.SavePot(ctx, pot.Pot{Address: a, Authority: a, State: pot.StateInactive})
		})
		require.Error(t, err)
		err = s.View(ctx, func(tx pot.Tx) error {
			return tx.Transfer(ctx, pot.Transfer{From: a, To: key(t), Amount: 1, Signer: a})
		})
		require.Error(t, err)
		require.Equal(t, uint64(10), balance(t, s, a))
	})

	t.Run("claim key once", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		a, b := key(t), key(t)
		claim := func(signer solana.PublicKey, k string, now, expires int64) error {
			return s.Update(ctx, func(tx pot.Tx) error { return tx.ClaimKey(ctx, signer, k, now, expires) })
		}

		require.NoError(t, claim(a, "idem:1", 100, 200))
		require.ErrorIs(t, claim(a, "idem:1", 150, 300), pot.ErrDuplicateRequest)
		require.ErrorIs(t, claim(a, "idem:1", 199, 300), pot.ErrDuplicateRequest)
		require.NoError(t, claim(b, "idem:1", 150, 300))
		require.NoError(t, claim(a, "idem:2", 150, 300))

		// Expired at 200.
		require.NoError(t, claim(a, "idem:1", 200, 400))
		require.ErrorIs(t, claim(a, "idem:1", 300, 500), pot.ErrDuplicateRequest)
	})

	t.Run("claim key rolls back", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		a := key(t)

		err := s.Update(ctx, func(tx pot.Tx) error {
			if err := tx.ClaimKey(ctx, a, "idem:1", 100, 200); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		require.NoError(t, s.Update(ctx, func(tx pot.Tx) error {
			if err := tx.ClaimKey(ctx, a, "idem:1", 100, 200); err != nil {
				return err
			}
			return tx.ClaimKey(ctx, a, "idem:2", 100, 200)
		}))
		err = s.Update(ctx, func(tx pot.Tx) error { return tx.ClaimKey(ctx, a, "idem:2", 150, 300) })
		require.ErrorIs(t, err, pot.ErrDuplicateRequest)

		err = s.View(ctx, func(tx pot.Tx) error { return tx.ClaimKey(ctx, a, "idem:3", 100, 200) })
		require.Error(t, err)
	})

	t.Run("rounds newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		winner, closer := key(t), key(t)
		seed := pot.Seed{9}
		for i := uint64(1); i <= 3; i++ {
			summary := pot.RoundSummary{
				Round:        i,
				Outcome:      pot.OutcomeNoWinner,
				TotalAmount:  0,
				DepositCount: 0,
				Payouts:      []pot.Payout{},
				SettledAt:    int64(100 * i),
			}
			if i == 2 {
				summary.Outcome = pot.OutcomeDistributed
				summary.RandomSeed = &seed
				summary.Winner = &winner
				summary.Closer = &closer
				summary.TotalAmount = 1_000
				summary.DepositCount = 2
				summary.Distributable = 900
				summary.Payouts = []pot.Payout{{Role: pot.RoleWinner, Recipient: winner, Amount: 872}}
			}
			require.NoError(t, s.Update(ctx, func(tx pot.Tx) error { return tx.RecordRound(ctx, summary) }))
		}

		rounds, err := s.Rounds(ctx, 2)
		require.NoError(t, err)
		require.Len(t, rounds, 2)
		require.Equal(t, uint64(3), rounds[0].Round)
		require.Equal(t, uint64(2), rounds[1].Round)
		require.Equal(t, pot.OutcomeDistributed, rounds[1].Outcome)
		require.Equal(t, &winner, rounds[1].Winner)
		require.Equal(t, &seed, rounds[1].RandomSeed)
		require.Equal(t, []pot.Payout{{Role: pot.RoleWinner, Recipient: winner, Amount: 872}}, rounds[1].Payouts)
	})
}

func load(t *testing.T, s pot.Store) pot.Pot {
	t.Helper()
	var out pot.Pot
	require.NoError(t, s.View(t.Context(), func(tx pot.Tx) error {
		var err error
		out, err = tx.LoadPot(t.Context())
		return err
	}))
	return out
}

func balance(t *testing.T, s pot.Store, account solana.PublicKey) uint64 {
	t.Helper()
	var out uint64
	require.NoError(t, s.View(t.Context(), func(tx pot.Tx) error {
		var err error
		out, err = tx.Balance(t.Context(), account)
		return err
	}))
	return out
}
