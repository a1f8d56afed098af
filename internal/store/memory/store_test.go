package memory_test

import (
	"testing"

	"jackpot/internal/pot"
	"jackpot/internal/store/memory"
	"jackpot/internal/store/storetest"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return memory.New()
	})
}

func TestJournal(t *testing.T) {
	s := memory.New()
	ctx := t.Context()
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	require.NoError(t, s.Airdrop(ctx, a, 1_000))
	require.NoError(t, s.Update(ctx, func(tx pot.Tx) error {
		return tx.Transfer(ctx, pot.Transfer{From: a, To: b, Amount: 250, Signer: a, Memo: "deposit"})
	}))
	_ = s.Update(ctx, func(tx pot.Tx) error {
		_ = tx.Transfer(ctx, pot.Transfer{From: a, To: b, Amount: 1, Signer: a})
		return pot.ErrInvalidState
	})

	journal := s.Journal()
	require.Len(t, journal, 2)
	require.True(t, journal[0].From.IsZero())
	require.Equal(t, "airdrop", journal[0].Memo)
	require.Equal(t, a, journal[1].From)
	require.Equal(t, b, journal[1].To)
	require.Equal(t, uint64(250), journal[1].Amount)
	require.NotEmpty(t, journal[1].ID)
}
