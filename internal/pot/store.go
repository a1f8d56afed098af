package pot

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Tx is one atomic unit of work over the pot record and the account ledger.
// Nothing written through a Tx is visible to others until the enclosing
// Update returns nil.
type Tx interface {
	// LoadPot returns ErrNotInitialized when the pot has not been created.
	LoadPot(ctx context.Context) (Pot, error)
	SavePot(ctx context.Context, p Pot) error
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	// Transfer fails with ErrUnauthorizedTransfer or ErrInsufficientBalance
	// without moving anything.
	Transfer(ctx context.Context, t Transfer) error
	RecordRound(ctx context.Context, s RoundSummary) error
	// ClaimKey records key for signer until expiresAt. It fails with
	// ErrDuplicateRequest while an earlier claim is still live at now.
	ClaimKey(ctx context.Context, signer solana.PublicKey, key string, now, expiresAt int64) error
}

// Store admits at most one Update at a time. An Update whose fn returns an
// error leaves every record unchanged.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Rounds(ctx context.Context, limit int) ([]RoundSummary, error)
	Close() error
}

// Faucet is implemented by stores that can mint lamports for local testing.
type Faucet interface {
	Airdrop(ctx context.Context, account solana.PublicKey, amount uint64) error
}

// Minter is implemented by transactions of stores that support Faucet.
type Minter interface {
	Mint(ctx context.Context, account solana.PublicKey, amount uint64) error
}
