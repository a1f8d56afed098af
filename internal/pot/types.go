package pot

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

type RoundState string

const (
	StateInactive RoundState = "inactive"
	StateActive   RoundState = "active"
	StateCooldown RoundState = "cooldown"
)

func (s RoundState) Valid() bool {
	switch s {
	case StateInactive, StateActive, StateCooldown:
		return true
	default:
		return false
	}
}

// Seed is the SHA-256 digest recorded when a round is closed.
type Seed [32]byte

func (s Seed) String() string {
	return base58.Encode(s[:])
}

func (s Seed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Seed) UnmarshalText(text []byte) error {
	raw, err := base58.Decode(string(text))
	if err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != len(s) {
		return fmt.Errorf("seed must be %d bytes, got %d", len(s), len(raw))
	}
	copy(s[:], raw)
	return nil
}

type DepositRecord struct {
	Depositor solana.PublicKey `json:"depositor"`
	Amount    uint64           `json:"amount"`
	Timestamp int64            `json:"timestamp"`
}

// Pot is the singleton round record. Timestamps are unix seconds.
type Pot struct {
	Address        solana.PublicKey  `json:"address"`
	Bump           uint8             `json:"bump"`
	Authority      solana.PublicKey  `json:"authority"`
	Round          uint64            `json:"round"`
	State          RoundState        `json:"state"`
	LastTransition int64             `json:"last_transition"`
	TotalAmount    uint64            `json:"total_amount"`
	Deposits       []DepositRecord   `json:"deposits"`
	RandomSeed     *Seed             `json:"random_seed,omitempty"`
	SelectedWinner *solana.PublicKey `json:"selected_winner,omitempty"`
	RoundCloser    *solana.PublicKey `json:"round_closer,omitempty"`
}

// Clone returns a deep copy so a store can hand out a pot without sharing
// the deposit slice or optional fields.
func (p Pot) Clone() Pot {
	out := p
	if p.Deposits != nil {
		out.Deposits = make([]DepositRecord, len(p.Deposits))
		copy(out.Deposits, p.Deposits)
	}
	if p.RandomSeed != nil {
		seed := *p.RandomSeed
		out.RandomSeed = &seed
	}
	if p.SelectedWinner != nil {
		w := *p.SelectedWinner
		out.SelectedWinner = &w
	}
	if p.RoundCloser != nil {
		c := *p.RoundCloser
		out.RoundCloser = &c
	}
	return out
}

// DepositSum recomputes the running total from the ledger.
func (p Pot) DepositSum() uint64 {
	var sum uint64
	for _, d := range p.Deposits {
		sum += d.Amount
	}
	return sum
}

func (p *Pot) clearRound(now int64) {
	p.Deposits = nil
	p.TotalAmount = 0
	p.RandomSeed = nil
	p.SelectedWinner = nil
	p.RoundCloser = nil
	p.State = StateInactive
	p.LastTransition = now
}

// Transfer moves lamports between accounts. Signer must control From.
type Transfer struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64
	Signer solana.PublicKey
	Memo   string
}

func (t Transfer) Validate() error {
	if !t.Signer.Equals(t.From) {
		return fmt.Errorf("%w: signer %s, source %s", ErrUnauthorizedTransfer, t.Signer, t.From)
	}
	if t.Amount == 0 {
		return fmt.Errorf("%w: zero transfer", ErrInvalidAmount)
	}
	return nil
}

// Debit checks that balance covers amount and returns the new balance.
func Debit(balance, amount uint64) (uint64, error) {
	if balance < amount {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amount)
	}
	return balance - amount, nil
}

// Credit adds amount to balance, rejecting overflow.
func Credit(balance, amount uint64) (uint64, error) {
	return addAmount(balance, amount)
}

const (
	OutcomeDistributed = "distributed"
	OutcomeNoWinner    = "no_winner"

	RoleWinner  = "winner"
	RoleBuyback = "buyback"
	RoleFee     = "fee"
	RoleCloser  = "closer"
)

type Payout struct {
	Role      string           `json:"role"`
	Recipient solana.PublicKey `json:"recipient"`
	Amount    uint64           `json:"amount"`
}

// RoundSummary is the history entry written when a round concludes.
type RoundSummary struct {
	Round         uint64            `json:"round"`
	Outcome       string            `json:"outcome"`
	RandomSeed    *Seed             `json:"random_seed,omitempty"`
	Winner        *solana.PublicKey `json:"winner,omitempty"`
	Closer        *solana.PublicKey `json:"closer,omitempty"`
	TotalAmount   uint64            `json:"total_amount"`
	DepositCount  int               `json:"deposit_count"`
	Distributable uint64            `json:"distributable"`
	Payouts       []Payout          `json:"payouts"`
	SettledAt     int64             `json:"settled_at"`
}

// DistributeInput carries the recipient identities the caller asserts.
type DistributeInput struct {
	Winner  solana.PublicKey `json:"winner"`
	Buyback solana.PublicKey `json:"buyback"`
	Fee     solana.PublicKey `json:"fee"`
	Closer  solana.PublicKey `json:"closer"`
}

// Status is a read-only snapshot of the pot with derived deadlines.
type Status struct {
	Pot            Pot              `json:"pot"`
	Balance        uint64           `json:"balance"`
	Floor          uint64           `json:"floor"`
	Now            int64            `json:"now"`
	ActiveEndsAt   int64            `json:"active_ends_at,omitempty"`
	CooldownEndsAt int64            `json:"cooldown_ends_at,omitempty"`
	CanStart       bool             `json:"can_start"`
	CanEnd         bool             `json:"can_end"`
	CanDistribute  bool             `json:"can_distribute"`
	CanReset       bool             `json:"can_reset"`
	MinDeposit     uint64           `json:"min_deposit"`
	Buyback        solana.PublicKey `json:"buyback"`
	Fee            solana.PublicKey `json:"fee"`
	Split          Split            `json:"split"`
}
