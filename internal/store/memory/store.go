// Package memory is an in-process pot store. Updates run one at a time under
// a mutex against private copies that are committed only on success.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"jackpot/internal/pot"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var errReadOnly = errors.New("write in read-only transaction")

// Entry is one line of the transfer journal. From is zero for airdrops.
type Entry struct {
	ID      string
	From    solana.PublicKey
	To      solana.PublicKey
	Amount  uint64
	Memo    string
	Created time.Time
}

type Store struct {
	mu       sync.Mutex
	pot      *pot.Pot
	balances map[solana.PublicKey]uint64
	journal  []Entry
	rounds   []pot.RoundSummary
	keys     map[requestKey]int64
}

type requestKey struct {
	signer solana.PublicKey
	key    string
}

func New() *Store {
	return &Store{
		balances: make(map[solana.PublicKey]uint64),
		keys:     make(map[requestKey]int64),
	}
}

type tx struct {
	store    *Store
	readOnly bool
	pot      *pot.Pot
	balances map[solana.PublicKey]uint64
	journal  []Entry
	rounds   []pot.RoundSummary
	keys     map[requestKey]int64
	expired  map[solana.PublicKey]int64
}

func (s *Store) Update(ctx context.Context, fn func(pot.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		store:    s,
		balances: make(map[solana.PublicKey]uint64),
		keys:     make(map[requestKey]int64),
		expired:  make(map[solana.PublicKey]int64),
	}
	if s.pot != nil {
		p := s.pot.Clone()
		t.pot = &p
	}
	if err := fn(t); err != nil {
		return err
	}

	s.pot = t.pot
	for k, v := range t.balances {
		s.balances[k] = v
	}
	s.journal = append(s.journal, t.journal...)
	s.rounds = append(s.rounds, t.rounds...)
	if len(t.expired) > 0 {
		for k, exp := range s.keys {
			if now, ok := t.expired[k.signer]; ok && exp <= now {
				delete(s.keys, k)
			}
		}
	}
	for k, v := range t.keys {
		s.keys[k] = v
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(pot.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, readOnly: true}
	if s.pot != nil {
		p := s.pot.Clone()
		t.pot = &p
	}
	return fn(t)
}

func (s *Store) Rounds(_ context.Context, limit int) ([]pot.RoundSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pot.RoundSummary, 0, limit)
	for i := len(s.rounds) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.rounds[i])
	}
	return out, nil
}

func (s *Store) Airdrop(ctx context.Context, account solana.PublicKey, amount uint64) error {
	return s.Update(ctx, func(ptx pot.Tx) error {
		return ptx.(*tx).Mint(ctx, account, amount)
	})
}

// Journal returns a copy of every committed transfer, oldest first.
func (s *Store) Journal() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.journal))
	copy(out, s.journal)
	return out
}

func (s *Store) Close() error { return nil }

func (t *tx) LoadPot(_ context.Context) (pot.Pot, error) {
	if t.pot == nil {
		return pot.Pot{}, pot.ErrNotInitialized
	}
	return t.pot.Clone(), nil
}

func (t *tx) SavePot(_ context.Context, p pot.Pot) error {
	if t.readOnly {
		return errReadOnly
	}
	c := p.Clone()
	t.pot = &c
	return nil
}

func (t *tx) Balance(_ context.Context, account solana.PublicKey) (uint64, error) {
	if v, ok := t.balances[account]; ok {
		return v, nil
	}
	return t.store.balances[account], nil
}

func (t *tx) Transfer(ctx context.Context, tr pot.Transfer) error {
	if t.readOnly {
		return errReadOnly
	}
	if err := tr.Validate(); err != nil {
		return err
	}
	from, err := t.Balance(ctx, tr.From)
	if err != nil {
		return err
	}
	from, err = pot.Debit(from, tr.Amount)
	if err != nil {
		return err
	}
	t.balances[tr.From] = from

	to, err := t.Balance(ctx, tr.To)
	if err != nil {
		return err
	}
	to, err = pot.Credit(to, tr.Amount)
	if err != nil {
		return err
	}
	t.balances[tr.To] = to

	t.journal = append(t.journal, Entry{
		ID:      uuid.NewString(),
		From:    tr.From,
		To:      tr.To,
		Amount:  tr.Amount,
		Memo:    tr.Memo,
		Created: time.Now().UTC(),
	})
	return nil
}

func (t *tx) RecordRound(_ context.Context, s pot.RoundSummary) error {
	if t.readOnly {
		return errReadOnly
	}
	t.rounds = append(t.rounds, s)
	return nil
}

func (t *tx) Mint(ctx context.Context, account solana.PublicKey, amount uint64) error {
	if t.readOnly {
		return errReadOnly
	}
	bal, err := t.Balance(ctx, account)
	if err != nil {
		return err
	}
	next, err := pot.Credit(bal, amount)
	if err != nil {
		return err
	}
	t.balances[account] = next
	t.journal = append(t.journal, Entry{
		ID:      uuid.NewString(),
		To:      account,
		Amount:  amount,
		Memo:    "airdrop",
		Created: time.Now().UTC(),
	})
	return nil
}

func (t *tx) ClaimKey(_ context.Context, signer solana.PublicKey, key string, now, expiresAt int64) error {
	if t.readOnly {
		return errReadOnly
	}
	k := requestKey{signer: signer, key: key}
	exp, ok := t.keys[k]
	if !ok {
		exp, ok = t.store.keys[k]
	}
	if ok && exp > now {
		return pot.ErrDuplicateRequest
	}
	t.keys[k] = expiresAt
	t.expired[signer] = now
	return nil
}
