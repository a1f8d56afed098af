// Package postgres stores the pot, its deposit ledger, account balances and
// round history in PostgreSQL. Every Update runs in a serializable
// transaction and is retried on serialization failure.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jackpot/internal/db"
	"jackpot/internal/metrics"
	"jackpot/internal/pot"
	"jackpot/internal/store"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const maxAttempts = 8

type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, log: logger}
}

// Migrate brings the jackpot schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	sqlDB := db.SQLDB(s.pool)
	defer sqlDB.Close()
	return db.Migrate(ctx, s.log, sqlDB, "postgres", migrationsFS, "migrations")
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(pot.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *Store) View(ctx context.Context, fn func(pot.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(pot.Tx) error) error {
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pgTx, err := s.pool.BeginTx(ctx, opts)
		if err != nil {
			return err
		}
		err = func() error {
			defer pgTx.Rollback(ctx)

			t := &tx{
				tx:       pgTx,
				group:    uuid.NewString(),
				readOnly: opts.AccessMode == pgx.ReadOnly,
			}
			if err := fn(t); err != nil {
				return err
			}
			return pgTx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		metrics.StoreConflictsTotal.WithLabelValues("postgres").Inc()
		s.log.Debug("serialization conflict, retrying", "attempt", attempt+1)
		if attempt == maxAttempts-1 {
			return pot.ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return pot.ErrTxConflict
}

func (s *Store) Rounds(ctx context.Context, limit int) ([]pot.RoundSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round, outcome, random_seed, winner, closer, total_amount,
		       deposit_count, distributable, payouts, settled_at
		FROM jackpot.rounds
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]pot.RoundSummary, 0, limit)
	for rows.Next() {
		var (
			round, total, distributable int64
			seed                        []byte
			winner, closer              *string
			payouts                     []byte
			r                           pot.RoundSummary
		)
		if err := rows.Scan(&round, &r.Outcome, &seed, &winner, &closer, &total,
			&r.DepositCount, &distributable, &payouts, &r.SettledAt); err != nil {
			return nil, err
		}
		if r.RandomSeed, err = store.ParseNullSeed(seed); err != nil {
			return nil, err
		}
		if r.Winner, err = store.ParseNullKey(winner); err != nil {
			return nil, err
		}
		if r.Closer, err = store.ParseNullKey(closer); err != nil {
			return nil, err
		}
		if r.Round, err = store.FromInt64(round); err != nil {
			return nil, err
		}
		if r.TotalAmount, err = store.FromInt64(total); err != nil {
			return nil, err
		}
		if r.Distributable, err = store.FromInt64(distributable); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payouts, &r.Payouts); err != nil {
			return nil, fmt.Errorf("decode payouts: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Airdrop mints amount into account. Local development only.
func (s *Store) Airdrop(ctx context.Context, account solana.PublicKey, amount uint64) error {
	return s.Update(ctx, func(ptx pot.Tx) error {
		return ptx.(*tx).Mint(ctx, account, amount)
	})
}

type tx struct {
	tx       pgx.Tx
	group    string
	readOnly bool
	// deposits as read by LoadPot, so SavePot only writes what changed.
	loaded []pot.DepositRecord
}

var errReadOnly = errors.New("write in read-only transaction")

func (t *tx) LoadPot(ctx context.Context) (pot.Pot, error) {
	q := `
		SELECT address, bump, authority, round, round_state, last_transition,
		       total_amount, random_seed, selected_winner, round_closer
		FROM jackpot.pot
		WHERE id = 1
	`
	if !t.readOnly {
		q += " FOR UPDATE"
	}

	var (
		p                         pot.Pot
		address, authority, state string
		bump                      int16
		round, total              int64
		seed                      []byte
		winner, closer            *string
	)
	err := t.tx.QueryRow(ctx, q).Scan(&address, &bump, &authority, &round, &state,
		&p.LastTransition, &total, &seed, &winner, &closer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pot.Pot{}, pot.ErrNotInitialized
		}
		return pot.Pot{}, err
	}
	if p.Address, err = store.ParseKey(address); err != nil {
		return pot.Pot{}, err
	}
	if p.Authority, err = store.ParseKey(authority); err != nil {
		return pot.Pot{}, err
	}
	p.Bump = uint8(bump)
	p.State = pot.RoundState(state)
	if p.Round, err = store.FromInt64(round); err != nil {
		return pot.Pot{}, err
	}
	if p.TotalAmount, err = store.FromInt64(total); err != nil {
		return pot.Pot{}, err
	}
	if p.RandomSeed, err = store.ParseNullSeed(seed); err != nil {
		return pot.Pot{}, err
	}
	if p.SelectedWinner, err = store.ParseNullKey(winner); err != nil {
		return pot.Pot{}, err
	}
	if p.RoundCloser, err = store.ParseNullKey(closer); err != nil {
		return pot.Pot{}, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT depositor, amount, deposited_at
		FROM jackpot.deposits
		ORDER BY seq
	`)
	if err != nil {
		return pot.Pot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var depositor string
		var amount int64
		var d pot.DepositRecord
		if err := rows.Scan(&depositor, &amount, &d.Timestamp); err != nil {
			return pot.Pot{}, err
		}
		if d.Depositor, err = store.ParseKey(depositor); err != nil {
			return pot.Pot{}, err
		}
		if d.Amount, err = store.FromInt64(amount); err != nil {
			return pot.Pot{}, err
		}
		p.Deposits = append(p.Deposits, d)
	}
	if err := rows.Err(); err != nil {
		return pot.Pot{}, err
	}
	t.loaded = append([]pot.DepositRecord(nil), p.Deposits...)
	return p, nil
}

func (t *tx) SavePot(ctx context.Context, p pot.Pot) error {
	if t.readOnly {
		return errReadOnly
	}
	if !p.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", pot.ErrInvalidState, p.State)
	}
	round, err := store.ToInt64(p.Round)
	if err != nil {
		return err
	}
	total, err := store.ToInt64(p.TotalAmount)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO jackpot.pot (id, address, bump, authority, round, round_state,
		                         last_transition, total_amount, random_seed,
		                         selected_winner, round_closer, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			bump = EXCLUDED.bump,
			authority = EXCLUDED.authority,
			round = EXCLUDED.round,
			round_state = EXCLUDED.round_state,
			last_transition = EXCLUDED.last_transition,
			total_amount = EXCLUDED.total_amount,
			random_seed = EXCLUDED.random_seed,
			selected_winner = EXCLUDED.selected_winner,
			round_closer = EXCLUDED.round_closer,
			updated_at = now()
	`, p.Address.String(), int16(p.Bump), p.Authority.String(), round, string(p.State),
		p.LastTransition, total, store.NullSeed(p.RandomSeed),
		store.NullKey(p.SelectedWinner), store.NullKey(p.RoundCloser)); err != nil {
		return err
	}

	start := len(t.loaded)
	if !store.SamePrefix(t.loaded, p.Deposits) {
		if _, err := t.tx.Exec(ctx, `DELETE FROM jackpot.deposits`); err != nil {
			return err
		}
		start = 0
	}
	for i := start; i < len(p.Deposits); i++ {
		d := p.Deposits[i]
		amount, err := store.ToInt64(d.Amount)
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO jackpot.deposits (seq, depositor, amount, deposited_at)
			VALUES ($1, $2, $3, $4)
		`, i, d.Depositor.String(), amount, d.Timestamp); err != nil {
			return err
		}
	}
	t.loaded = append([]pot.DepositRecord(nil), p.Deposits...)
	return nil
}

func (t *tx) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var lamports int64
	err := t.tx.QueryRow(ctx, `
		SELECT lamports FROM jackpot.accounts WHERE address = $1
	`, account.String()).Scan(&lamports)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return store.FromInt64(lamports)
}

func (t *tx) Transfer(ctx context.Context, tr pot.Transfer) error {
	if t.readOnly {
		return errReadOnly
	}
	if err := tr.Validate(); err != nil {
		return err
	}
	amount, err := store.ToInt64(tr.Amount)
	if err != nil {
		return err
	}
	cmd, err := t.tx.Exec(ctx, `
		UPDATE jackpot.accounts
		SET lamports = lamports - $2, updated_at = now()
		WHERE address = $1 AND lamports >= $2
	`, tr.From.String(), amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		balance, err := t.Balance(ctx, tr.From)
		if err != nil {
			return err
		}
		_, err = pot.Debit(balance, tr.Amount)
		return err
	}
	if err := t.credit(ctx, tr.To, tr.Amount); err != nil {
		return err
	}
	from := tr.From
	return t.journal(ctx, &from, tr.To, tr.Amount, tr.Memo)
}

func (t *tx) credit(ctx context.Context, account solana.PublicKey, amount uint64) error {
	v, err := store.ToInt64(amount)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO jackpot.accounts (address, lamports, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (address) DO UPDATE
		SET lamports = jackpot.accounts.lamports + EXCLUDED.lamports, updated_at = now()
	`, account.String(), v)
	return err
}

func (t *tx) journal(ctx context.Context, from *solana.PublicKey, to solana.PublicKey, amount uint64, memo string) error {
	v, err := store.ToInt64(amount)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO jackpot.transfers (id, tx_group_id, from_addr, to_addr, amount, memo)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), t.group, store.NullKey(from), to.String(), v, memo)
	return err
}

func (t *tx) Mint(ctx context.Context, account solana.PublicKey, amount uint64) error {
	if t.readOnly {
		return errReadOnly
	}
	if err := t.credit(ctx, account, amount); err != nil {
		return err
	}
	return t.journal(ctx, nil, account, amount, "airdrop")
}

// ClaimKey drops the signer's expired keys, then inserts key. A conflicting
// live row leaves nothing inserted.
func (t *tx) ClaimKey(ctx context.Context, signer solana.PublicKey, key string, now, expiresAt int64) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM jackpot.request_keys WHERE signer = $1 AND expires_at <= $2
	`, signer.String(), now); err != nil {
		return err
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO jackpot.request_keys (signer, request_key, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (signer, request_key) DO NOTHING
	`, signer.String(), key, expiresAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pot.ErrDuplicateRequest
	}
	return nil
}

func (t *tx) RecordRound(ctx context.Context, s pot.RoundSummary) error {
	if t.readOnly {
		return errReadOnly
	}
	round, err := store.ToInt64(s.Round)
	if err != nil {
		return err
	}
	total, err := store.ToInt64(s.TotalAmount)
	if err != nil {
		return err
	}
	distributable, err := store.ToInt64(s.Distributable)
	if err != nil {
		return err
	}
	payouts := s.Payouts
	if payouts == nil {
		payouts = []pot.Payout{}
	}
	raw, err := json.Marshal(payouts)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO jackpot.rounds (round, outcome, random_seed, winner, closer, total_amount,
		                            deposit_count, distributable, payouts, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	`, round, s.Outcome, store.NullSeed(s.RandomSeed), store.NullKey(s.Winner), store.NullKey(s.Closer),
		total, s.DepositCount, distributable, string(raw), s.SettledAt)
	return err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
