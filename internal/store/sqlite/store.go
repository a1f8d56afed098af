// Package sqlite is a single-file pot store for local runs. All access goes
// through one connection, so Updates are naturally serialized.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"jackpot/internal/db"
	"jackpot/internal/pot"
	"jackpot/internal/store"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := db.Migrate(ctx, logger, sqlDB, "sqlite3", migrationsFS, "migrations"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &Store{db: sqlDB, log: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Update(ctx context.Context, fn func(pot.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(pot.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(pot.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	t := &tx{tx: sqlTx, group: uuid.NewString(), readOnly: readOnly}
	if err := fn(t); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Rounds(ctx context.Context, limit int) ([]pot.RoundSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round, outcome, random_seed, winner, closer, total_amount,
		       deposit_count, distributable, payouts, settled_at
		FROM rounds
		ORDER BY id DESC
		LIMIT ?
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
			winner, closer              sql.NullString
			payouts                     string
			r                           pot.RoundSummary
		)
		if err := rows.Scan(&round, &r.Outcome, &seed, &winner, &closer, &total,
			&r.DepositCount, &distributable, &payouts, &r.SettledAt); err != nil {
			return nil, err
		}
		if r.RandomSeed, err = store.ParseNullSeed(seed); err != nil {
			return nil, err
		}
		if r.Winner, err = store.ParseNullKey(nullString(winner)); err != nil {
			return nil, err
		}
		if r.Closer, err = store.ParseNullKey(nullString(closer)); err != nil {
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
		if err := json.Unmarshal([]byte(payouts), &r.Payouts); err != nil {
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
	tx       *sql.Tx
	group    string
	readOnly bool
	loaded   []pot.DepositRecord
}

var errReadOnly = errors.New("write in read-only transaction")

// seedArg binds a missing seed as NULL rather than an empty blob.
func seedArg(s *pot.Seed) any {
	if s == nil {
		return nil
	}
	return store.NullSeed(s)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func (t *tx) LoadPot(ctx context.Context) (pot.Pot, error) {
	var (
		p                         pot.Pot
		address, authority, state string
		bump                      int64
		round, total              int64
		seed                      []byte
		winner, closer            sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT address, bump, authority, round, round_state, last_transition,
		       total_amount, random_seed, selected_winner, round_closer
		FROM pot
		WHERE id = 1
	`).Scan(&address, &bump, &authority, &round, &state,
		&p.LastTransition, &total, &seed, &winner, &closer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if p.SelectedWinner, err = store.ParseNullKey(nullString(winner)); err != nil {
		return pot.Pot{}, err
	}
	if p.RoundCloser, err = store.ParseNullKey(nullString(closer)); err != nil {
		return pot.Pot{}, err
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT depositor, amount, deposited_at
		FROM deposits
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
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO pot (id, address, bump, authority, round, round_state,
		                 last_transition, total_amount, random_seed,
		                 selected_winner, round_closer, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			bump = excluded.bump,
			authority = excluded.authority,
			round = excluded.round,
			round_state = excluded.round_state,
			last_transition = excluded.last_transition,
			total_amount = excluded.total_amount,
			random_seed = excluded.random_seed,
			selected_winner = excluded.selected_winner,
			round_closer = excluded.round_closer,
			updated_at = CURRENT_TIMESTAMP
	`, p.Address.String(), int64(p.Bump), p.Authority.String(), round, string(p.State),
		p.LastTransition, total, seedArg(p.RandomSeed),
		store.NullKey(p.SelectedWinner), store.NullKey(p.RoundCloser)); err != nil {
		return err
	}

	start := len(t.loaded)
	if !store.SamePrefix(t.loaded, p.Deposits) {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM deposits`); err != nil {
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
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO deposits (seq, depositor, amount, deposited_at)
			VALUES (?, ?, ?, ?)
		`, i, d.Depositor.String(), amount, d.Timestamp); err != nil {
			return err
		}
	}
	t.loaded = append([]pot.DepositRecord(nil), p.Deposits...)
	return nil
}

func (t *tx) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var lamports int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT lamports FROM accounts WHERE address = ?
	`, account.String()).Scan(&lamports)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET lamports = lamports - ?, updated_at = CURRENT_TIMESTAMP
		WHERE address = ? AND lamports >= ?
	`, amount, tr.From.String(), amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	balance, err := t.Balance(ctx, account)
	if err != nil {
		return err
	}
	next, err := pot.Credit(balance, amount)
	if err != nil {
		return err
	}
	if _, err := store.ToInt64(next); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO accounts (address, lamports, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (address) DO UPDATE
		SET lamports = accounts.lamports + excluded.lamports, updated_at = CURRENT_TIMESTAMP
	`, account.String(), v)
	return err
}

func (t *tx) journal(ctx context.Context, from *solana.PublicKey, to solana.PublicKey, amount uint64, memo string) error {
	v, err := store.ToInt64(amount)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transfers (id, tx_group_id, from_addr, to_addr, amount, memo)
		VALUES (?, ?, ?, ?, ?, ?)
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
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM request_keys WHERE signer = ? AND expires_at <= ?
	`, signer.String(), now); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO request_keys (signer, request_key, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (signer, request_key) DO NOTHING
	`, signer.String(), key, expiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO rounds (round, outcome, random_seed, winner, closer, total_amount,
		                    deposit_count, distributable, payouts, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, round, s.Outcome, seedArg(s.RandomSeed), store.NullKey(s.Winner), store.NullKey(s.Closer),
		total, s.DepositCount, distributable, string(raw), s.SettledAt)
	return err
}
