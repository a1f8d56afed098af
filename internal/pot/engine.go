package pot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jackpot/internal/metrics"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// ProgramID owns the pot address, derived from PotSeed.
	ProgramID solana.PublicKey
	// Authority, when set, is the only key allowed to initialize the pot.
	Authority solana.PublicKey
	Buyback   solana.PublicKey
	Fee       solana.PublicKey

	ActiveDuration   time.Duration
	CooldownDuration time.Duration
	MinDeposit       uint64
	AccountSize      uint64
	// RentSafetyMargin is added on top of rent exemption. Zero selects
	// DefaultRentSafetyMargin; the reserve floor always carries a margin.
	RentSafetyMargin uint64
	Split            Split

	ResetRequiresAuthority bool
	Seeder                 Seeder
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Buyback.IsZero() {
		return errors.New("buyback address is required")
	}
	if cfg.Fee.IsZero() {
		return errors.New("fee address is required")
	}
	if cfg.ActiveDuration == 0 {
		cfg.ActiveDuration = DefaultActiveDuration
	}
	if cfg.CooldownDuration == 0 {
		cfg.CooldownDuration = DefaultCooldownDuration
	}
	if cfg.ActiveDuration < time.Second || cfg.CooldownDuration < 0 {
		return errors.New("active duration must be >= 1s and cooldown duration >= 0")
	}
	if cfg.MinDeposit == 0 {
		cfg.MinDeposit = DefaultMinDeposit
	}
	if cfg.AccountSize == 0 {
		cfg.AccountSize = DefaultAccountSize
	}
	if cfg.RentSafetyMargin == 0 {
		cfg.RentSafetyMargin = DefaultRentSafetyMargin
	}
	if cfg.Split == (Split{}) {
		cfg.Split = DefaultSplit()
	}
	if err := cfg.Split.Validate(); err != nil {
		return err
	}
	if cfg.Seeder == nil {
		cfg.Seeder = DeterministicSeeder{}
	}
	return nil
}

// Engine runs the round state machine. Each exported operation is a single
// Store.Update: it either applies every effect or none.
type Engine struct {
	log     *slog.Logger
	cfg     Config
	store   Store
	address solana.PublicKey
	bump    uint8
}

func NewEngine(cfg Config, store Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	address, bump, err := solana.FindProgramAddress([][]byte{PotSeed}, cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive pot address: %w", err)
	}
	return &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   store,
		address: address,
		bump:    bump,
	}, nil
}

func (e *Engine) Address() solana.PublicKey { return e.address }

func (e *Engine) Config() Config { return e.cfg }

// Floor is the balance the pot account must keep: rent exemption plus the
// configured safety margin.
func (e *Engine) Floor() uint64 {
	return RentExemptMinimum(e.cfg.AccountSize) + e.cfg.RentSafetyMargin
}

func (e *Engine) now() int64 {
	return e.cfg.Clock.Now().Unix()
}

// update runs fn in one Store.Update. For a signed request the signature is
// burned in its own committed transaction first, so the same signed bytes
// never run twice even when the operation fails. The idempotency key is
// claimed inside the operation's transaction and rolls back with it.
func (e *Engine) update(ctx context.Context, op string, fn func(tx Tx, now int64) error) error {
	start := time.Now()
	now := e.now()
	err := e.runSigned(ctx, now, fn)
	metrics.RecordOperation(op, Code(err), time.Since(start))
	return err
}

func (e *Engine) runSigned(ctx context.Context, now int64, fn func(tx Tx, now int64) error) error {
	req, signed := SignedRequestFrom(ctx)
	if signed {
		err := e.store.Update(ctx, func(tx Tx) error {
			return tx.ClaimKey(ctx, req.Signer, signatureKeyPrefix+req.Signature.String(), now, req.SignatureExpiresAt)
		})
		if err != nil {
			return err
		}
	}
	return e.store.Update(ctx, func(tx Tx) error {
		if signed {
			expires := now + int64(IdempotencyWindow/time.Second)
			if err := tx.ClaimKey(ctx, req.Signer, requestKeyPrefix+req.IdempotencyKey, now, expires); err != nil {
				return err
			}
		}
		return fn(tx, now)
	})
}

func elapsed(now, since int64, d time.Duration) bool {
	return now-since >= int64(d/time.Second)
}

// Initialize creates the pot in Inactive state and funds its rent-exempt
// reserve from authority.
func (e *Engine) Initialize(ctx context.Context, authority solana.PublicKey) (Pot, error) {
	var out Pot
	err := e.update(ctx, "initialize", func(tx Tx, now int64) error {
		if authority.IsZero() {
			return fmt.Errorf("%w: authority is required", ErrInvalidCallerAccount)
		}
		if !e.cfg.Authority.IsZero() && !authority.Equals(e.cfg.Authority) {
			return fmt.Errorf("%w: %s is not the configured authority", ErrInvalidCallerAccount, authority)
		}
		_, err := tx.LoadPot(ctx)
		if err == nil {
			return ErrAlreadyInitialized
		}
		if !errors.Is(err, ErrNotInitialized) {
			return err
		}

		rent := RentExemptMinimum(e.cfg.AccountSize)
		balance, err := tx.Balance(ctx, e.address)
		if err != nil {
			return err
		}
		if balance < rent {
			if err := tx.Transfer(ctx, Transfer{
				From:   authority,
				To:     e.address,
				Amount: rent - balance,
				Signer: authority,
				Memo:   "initialize",
			}); err != nil {
				return fmt.Errorf("fund pot reserve: %w", err)
			}
		}

		out = Pot{
			Address:        e.address,
			Bump:           e.bump,
			Authority:      authority,
			State:          StateInactive,
			LastTransition: now,
		}
		return tx.SavePot(ctx, out)
	})
	if err != nil {
		return Pot{}, err
	}
	e.log.Info("pot initialized", "address", out.Address, "authority", out.Authority, "bump", out.Bump)
	return out, nil
}

// StartRound opens a new round. Only the authority may call it, from
// Inactive, once the cooldown has elapsed since the last round concluded.
func (e *Engine) StartRound(ctx context.Context, caller solana.PublicKey) (Pot, error) {
	var out Pot
	err := e.update(ctx, "start_round", func(tx Tx, now int64) error {
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		if !caller.Equals(p.Authority) {
			return fmt.Errorf("%w: %s is not the pot authority", ErrInvalidCallerAccount, caller)
		}
		if p.State != StateInactive {
			return fmt.Errorf("%w: start requires %s, pot is %s", ErrInvalidState, StateInactive, p.State)
		}
		if !elapsed(now, p.LastTransition, e.cfg.CooldownDuration) {
			return fmt.Errorf("%w: cooldown ends at %d", ErrCooldownActive, p.LastTransition+int64(e.cfg.CooldownDuration/time.Second))
		}
		p.State = StateActive
		p.LastTransition = now
		p.Round++
		out = p
		return tx.SavePot(ctx, p)
	})
	if err != nil {
		return Pot{}, err
	}
	e.log.Info("round started", "round", out.Round, "at", out.LastTransition)
	return out, nil
}

// Deposit moves amount from caller into the pot and appends it to the
// ledger. The record is only written once the transfer has succeeded.
func (e *Engine) Deposit(ctx context.Context, caller solana.PublicKey, amount uint64) (DepositRecord, error) {
	var out DepositRecord
	var round uint64
	err := e.update(ctx, "deposit", func(tx Tx, now int64) error {
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		if p.State != StateActive {
			return ErrGameInactive
		}
		if amount < e.cfg.MinDeposit {
			return fmt.Errorf("%w: %d < %d lamports", ErrMinDeposit, amount, e.cfg.MinDeposit)
		}
		total, err := addAmount(p.TotalAmount, amount)
		if err != nil {
			return err
		}
		if err := tx.Transfer(ctx, Transfer{
			From:   caller,
			To:     p.Address,
			Amount: amount,
			Signer: caller,
			Memo:   "deposit",
		}); err != nil {
			return err
		}
		out = DepositRecord{
			Depositor: caller,
			Amount:    amount,
			Timestamp: now,
		}
		p.Deposits = append(p.Deposits, out)
		p.TotalAmount = total
		round = p.Round
		return tx.SavePot(ctx, p)
	})
	if err != nil {
		return DepositRecord{}, err
	}
	metrics.DepositedLamportsTotal.Add(float64(amount))
	e.log.Info("deposit accepted", "round", round, "depositor", caller, "amount", amount)
	return out, nil
}

// EndRound closes the active round, derives the seed and winner, and records
// caller as the closer. Anyone may call it once the active window elapsed.
func (e *Engine) EndRound(ctx context.Context, caller solana.PublicKey) (Pot, error) {
	var out Pot
	err := e.update(ctx, "end_round", func(tx Tx, now int64) error {
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		if caller.IsZero() {
			return fmt.Errorf("%w: caller is required", ErrInvalidCallerAccount)
		}
		if p.State != StateActive {
			return fmt.Errorf("%w: end requires %s, pot is %s", ErrInvalidState, StateActive, p.State)
		}
		if !elapsed(now, p.LastTransition, e.cfg.ActiveDuration) {
			return fmt.Errorf("%w: active window ends at %d", ErrCooldownActive, p.LastTransition+int64(e.cfg.ActiveDuration/time.Second))
		}

		seed := e.cfg.Seeder.Seed(SeedInput{
			PotAddress:  p.Address,
			Timestamp:   now,
			TotalAmount: p.TotalAmount,
			Bump:        p.Bump,
		})
		p.RandomSeed = &seed
		p.SelectedWinner = nil
		if p.TotalAmount > 0 {
			if idx, ok := WinnerIndex(seed, len(p.Deposits)); ok {
				winner := p.Deposits[idx].Depositor
				p.SelectedWinner = &winner
			}
		}
		closer := caller
		p.RoundCloser = &closer
		p.State = StateCooldown
		p.LastTransition = now
		out = p
		return tx.SavePot(ctx, p)
	})
	if err != nil {
		return Pot{}, err
	}
	e.log.Info("round ended", "round", out.Round, "closer", caller, "deposits", len(out.Deposits), "total", out.TotalAmount, "has_winner", out.SelectedWinner != nil)
	e.log.Debug("round seed", "round", out.Round, "seed", out.RandomSeed)
	return out, nil
}

// ResetIfNoWinner returns a closed round that produced no winner to
// Inactive without touching any payout path.
func (e *Engine) ResetIfNoWinner(ctx context.Context, caller solana.PublicKey) (RoundSummary, error) {
	var out RoundSummary
	err := e.update(ctx, "reset_if_no_winner", func(tx Tx, now int64) error {
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		if e.cfg.ResetRequiresAuthority && !caller.Equals(p.Authority) {
			return fmt.Errorf("%w: %s is not the pot authority", ErrInvalidCallerAccount, caller)
		}
		if p.State != StateCooldown {
			return fmt.Errorf("%w: reset requires %s, pot is %s", ErrInvalidState, StateCooldown, p.State)
		}
		if p.SelectedWinner != nil {
			return fmt.Errorf("%w: round has a winner, distribute instead", ErrInvalidWinnerAccount)
		}
		if len(p.Deposits) > 0 || p.TotalAmount != 0 {
			return fmt.Errorf("%w: %d deposits totalling %d", ErrPotNotEmpty, len(p.Deposits), p.TotalAmount)
		}
		out = noWinnerSummary(p, now)
		if err := tx.RecordRound(ctx, out); err != nil {
			return err
		}
		p.clearRound(now)
		return tx.SavePot(ctx, p)
	})
	if err != nil {
		return RoundSummary{}, err
	}
	metrics.RoundsSettledTotal.WithLabelValues(out.Outcome).Inc()
	e.log.Info("round reset without winner", "round", out.Round)
	return out, nil
}

// DistributeRewards pays out a closed round and resets the pot. Anyone may
// call it, but every asserted recipient must match the recorded or
// configured identity. A round without winner takes the empty branch and
// resets without transfers.
func (e *Engine) DistributeRewards(ctx context.Context, in DistributeInput) (RoundSummary, error) {
	var out RoundSummary
	err := e.update(ctx, "distribute_rewards", func(tx Tx, now int64) error {
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		if p.State != StateCooldown {
			return fmt.Errorf("%w: distribute requires %s, pot is %s", ErrInvalidState, StateCooldown, p.State)
		}
		if p.RandomSeed == nil {
			return ErrRandomnessNotAvailable
		}

		if p.TotalAmount == 0 || len(p.Deposits) == 0 || p.SelectedWinner == nil {
			out = noWinnerSummary(p, now)
			if err := tx.RecordRound(ctx, out); err != nil {
				return err
			}
			p.clearRound(now)
			return tx.SavePot(ctx, p)
		}

		if !in.Winner.Equals(*p.SelectedWinner) {
			return fmt.Errorf("%w: got %s", ErrInvalidWinnerAccount, in.Winner)
		}
		if p.RoundCloser == nil || !in.Closer.Equals(*p.RoundCloser) {
			return fmt.Errorf("%w: closer %s does not match the round closer", ErrInvalidCallerAccount, in.Closer)
		}
		if !in.Buyback.Equals(e.cfg.Buyback) {
			return fmt.Errorf("%w: got %s", ErrInvalidBuybackAccount, in.Buyback)
		}
		if !in.Fee.Equals(e.cfg.Fee) {
			return fmt.Errorf("%w: got %s", ErrInvalidFeeAccount, in.Fee)
		}

		distributable, err := Distributable(p.TotalAmount, e.Floor())
		if err != nil {
			return err
		}
		shares := e.cfg.Split.Apply(distributable)
		payouts := []Payout{
			{Role: RoleWinner, Recipient: *p.SelectedWinner, Amount: shares.Winner},
			{Role: RoleBuyback, Recipient: e.cfg.Buyback, Amount: shares.Buyback},
			{Role: RoleFee, Recipient: e.cfg.Fee, Amount: shares.Fee},
			{Role: RoleCloser, Recipient: *p.RoundCloser, Amount: shares.Closer},
		}
		for _, po := range payouts {
			if po.Amount == 0 {
				continue
			}
			if err := tx.Transfer(ctx, Transfer{
				From:   p.Address,
				To:     po.Recipient,
				Amount: po.Amount,
				Signer: p.Address,
				Memo:   "payout:" + po.Role,
			}); err != nil {
				return fmt.Errorf("pay %s: %w", po.Role, err)
			}
		}

		out = RoundSummary{
			Round:         p.Round,
			Outcome:       OutcomeDistributed,
			RandomSeed:    p.RandomSeed,
			Winner:        p.SelectedWinner,
			Closer:        p.RoundCloser,
			TotalAmount:   p.TotalAmount,
			DepositCount:  len(p.Deposits),
			Distributable: distributable,
			Payouts:       payouts,
			SettledAt:     now,
		}
		if err := tx.RecordRound(ctx, out); err != nil {
			return err
		}
		p.clearRound(now)
		return tx.SavePot(ctx, p)
	})
	if err != nil {
		return RoundSummary{}, err
	}
	for _, po := range out.Payouts {
		metrics.PaidOutLamportsTotal.WithLabelValues(po.Role).Add(float64(po.Amount))
	}
	metrics.RoundsSettledTotal.WithLabelValues(out.Outcome).Inc()
	if out.Outcome == OutcomeDistributed {
		e.log.Info("rewards distributed", "round", out.Round, "winner", out.Winner, "total", out.TotalAmount, "distributable", out.Distributable)
	} else {
		e.log.Info("round concluded without winner", "round", out.Round)
	}
	return out, nil
}

// AdminWithdraw drains the pot balance above the floor to the fee address
// and clears the deposit ledger. The seed, winner and closer are left as
// they are; a Cooldown round drained this way concludes through the empty
// branch of DistributeRewards.
func (e *Engine) AdminWithdraw(ctx context.Context, caller solana.PublicKey) (uint64, error) {
	var withdrawn uint64
	err := e.update(ctx, "admin_withdraw", func(tx Tx, now int64) error {
		withdrawn = 0
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		if !caller.Equals(p.Authority) {
			return fmt.Errorf("%w: %s is not the pot authority", ErrInvalidCallerAccount, caller)
		}
		if p.State == StateActive {
			return ErrCannotWithdrawDuringActive
		}
		balance, err := tx.Balance(ctx, p.Address)
		if err != nil {
			return err
		}
		if floor := e.Floor(); balance > floor {
			withdrawn = balance - floor
			if err := tx.Transfer(ctx, Transfer{
				From:   p.Address,
				To:     e.cfg.Fee,
				Amount: withdrawn,
				Signer: p.Address,
				Memo:   "admin_withdraw",
			}); err != nil {
				return err
			}
		}
		p.Deposits = nil
		p.TotalAmount = 0
		return tx.SavePot(ctx, p)
	})
	if err != nil {
		return 0, err
	}
	metrics.WithdrawnLamportsTotal.Add(float64(withdrawn))
	e.log.Info("admin withdrawal", "caller", caller, "amount", withdrawn)
	return withdrawn, nil
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	out := Status{
		Floor:      e.Floor(),
		MinDeposit: e.cfg.MinDeposit,
		Buyback:    e.cfg.Buyback,
		Fee:        e.cfg.Fee,
		Split:      e.cfg.Split,
		Now:        e.now(),
	}
	err := e.store.View(ctx, func(tx Tx) error {
		p, err := tx.LoadPot(ctx)
		if err != nil {
			return err
		}
		balance, err := tx.Balance(ctx, p.Address)
		if err != nil {
			return err
		}
		out.Pot = p
		out.Balance = balance
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	p := out.Pot
	switch p.State {
	case StateInactive:
		out.CooldownEndsAt = p.LastTransition + int64(e.cfg.CooldownDuration/time.Second)
		out.CanStart = out.Now >= out.CooldownEndsAt
	case StateActive:
		out.ActiveEndsAt = p.LastTransition + int64(e.cfg.ActiveDuration/time.Second)
		out.CanEnd = out.Now >= out.ActiveEndsAt
	case StateCooldown:
		out.CanDistribute = p.RandomSeed != nil
		out.CanReset = p.SelectedWinner == nil && len(p.Deposits) == 0 && p.TotalAmount == 0
	}
	return out, nil
}

func (e *Engine) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var out uint64
	err := e.store.View(ctx, func(tx Tx) error {
		b, err := tx.Balance(ctx, account)
		out = b
		return err
	})
	return out, err
}

func (e *Engine) Rounds(ctx context.Context, limit int) ([]RoundSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.store.Rounds(ctx, limit)
}

// Airdrop credits account when the store supports minting.
func (e *Engine) Airdrop(ctx context.Context, account solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero airdrop", ErrInvalidAmount)
	}
	err := e.update(ctx, "airdrop", func(tx Tx, _ int64) error {
		m, ok := tx.(Minter)
		if !ok {
			return errors.New("store does not support airdrops")
		}
		return m.Mint(ctx, account, amount)
	})
	if err != nil {
		return err
	}
	e.log.Info("airdrop", "account", account, "amount", amount)
	return nil
}

func noWinnerSummary(p Pot, now int64) RoundSummary {
	return RoundSummary{
		Round:        p.Round,
		Outcome:      OutcomeNoWinner,
		RandomSeed:   p.RandomSeed,
		Closer:       p.RoundCloser,
		TotalAmount:  p.TotalAmount,
		DepositCount: len(p.Deposits),
		Payouts:      []Payout{},
		SettledAt:    now,
	}
}
