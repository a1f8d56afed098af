// Package crank advances rounds without an operator: it closes rounds whose
// active window has elapsed, pays out or resets closed rounds, and
// optionally opens new rounds when it holds the authority key.
package crank

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"jackpot/internal/client"
	"jackpot/internal/metrics"
	"jackpot/internal/pot"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

const (
	ActionNone       = "none"
	ActionStart      = "start"
	ActionEnd        = "end"
	ActionReset      = "reset"
	ActionDistribute = "distribute"
)

// API is the subset of pot operations the keeper drives. client.Client
// implements it over HTTP and EngineAPI in-process.
type API interface {
	Status(ctx context.Context) (pot.Status, error)
	StartRound(ctx context.Context) (pot.Pot, error)
	EndRound(ctx context.Context) (pot.Pot, error)
	ResetIfNoWinner(ctx context.Context) (pot.RoundSummary, error)
	DistributeRewards(ctx context.Context, in pot.DistributeInput) (pot.RoundSummary, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	API      API
	Identity solana.PublicKey
	Interval time.Duration
	// StartRounds lets the keeper open rounds when Identity is the authority.
	StartRounds bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.API == nil {
		return errors.New("api is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return nil
}

type Crank struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Crank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Crank{log: cfg.Logger, cfg: cfg}, nil
}

// Run calls Step every interval until ctx is cancelled. Step failures are
// logged and retried on the next tick.
func (c *Crank) Run(ctx context.Context) error {
	ticker := c.cfg.Clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info("crank started", "interval", c.cfg.Interval.String(), "identity", c.cfg.Identity, "start_rounds", c.cfg.StartRounds)
	for {
		if _, err := c.Step(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("crank step failed", "error", err)
		}
		select {
		case <-ctx.Done():
			c.log.Info("crank stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// Step inspects the pot once and submits at most one transition.
func (c *Crank) Step(ctx context.Context) (string, error) {
	status, err := c.cfg.API.Status(ctx)
	if err != nil {
		if errorCode(err) == "NotInitialized" {
			return ActionNone, nil
		}
		return ActionNone, err
	}
	p := status.Pot

	switch p.State {
	case pot.StateInactive:
		if !c.cfg.StartRounds || !status.CanStart || !c.cfg.Identity.Equals(p.Authority) {
			return ActionNone, nil
		}
		_, err := c.cfg.API.StartRound(ctx)
		return c.record(ActionStart, p.Round+1, err)

	case pot.StateActive:
		if !status.CanEnd {
			return ActionNone, nil
		}
		_, err := c.cfg.API.EndRound(ctx)
		return c.record(ActionEnd, p.Round, err)

	case pot.StateCooldown:
		if p.SelectedWinner == nil && status.CanReset {
			_, err := c.cfg.API.ResetIfNoWinner(ctx)
			if errorCode(err) != "InvalidCallerAccount" {
				return c.record(ActionReset, p.Round, err)
			}
			// Reset is restricted to the authority here; the empty branch of
			// distribution concludes the round for anyone.
		}
		if !status.CanDistribute {
			return ActionNone, nil
		}
		in := pot.DistributeInput{
			Buyback: status.Buyback,
			Fee:     status.Fee,
		}
		if p.SelectedWinner != nil {
			in.Winner = *p.SelectedWinner
		}
		if p.RoundCloser != nil {
			in.Closer = *p.RoundCloser
		}
		_, err := c.cfg.API.DistributeRewards(ctx, in)
		return c.record(ActionDistribute, p.Round, err)
	}
	return ActionNone, nil
}

func (c *Crank) record(action string, round uint64, err error) (string, error) {
	if err != nil {
		code := errorCode(err)
		metrics.CrankActionsTotal.WithLabelValues(action, code).Inc()
		// Another keeper got there first.
		if code == "InvalidState" || code == "CooldownActive" || code == "DuplicateRequest" {
			c.log.Debug("crank action lost race", "action", action, "round", round, "code", code)
			return ActionNone, nil
		}
		return action, err
	}
	metrics.CrankActionsTotal.WithLabelValues(action, "ok").Inc()
	c.log.Info("crank action submitted", "action", action, "round", round)
	return action, nil
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := client.ErrorCode(err); code != "" {
		return code
	}
	return pot.Code(err)
}
