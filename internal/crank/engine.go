package crank

import (
	"context"

	"jackpot/internal/pot"

	"github.com/gagliardetto/solana-go"
)

// EngineAPI drives an in-process engine as Identity, for running the keeper
// inside the API binary.
type EngineAPI struct {
	Engine   *pot.Engine
	Identity solana.PublicKey
}

func (e EngineAPI) Status(ctx context.Context) (pot.Status, error) {
	return e.Engine.Status(ctx)
}

func (e EngineAPI) StartRound(ctx context.Context) (pot.Pot, error) {
	return e.Engine.StartRound(ctx, e.Identity)
}

func (e EngineAPI) EndRound(ctx context.Context) (pot.Pot, error) {
	return e.Engine.EndRound(ctx, e.Identity)
}

func (e EngineAPI) ResetIfNoWinner(ctx context.Context) (pot.RoundSummary, error) {
	return e.Engine.ResetIfNoWinner(ctx, e.Identity)
}

func (e EngineAPI) DistributeRewards(ctx context.Context, in pot.DistributeInput) (pot.RoundSummary, error) {
	return e.Engine.DistributeRewards(ctx, in)
}
