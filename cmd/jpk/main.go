package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"jackpot/internal/client"
	"jackpot/internal/config"
	"jackpot/internal/pot"
	"jackpot/internal/wallet"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type options struct {
	apiBase string
	keypair string
}

func main() {
	config.LoadDotEnv()
	cfg := config.LoadCLIFromEnv()
	opts := &options{apiBase: cfg.APIBaseURL, keypair: cfg.KeypairPath}
	if opts.keypair == "" {
		opts.keypair = wallet.DefaultKeypairPath()
	}

	root := &cobra.Command{
		Use:          "jpk",
		Short:        "Jackpot pot CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.apiBase, "api", opts.apiBase, "jackpot API base URL")
	root.PersistentFlags().StringVarP(&opts.keypair, "keypair", "k", opts.keypair, "solana keygen keypair file")

	root.AddCommand(
		newKeygenCmd(opts),
		newAddressCmd(opts),
		newStatusCmd(opts),
		newRoundsCmd(opts),
		newBalanceCmd(opts),
		newInitCmd(opts),
		newStartCmd(opts),
		newDepositCmd(opts),
		newEndCmd(opts),
		newResetCmd(opts),
		newDistributeCmd(opts),
		newWithdrawCmd(opts),
		newAirdropCmd(opts),
	)

	if err := root.Execute(); err != nil {
		printError(fmt.Sprintf("error: %v", err))
		os.Exit(1)
	}
}

// newClient returns an unsigned client when no keypair is readable; reads
// still work and writes fail with a clear error.
func newClient(opts *options) *client.Client {
	key, _ := wallet.Load(opts.keypair)
	return client.New(strings.TrimRight(strings.TrimSpace(opts.apiBase), "/"), key)
}

func newSignedClient(opts *options) (*client.Client, error) {
	key, err := wallet.Load(opts.keypair)
	if err != nil {
		return nil, fmt.Errorf("%w (run `jpk keygen` first)", err)
	}
	return client.New(strings.TrimRight(strings.TrimSpace(opts.apiBase), "/"), key), nil
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newKeygenCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new keypair file",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := wallet.Generate(opts.keypair, force)
			if err != nil {
				return err
			}
			printSuccess("Keypair written to " + opts.keypair)
			printInfo("Address: " + key.PublicKey().String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keypair file")
	return cmd
}

func newAddressCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address of the keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := wallet.Load(opts.keypair)
			if err != nil {
				return err
			}
			fmt.Println(key.PublicKey().String())
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pot and current round",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := newClient(opts).Status(ctx)
			if err != nil {
				if client.ErrorCode(err) == "NotInitialized" {
					printWarn("Pot is not initialized. Run `jpk init` with the authority keypair.")
					return nil
				}
				return err
			}
			renderStatus(st)
			return nil
		},
	}
}

func newRoundsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rounds",
		Short: "List recently concluded rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			rounds, err := newClient(opts).Rounds(ctx, limit)
			if err != nil {
				return err
			}
			renderRounds(rounds)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of rounds to show")
	return cmd
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Show the balance of an address (default: own keypair)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := addressFromArgsOrKeypair(opts, args)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			lamports, err := newClient(opts).Balance(ctx, account)
			if err != nil {
				return err
			}
			fmt.Printf("%s SOL (%s lamports)\n", pot.FormatSOL(lamports), comma(lamports))
			return nil
		},
	}
}

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the pot with this keypair as authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			p, err := c.Initialize(ctx)
			if err != nil {
				return err
			}
			printSuccess("Pot initialized at " + p.Address.String())
			return nil
		},
	}
}

func newStartCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Open a new round (authority only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			p, err := c.StartRound(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Round %d is open.", p.Round))
			return nil
		},
	}
}

func newDepositCmd(opts *options) *cobra.Command {
	var idem string
	cmd := &cobra.Command{
		Use:   "deposit <sol>",
		Short: "Deposit SOL into the active round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lamports, err := pot.ParseSOL(args[0])
			if err != nil {
				return err
			}
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			if idem == "" {
				idem = uuid.NewString()
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			rec, err := c.Deposit(ctx, lamports, idem)
			if err != nil {
				if !isAPIStructuredError(err) {
					printWarn("Request may not have reached the API. Retry with --idempotency-key " + idem)
				}
				return err
			}
			printSuccess(fmt.Sprintf("Deposited %s SOL.", pot.FormatSOL(rec.Amount)))
			return nil
		},
	}
	cmd.Flags().StringVar(&idem, "idempotency-key", "", "reuse a key to retry a deposit safely")
	return cmd
}

func newEndCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "Close the active round once its window elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			p, err := c.EndRound(ctx)
			if err != nil {
				return err
			}
			if p.SelectedWinner == nil {
				printWarn(fmt.Sprintf("Round %d closed without a winner.", p.Round))
				return nil
			}
			printSuccess(fmt.Sprintf("Round %d closed. Winner: %s", p.Round, p.SelectedWinner))
			return nil
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset a closed round that produced no winner",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := c.ResetIfNoWinner(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Round %d reset.", out.Round))
			return nil
		},
	}
}

func newDistributeCmd(opts *options) *cobra.Command {
	var winner, buyback, fee, closer string
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Pay out a closed round",
		Long:  "Pay out a closed round. Recipients default to the ones recorded on the pot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}

			in := pot.DistributeInput{Buyback: st.Buyback, Fee: st.Fee}
			if st.Pot.SelectedWinner != nil {
				in.Winner = *st.Pot.SelectedWinner
			}
			if st.Pot.RoundCloser != nil {
				in.Closer = *st.Pot.RoundCloser
			}
			for _, o := range []struct {
				flag string
				dst  *solana.PublicKey
			}{{winner, &in.Winner}, {buyback, &in.Buyback}, {fee, &in.Fee}, {closer, &in.Closer}} {
				if o.flag == "" {
					continue
				}
				if *o.dst, err = solana.PublicKeyFromBase58(o.flag); err != nil {
					return fmt.Errorf("invalid address %q: %w", o.flag, err)
				}
			}

			out, err := c.DistributeRewards(ctx, in)
			if err != nil {
				return err
			}
			renderSummary(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&winner, "winner", "", "winner address")
	cmd.Flags().StringVar(&buyback, "buyback", "", "buyback address")
	cmd.Flags().StringVar(&fee, "fee", "", "fee address")
	cmd.Flags().StringVar(&closer, "closer", "", "round closer address")
	return cmd
}

func newWithdrawCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw",
		Short: "Drain the pot above its reserve floor to the fee address (authority only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			withdrawn, err := c.AdminWithdraw(ctx)
			if err != nil {
				return err
			}
			if withdrawn == 0 {
				printInfo("Nothing above the reserve floor.")
				return nil
			}
			printSuccess(fmt.Sprintf("Withdrew %s SOL to the fee address.", pot.FormatSOL(withdrawn)))
			return nil
		},
	}
}

func newAirdropCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "airdrop <sol> [address]",
		Short: "Credit SOL from the dev faucet",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lamports, err := pot.ParseSOL(args[0])
			if err != nil {
				return err
			}
			c, err := newSignedClient(opts)
			if err != nil {
				return err
			}
			account, err := addressFromArgsOrKeypair(opts, args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			balance, err := c.Airdrop(ctx, account, lamports)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Airdropped %s SOL. Balance: %s SOL", pot.FormatSOL(lamports), pot.FormatSOL(balance)))
			return nil
		},
	}
}

func addressFromArgsOrKeypair(opts *options, args []string) (solana.PublicKey, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		k, err := solana.PublicKeyFromBase58(strings.TrimSpace(args[0]))
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("invalid address: %w", err)
		}
		return k, nil
	}
	key, err := wallet.Load(opts.keypair)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return key.PublicKey(), nil
}

func isAPIStructuredError(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr)
}
