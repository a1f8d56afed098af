package pot

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	LamportsPerSOL = uint64(solana.LAMPORTS_PER_SOL)

	DefaultActiveDuration   = 120 * time.Second
	DefaultCooldownDuration = 360 * time.Second

	DefaultMinDeposit       = uint64(50_000_000) // 0.05 SOL
	DefaultAccountSize      = uint64(10_240)
	DefaultRentSafetyMargin = uint64(1_000_000)

	BpsDenominator = uint64(10_000)

	// Solana rent parameters for a rent-exempt account.
	accountStorageOverhead  = uint64(128)
	lamportsPerByteYear     = uint64(3_480)
	exemptionThresholdYears = uint64(2)
)

// PotSeed is the program-derived address seed of the singleton pot account.
var PotSeed = []byte("pot")

var (
	ErrGameInactive               = errors.New("game is not active")
	ErrMinDeposit                 = errors.New("deposit is below the minimum")
	ErrInvalidState               = errors.New("invalid round state for this operation")
	ErrCooldownActive             = errors.New("round timing requirement not met")
	ErrNoDeposits                 = errors.New("no deposits in round")
	ErrRandomnessNotAvailable     = errors.New("randomness not available")
	ErrInvalidWinnerAccount       = errors.New("invalid winner account")
	ErrInvalidCallerAccount       = errors.New("invalid caller account")
	ErrInvalidBuybackAccount      = errors.New("invalid buyback account")
	ErrInvalidFeeAccount          = errors.New("invalid fee account")
	ErrPotNotEmpty                = errors.New("pot is not empty")
	ErrCannotWithdrawDuringActive = errors.New("cannot withdraw while a round is active")
	ErrInsufficientFundsForRent   = errors.New("insufficient funds to keep the pot rent exempt")

	ErrNotInitialized       = errors.New("pot is not initialized")
	ErrAlreadyInitialized   = errors.New("pot is already initialized")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrUnauthorizedTransfer = errors.New("transfer signer does not control the source account")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrTxConflict           = errors.New("transaction conflict, retry later")
	ErrDuplicateRequest     = errors.New("duplicate request")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrGameInactive, "GameInactive"},
	{ErrMinDeposit, "MinDeposit"},
	{ErrInvalidState, "InvalidState"},
	{ErrCooldownActive, "CooldownActive"},
	{ErrNoDeposits, "NoDeposits"},
	{ErrRandomnessNotAvailable, "RandomnessNotAvailable"},
	{ErrInvalidWinnerAccount, "InvalidWinnerAccount"},
	{ErrInvalidCallerAccount, "InvalidCallerAccount"},
	{ErrInvalidBuybackAccount, "InvalidBuybackAccount"},
	{ErrInvalidFeeAccount, "InvalidFeeAccount"},
	{ErrPotNotEmpty, "PotNotEmpty"},
	{ErrCannotWithdrawDuringActive, "CannotWithdrawDuringActive"},
	{ErrInsufficientFundsForRent, "InsufficientFundsForRent"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrUnauthorizedTransfer, "UnauthorizedTransfer"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrTxConflict, "TxConflict"},
	{ErrDuplicateRequest, "DuplicateRequest"},
}

// Code returns the stable error code for err, or "Internal" when err is not
// one of the pot errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// RentExemptMinimum is the balance an account holding dataLen bytes needs to
// stay rent exempt.
func RentExemptMinimum(dataLen uint64) uint64 {
	return (accountStorageOverhead + dataLen) * lamportsPerByteYear * exemptionThresholdYears
}

// Split holds payout shares in basis points of the distributable amount.
type Split struct {
	WinnerBps  uint64 `json:"winner_bps"`
	BuybackBps uint64 `json:"buyback_bps"`
	FeeBps     uint64 `json:"fee_bps"`
	CloserBps  uint64 `json:"closer_bps"`
}

func DefaultSplit() Split {
	return Split{
		WinnerBps:  9_690,
		BuybackBps: 250,
		FeeBps:     50,
		CloserBps:  10,
	}
}

func (s Split) Validate() error {
	sum := s.WinnerBps + s.BuybackBps + s.FeeBps + s.CloserBps
	if sum > BpsDenominator {
		return fmt.Errorf("payout split sums to %d bps, must be <= %d", sum, BpsDenominator)
	}
	if s.WinnerBps == 0 {
		return fmt.Errorf("winner share must be > 0")
	}
	return nil
}

type Payouts struct {
	Winner  uint64 `json:"winner"`
	Buyback uint64 `json:"buyback"`
	Fee     uint64 `json:"fee"`
	Closer  uint64 `json:"closer"`
}

func (p Payouts) Total() uint64 {
	return p.Winner + p.Buyback + p.Fee + p.Closer
}

// Apply splits distributable by the configured shares. Truncation remainders
// stay with the pot.
func (s Split) Apply(distributable uint64) Payouts {
	return Payouts{
		Winner:  bpsOf(distributable, s.WinnerBps),
		Buyback: bpsOf(distributable, s.BuybackBps),
		Fee:     bpsOf(distributable, s.FeeBps),
		Closer:  bpsOf(distributable, s.CloserBps),
	}
}

func bpsOf(amount, bps uint64) uint64 {
	hi, lo := bits.Mul64(amount, bps)
	q, _ := bits.Div64(hi, lo, BpsDenominator)
	return q
}

// Distributable is total minus the reserve floor the pot must keep.
func Distributable(total, floor uint64) (uint64, error) {
	if total < floor {
		return 0, fmt.Errorf("%w: total %d below floor %d", ErrInsufficientFundsForRent, total, floor)
	}
	return total - floor, nil
}

func addAmount(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return sum, nil
}

// ParseSOL parses a decimal SOL amount into lamports without going through
// floating point.
func ParseSOL(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	whole, frac, _ := strings.Cut(v, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 9 {
		return 0, fmt.Errorf("%w: more than 9 decimal places", ErrInvalidAmount)
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
	}
	if w > math.MaxUint64/LamportsPerSOL {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return addAmount(w*LamportsPerSOL, f)
}

func FormatSOL(lamports uint64) string {
	whole := lamports / LamportsPerSOL
	frac := lamports % LamportsPerSOL
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	s := fmt.Sprintf("%d.%09d", whole, frac)
	return strings.TrimRight(s, "0")
}
