package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"jackpot/internal/pot"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/gagliardetto/solana-go"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)

	panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("6")).
		Padding(0, 1)
	label = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)
	title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func row(k, v string) string {
	return label.Render(k) + v
}

func renderStatus(st pot.Status) {
	p := st.Pot
	now := time.Unix(st.Now, 0)

	lines := []string{
		title.Render(fmt.Sprintf("POT  round %d", p.Round)),
		row("Address", p.Address.String()),
		row("Authority", p.Authority.String()),
		row("State", colorizeState(p.State)),
		row("Balance", pot.FormatSOL(st.Balance)+" SOL"),
		row("Reserve floor", pot.FormatSOL(st.Floor)+" SOL"),
		row("Round total", pot.FormatSOL(p.TotalAmount)+" SOL"),
		row("Deposits", strconv.Itoa(len(p.Deposits))),
		row("Min deposit", pot.FormatSOL(st.MinDeposit)+" SOL"),
	}
	switch p.State {
	case pot.StateInactive:
		lines = append(lines, row("Next start", countdown(now, st.CooldownEndsAt, st.CanStart)))
	case pot.StateActive:
		lines = append(lines, row("Closes", countdown(now, st.ActiveEndsAt, st.CanEnd)))
	case pot.StateCooldown:
		lines = append(lines, row("Winner", keyOrDash(p.SelectedWinner)))
		lines = append(lines, row("Closer", keyOrDash(p.RoundCloser)))
		if p.RandomSeed != nil {
			lines = append(lines, row("Seed", p.RandomSeed.String()))
		}
		next := "distribute"
		if st.CanReset {
			next = "reset or distribute"
		}
		lines = append(lines, row("Next", next))
	}
	fmt.Println(panel.Render(strings.Join(lines, "\n")))

	if len(p.Deposits) == 0 {
		return
	}
	fmt.Println()
	accent.Println("Deposits")
	fmt.Printf("%-4s %-44s %14s %-20s\n", "#", "DEPOSITOR", "SOL", "TIME")
	for i, d := range p.Deposits {
		fmt.Printf("%-4d %-44s %14s %-20s\n",
			i,
			d.Depositor.String(),
			pot.FormatSOL(d.Amount),
			time.Unix(d.Timestamp, 0).Local().Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Println()
}

func renderRounds(rounds []pot.RoundSummary) {
	accent.Println("\n== ROUNDS ==")
	if len(rounds) == 0 {
		printInfo("No concluded rounds yet.")
		return
	}
	fmt.Printf("%-6s %-10s %-44s %14s %8s %-20s\n", "ROUND", "OUTCOME", "WINNER", "TOTAL SOL", "DEPOSITS", "SETTLED")
	for _, r := range rounds {
		fmt.Printf("%-6d %-10s %-44s %14s %8d %-20s\n",
			r.Round,
			truncate(r.Outcome, 10),
			keyOrDash(r.Winner),
			pot.FormatSOL(r.TotalAmount),
			r.DepositCount,
			time.Unix(r.SettledAt, 0).Local().Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Println()
}

func renderSummary(s pot.RoundSummary) {
	if s.Outcome != pot.OutcomeDistributed {
		printWarn(fmt.Sprintf("Round %d concluded without a winner; nothing paid out.", s.Round))
		return
	}
	accent.Printf("\n== ROUND %d PAID OUT ==\n", s.Round)
	fmt.Printf("Total:         %s SOL\n", pot.FormatSOL(s.TotalAmount))
	fmt.Printf("Distributable: %s SOL\n", pot.FormatSOL(s.Distributable))
	fmt.Printf("%-8s %-44s %14s\n", "ROLE", "RECIPIENT", "SOL")
	for _, po := range s.Payouts {
		fmt.Printf("%-8s %-44s %14s\n", po.Role, po.Recipient.String(), success.Sprint(pot.FormatSOL(po.Amount)))
	}
	fmt.Println()
}

func colorizeState(s pot.RoundState) string {
	text := strings.ToUpper(string(s))
	switch s {
	case pot.StateActive:
		return success.Sprint(text)
	case pot.StateCooldown:
		return warn.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func countdown(now time.Time, at int64, ready bool) string {
	if ready {
		return success.Sprint("now")
	}
	left := time.Unix(at, 0).Sub(now).Round(time.Second)
	return fmt.Sprintf("in %s", left)
}

func keyOrDash(k *solana.PublicKey) string {
	if k == nil {
		return "-"
	}
	return k.String()
}

func comma(v uint64) string {
	s := strconv.FormatUint(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
