package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// ShowRiskState prints the persisted risk posture.
func (a *App) ShowRiskState(ctx context.Context) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	engine := a.newRiskEngine(st)
	state, err := engine.State(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Kill switch\tReason\tDaily loss (USD)\tLoss reset (UTC)\tCooldown")
	reason := ""
	if state.KillSwitchReason != nil {
		reason = *state.KillSwitchReason
	}
	cooldown := "none"
	if state.CooldownSymbol != nil && state.CooldownUntil != nil {
		cooldown = fmt.Sprintf("%s until %s", *state.CooldownSymbol, state.CooldownUntil.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(writer, "%t\t%s\t%s\t%s\t%s\n",
		state.KillSwitchActive,
		reason,
		state.DailyLossUSD.String(),
		state.DailyLossResetAt.UTC().Format(time.RFC3339),
		cooldown,
	)
	return writer.Flush()
}

// EngageKillSwitch halts all order placement until cleared. The operator
// secret must match the configured one.
func (a *App) EngageKillSwitch(ctx context.Context, secret, reason string) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	if err := a.newRiskEngine(st).EngageKillSwitch(ctx, secret, reason); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "kill switch engaged")
	return nil
}

// ClearKillSwitch re-enables order placement.
func (a *App) ClearKillSwitch(ctx context.Context, secret string) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	if err := a.newRiskEngine(st).ClearKillSwitch(ctx, secret); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "kill switch cleared")
	return nil
}

// ResetDailyLoss zeroes the daily loss counter out of schedule.
func (a *App) ResetDailyLoss(ctx context.Context) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	if err := a.newRiskEngine(st).ResetDailyLoss(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "daily loss counter reset")
	return nil
}

// SweepApprovals deletes expired approval tokens out of schedule.
func (a *App) SweepApprovals(ctx context.Context) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	swept, err := a.newRiskEngine(st).SweepExpiredApprovals(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d expired approvals swept\n", swept)
	return nil
}
