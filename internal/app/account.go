package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
)

// ShowAccount prints the account equity summary.
func (a *App) ShowAccount(ctx context.Context) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	account, err := sess.Trading.GetAccount(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Equity\tCash\tPositions\tCurrency\tSource")
	fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
		formatDecimal(account.Equity, 2),
		formatDecimal(account.Cash, 2),
		formatDecimal(account.PositionsValue, 2),
		account.Currency,
		account.Source,
	)
	return writer.Flush()
}

// ShowPositions prints the open positions.
func (a *App) ShowPositions(ctx context.Context) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	positions, err := sess.Trading.GetPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(os.Stdout, "no open positions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tSide\tQty\tEntry\tCurrent\tValue\tP/L\tP/L%")
	for _, pos := range positions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			pos.Symbol,
			pos.Side,
			pos.Qty.String(),
			formatDecimal(pos.AvgEntryPrice, 2),
			formatDecimal(pos.CurrentPrice, 2),
			formatDecimal(pos.MarketValue, 2),
			formatDecimal(pos.UnrealizedPL, 2),
			formatDecimal(pos.UnrealizedPLPct, 2),
		)
	}
	return writer.Flush()
}

func formatDecimal(value decimal.Decimal, places int32) string {
	return value.Round(places).StringFixed(places)
}
