package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/gateway"
)

// OrderOptions hold the parameters of a CLI-placed order. Exactly one of
// Qty or Notional must be set.
type OrderOptions struct {
	Symbol   string
	Side     string
	Qty      *decimal.Decimal
	Notional *decimal.Decimal
}

// PlaceOrder submits a market order through the full policy pipeline.
// Orders above the approval threshold print the token instead of placing.
func (a *App) PlaceOrder(ctx context.Context, opts OrderOptions) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := sess.Trading.CreateOrder(ctx, gateway.OrderParams{
		Symbol:   opts.Symbol,
		Side:     gateway.OrderSide(opts.Side),
		Qty:      opts.Qty,
		Notional: opts.Notional,
	})
	if err != nil {
		return err
	}

	if result.RequiresApproval {
		fmt.Fprintf(os.Stdout, "order requires approval\ntoken: %s\nexpires: %s\n",
			result.ApprovalToken, result.ApprovalExpires.UTC().Format(time.RFC3339))
		return nil
	}

	order := result.Order
	fmt.Fprintf(os.Stdout, "order %s placed: %s %s %s (%s)\n",
		order.ID, order.Side, order.Qty.String(), order.Symbol, order.Status)
	return nil
}

// ExecuteApproval consumes an approval token and submits the order it
// authorizes.
func (a *App) ExecuteApproval(ctx context.Context, token string) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	order, err := sess.Trading.ExecuteApprovedOrder(ctx, token)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "approved order %s placed: %s %s %s (%s)\n",
		order.ID, order.Side, order.Qty.String(), order.Symbol, order.Status)
	return nil
}

// ShowOrders prints all known orders.
func (a *App) ShowOrders(ctx context.Context) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	orders, err := sess.Trading.ListOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Fprintln(os.Stdout, "no orders found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSymbol\tSide\tQty\tType\tStatus\tPlaced (UTC)")
	for _, order := range orders {
		placed := ""
		if !order.PlacedAt.IsZero() {
			placed = order.PlacedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			order.ID, order.Symbol, order.Side, order.Qty.String(),
			order.Type, order.Status, placed)
	}
	return writer.Flush()
}

// CancelOrder cancels one order by id.
func (a *App) CancelOrder(ctx context.Context, orderID string) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sess.Trading.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "order %s canceled\n", orderID)
	return nil
}

// CancelAllOrders cancels every non-terminal order.
func (a *App) CancelAllOrders(ctx context.Context) error {
	sess, _, _, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sess.Trading.CancelAllOrders(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "all open orders canceled")
	return nil
}
