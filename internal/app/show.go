package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent alert audit rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Emitted (UTC)\tRule\tAddress\tGroup\tSpread\tTransfers")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%d\t%s\t%s\n",
			alert.EmittedAt.UTC().Format(time.RFC3339),
			alert.RuleID,
			alert.TrackedAddress,
			alert.GroupSize,
			alert.AmountSpread.StringFixed(4),
			joinIDs(alert.TransferIDs),
		)
	}

	writer.Flush()
	return nil
}

// Rules prints the active alert rules.
func (a *App) Rules(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show rules")
	}
	defer closeStore()

	rules, err := store.ListActiveRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintln(os.Stdout, "no active rules")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tAddress\tWindow (min)\tMin count\tTolerance\tMin\tMax")

	for _, rule := range rules {
		maxAmount := "-"
		if rule.MaxAmount != nil {
			maxAmount = rule.MaxAmount.String()
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			rule.ID,
			rule.CustomName,
			rule.TrackedAddress,
			rule.WindowMinutes,
			rule.MinCount,
			rule.AmountTolerance.String(),
			rule.MinAmount.String(),
			maxAmount,
		)
	}

	writer.Flush()
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
