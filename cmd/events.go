package cmd

import (
	"fmt"

	"github.com/maxkimambo/taskflow/internal/audit"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/utils"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show journaled lifecycle events",
	Long: `Show the audit journal. With --correlation the whole cascade of one change is
printed in publish order; otherwise the newest events are listed.`,
	Example: `  taskflow events --limit 20 --filter event=action.failed
  taskflow events --correlation 2f0c7a4e-5d0b-4f7c-9a53-3a1f0b8f2c11`,
	PreRunE: validateOutput,
	RunE:    runEvents,
}

func init() {
	eventsCmd.Flags().String("correlation", "", "Show the cascade of one correlation id")
	eventsCmd.Flags().Int("limit", 50, "Number of recent events to show")
	eventsCmd.Flags().StringArray("filter", nil, "Filter by field (key=value or key), repeatable")
	eventsCmd.Flags().Bool("raw", false, "Print the stored CBOR payloads in diagnostic notation")
}

func runEvents(cmd *cobra.Command, args []string) error {
	correlationID, _ := cmd.Flags().GetString("correlation")
	limit, _ := cmd.Flags().GetInt("limit")
	rawFilters, _ := cmd.Flags().GetStringArray("filter")
	raw, _ := cmd.Flags().GetBool("raw")

	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	filters := make([]utils.FieldFilter, 0, len(rawFilters))
	for _, f := range rawFilters {
		parsed, err := utils.ParseFieldFilter(f)
		if err != nil {
			return err
		}
		filters = append(filters, parsed)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if raw {
		return printRawEvents(cmd, a, correlationID, limit)
	}

	var evs []events.Event
	if correlationID != "" {
		evs, err = a.module.Cascade(ctx, correlationID)
	} else {
		evs, err = a.module.RecentEvents(ctx, limit)
	}
	if err != nil {
		return err
	}

	matched := evs[:0]
	for _, ev := range evs {
		if utils.MatchesAll(events.Describe(ev), filters) {
			matched = append(matched, ev)
		}
	}

	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), eventsJSON(matched))
	}
	if len(matched) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), utils.Info("No events"))
		return nil
	}
	return eventTable(matched).Render(cmd.OutOrStdout())
}

func printRawEvents(cmd *cobra.Command, a *app, correlationID string, limit int) error {
	ctx := cmd.Context()
	records, err := a.store.ListRecentEvents(ctx, limit)
	if correlationID != "" {
		records, err = a.store.ListEventsByCorrelation(ctx, correlationID)
	}
	if err != nil {
		return err
	}
	for _, r := range records {
		diag, err := audit.Diagnose(r)
		if err != nil {
			diag = fmt.Sprintf("<undecodable: %v>", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "#%d %s %s\n  %s\n", r.Seq, r.Kind, r.CorrelationID, diag)
	}
	return nil
}
