package cmd

import (
	"fmt"
	"strconv"

	"github.com/maxkimambo/taskflow/internal/utils"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Report the health of the automation components",
	PreRunE: validateOutput,
	RunE:    runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	h := a.module.Health()
	if wantJSON() {
		if err := printJSON(cmd.OutOrStdout(), h); err != nil {
			return err
		}
	} else {
		table := utils.NewTableFormatter("COMPONENT", "STATUS", "LISTENERS", "DETAIL")
		table.AddRow("event bus", h.Bus.Status, strconv.Itoa(h.Bus.ListenerCount),
			fmt.Sprintf("max %d, %d handler failures", h.Bus.MaxListeners, h.Bus.HandlerFailures))
		table.AddRow("dependency enabler", h.Enabler.Status, strconv.Itoa(h.Enabler.ListenerCount),
			fmt.Sprintf("%d handler(s), %d enabled, %d failures", h.Enabler.HandlersRegistered, h.Enabler.Enabled, h.Enabler.Failures))
		table.AddRow("rule engine", h.Rules.Status, strconv.Itoa(h.Rules.ListenerCount),
			fmt.Sprintf("%d handler(s), %d applied, %d skipped, %d failed", h.Rules.HandlersRegistered, h.Rules.Applied, h.Rules.Skipped, h.Rules.Failed))
		if h.Journal != nil {
			table.AddRow("audit journal", "", "",
				fmt.Sprintf("%d recorded, %d failed", h.Journal.Recorded, h.Journal.Failed))
		}
		if err := table.Render(cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	if h.Status != "healthy" {
		return fmt.Errorf("automation module is %s", h.Status)
	}
	return nil
}
