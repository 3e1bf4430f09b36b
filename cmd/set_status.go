package cmd

import (
	"fmt"

	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/utils"
	"github.com/spf13/cobra"
)

var setStatusCmd = &cobra.Command{
	Use:   "set-status",
	Short: "Change the status of a family task and run the resulting cascade",
	Long: `Move a family task instance forward to in_progress or completed. The change
is published to the automation module; the command waits until every
dependent enable and workflow rule has run, then prints the cascade.`,
	Example: `  taskflow set-status --family fam-okafor --task intake --status completed`,
	PreRunE: validateOutput,
	RunE:    runSetStatus,
}

func init() {
	setStatusCmd.Flags().String("family", "", "Family id")
	setStatusCmd.Flags().String("task", "", "Task template id")
	setStatusCmd.Flags().String("status", "", "New status: in_progress or completed")
	_ = setStatusCmd.MarkFlagRequired("family")
	_ = setStatusCmd.MarkFlagRequired("task")
	_ = setStatusCmd.MarkFlagRequired("status")
}

func runSetStatus(cmd *cobra.Command, args []string) error {
	familyID, _ := cmd.Flags().GetString("family")
	templateID, _ := cmd.Flags().GetString("task")
	rawStatus, _ := cmd.Flags().GetString("status")

	status, err := models.ParseTaskStatus(rawStatus)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.module.TransitionTask(ctx, familyID, templateID, status)
	if err != nil {
		return err
	}
	if err := a.settle(ctx); err != nil {
		return err
	}

	cascade, err := a.module.Cascade(ctx, result.CorrelationID)
	if err != nil {
		return err
	}

	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"transition": result,
			"cascade":    eventsJSON(cascade),
		})
	}

	fmt.Fprintln(cmd.OutOrStdout(), utils.NewBox(utils.SuccessMessage, "Status updated").
		AddKeyValue("task", fmt.Sprintf("%s (%s)", templateID, result.Instance.ID)).
		AddKeyValue("change", fmt.Sprintf("%s -> %s", result.Previous, result.Instance.Status)).
		AddKeyValue("correlation", result.CorrelationID).
		Render())
	return eventTable(cascade).Render(cmd.OutOrStdout())
}
