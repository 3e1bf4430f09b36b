package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maxkimambo/taskflow/internal/utils"
	"github.com/spf13/cobra"
)

var rescanCmd = &cobra.Command{
	Use:     "rescan",
	Short:   "Enable every unstarted task of a family whose prerequisites are met",
	PreRunE: validateOutput,
	RunE:    runRescan,
}

func init() {
	rescanCmd.Flags().String("family", "", "Family id")
	_ = rescanCmd.MarkFlagRequired("family")
}

func runRescan(cmd *cobra.Command, args []string) error {
	familyID, _ := cmd.Flags().GetString("family")

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.module.CheckAndEnableDependencies(ctx, familyID)
	if err != nil {
		return err
	}
	if err := a.settle(ctx); err != nil {
		return err
	}

	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), result)
	}

	messageType := utils.SuccessMessage
	if len(result.Errors) > 0 {
		messageType = utils.WarningMessage
	}
	box := utils.NewBox(messageType, "Re-scan of "+familyID).
		AddKeyValue("enabled", strconv.Itoa(result.Enabled))
	if len(result.EnabledTasks) > 0 {
		box.AddKeyValue("tasks", strings.Join(result.EnabledTasks, ", "))
	}
	for _, e := range result.Errors {
		box.AddBullet(e)
	}
	fmt.Fprintln(cmd.OutOrStdout(), box.Render())
	return nil
}
