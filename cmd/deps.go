package cmd

import (
	"fmt"
	"strings"

	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/utils"
	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage and inspect task template dependencies",
}

var depsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a dependency edge",
	Long: `Add the edge "task depends on depends-on". The edge is rejected when it points
a task at itself or would close a cycle. With --replace the named edge is
removed in the same step, so swapping a prerequisite never trips the cycle
check on the edge being replaced.`,
	Example: `  taskflow deps add --task interview-prep --depends-on biometrics --type required
  taskflow deps add --task petition --depends-on intake --replace petition:evidence`,
	RunE: runDepsAdd,
}

var depsCheckCmd = &cobra.Command{
	Use:     "check",
	Short:   "Evaluate whether a task can start within a family",
	PreRunE: validateOutput,
	RunE:    runDepsCheck,
}

var depsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List every dependency edge",
	PreRunE: validateOutput,
	RunE:    runDepsList,
}

func init() {
	depsAddCmd.Flags().String("task", "", "Dependent task template id")
	depsAddCmd.Flags().String("depends-on", "", "Prerequisite task template id")
	depsAddCmd.Flags().String("type", string(models.DependencyRequired), "Dependency type: required, optional or sequential")
	depsAddCmd.Flags().String("replace", "", "Edge to replace, as task:depends-on")
	_ = depsAddCmd.MarkFlagRequired("task")
	_ = depsAddCmd.MarkFlagRequired("depends-on")

	depsCheckCmd.Flags().String("family", "", "Family id")
	depsCheckCmd.Flags().String("task", "", "Task template id")
	_ = depsCheckCmd.MarkFlagRequired("family")
	_ = depsCheckCmd.MarkFlagRequired("task")

	depsCmd.AddCommand(depsAddCmd)
	depsCmd.AddCommand(depsCheckCmd)
	depsCmd.AddCommand(depsListCmd)
}

func parseEdgeRef(ref string) (*models.DependencyEdge, error) {
	if ref == "" {
		return nil, nil
	}
	task, dependsOn, ok := strings.Cut(ref, ":")
	if !ok || task == "" || dependsOn == "" {
		return nil, fmt.Errorf("invalid edge %q: expected task:depends-on", ref)
	}
	return &models.DependencyEdge{TaskID: task, DependsOnTaskID: dependsOn}, nil
}

func runDepsAdd(cmd *cobra.Command, args []string) error {
	taskID, _ := cmd.Flags().GetString("task")
	dependsOn, _ := cmd.Flags().GetString("depends-on")
	depType, _ := cmd.Flags().GetString("type")
	replaceRef, _ := cmd.Flags().GetString("replace")

	replacing, err := parseEdgeRef(replaceRef)
	if err != nil {
		return err
	}
	edge := models.DependencyEdge{TaskID: taskID, DependsOnTaskID: dependsOn, Type: models.DependencyType(depType)}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.module.AddDependency(ctx, edge, replacing); err != nil {
		return err
	}

	box := utils.NewBox(utils.SuccessMessage, "Dependency saved").AddLine(edge.String())
	if replacing != nil {
		box.AddKeyValue("replaced", replacing.TaskID+" -> "+replacing.DependsOnTaskID)
	}
	fmt.Fprintln(cmd.OutOrStdout(), box.Render())
	return nil
}

func runDepsCheck(cmd *cobra.Command, args []string) error {
	familyID, _ := cmd.Flags().GetString("family")
	taskID, _ := cmd.Flags().GetString("task")

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.module.CheckDependencies(ctx, taskID, familyID)
	if err != nil {
		return err
	}
	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), status)
	}

	messageType := utils.SuccessMessage
	if !status.CanStart {
		messageType = utils.WarningMessage
	}
	box := utils.NewBox(messageType, fmt.Sprintf("%s in %s", taskID, familyID)).
		AddKeyValue("can start", fmt.Sprintf("%t", status.CanStart)).
		AddKeyValue("can complete", fmt.Sprintf("%t", status.CanComplete)).
		AddKeyValue("depends on", joinOrNone(status.DependsOn)).
		AddKeyValue("blocked by", joinOrNone(status.BlockedBy))
	fmt.Fprintln(cmd.OutOrStdout(), box.Render())
	return nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	edges, err := a.store.ListDependencies(ctx)
	if err != nil {
		return err
	}
	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), edges)
	}

	table := utils.NewTableFormatter("TASK", "DEPENDS ON", "TYPE", "BLOCKING")
	for _, e := range edges {
		table.AddRow(e.TaskID, e.DependsOnTaskID, string(e.Type), fmt.Sprintf("%t", e.Type.Blocking()))
	}
	return table.Render(cmd.OutOrStdout())
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
