package cmd

import (
	"fmt"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	verbose    bool
	jsonLogs   bool
	quiet      bool
	output     string
	version    = "v0.1.0"

	rootCmd = &cobra.Command{
		Use:   "taskflow",
		Short: "Task dependency automation for family workflows",
		Long: `taskflow unlocks family tasks when their prerequisites are satisfied and
runs administrator-configured workflow rules on every status change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(verbose || debug, jsonLogs, quiet)
		},
	}
)

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logger.Op.WithFields(map[string]interface{}{
			"code": taskerrors.GetErrorCode(err),
		}).Debug(taskerrors.DisplayErrorSummary(err))
		fmt.Fprint(rootCmd.ErrOrStderr(), taskerrors.FormatForCLI(err))
	}
	return err
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file (default $TASKFLOW_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", outputTable, "Result format: table or json")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(setStatusCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(serveCmd)
}
