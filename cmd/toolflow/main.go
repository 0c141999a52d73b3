// Command toolflow runs the workflow orchestrator: an MCP server that
// registers and executes DAGs of tool calls, with an HTTP panel, cron
// triggers and a one-shot runner.
//
// Usage:
//
//	toolflow [--config FILE] [--log-level LEVEL] <command> [flags]
//
// Commands:
//
//	serve      Run the MCP server, panel and scheduler
//	run        Execute one workflow and print the result
//	validate   Check a workflow definition file
//	workflows  List registered workflows
//	diagram    Render a workflow as Mermaid or ASCII
//	version    Print the build version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags every command shares.
type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "toolflow",
		Short:         "toolflow orchestrates workflows of tool calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (default: ./toolflow.yaml or ~/.toolflow/toolflow.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "json", "log format: json or text")
	pf.String("workflows-dir", "", "directory of workflow definition files to load")
	pf.Int("max-parallel-steps", 4, "maximum steps of one execution running at once")
	pf.Duration("step-timeout", 0, "per-step timeout when a step sets none (0 disables)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newWorkflowsCmd(opts),
		newDiagramCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
