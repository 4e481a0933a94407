package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/labflow/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:   "labflow",
	Short: "labflow - sample workflow task tracker",
	Long: `labflow assigns lab tasks to people and hands them over stage by stage
through the neutron activation analysis workflow, with file attachments per stage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the labflow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(controlplane.Version)
	},
}

var (
	apiAddr  string
	userName string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", os.Getenv("LABFLOW_USER"), "Acting username (default $LABFLOW_USER)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
