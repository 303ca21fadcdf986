package main

import (
	"os"

	"github.com/3i-Members/member-insights-processor-sub001/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(cmd.NewRunCommand())
	rootCmd.AddCommand(cmd.NewValidateCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
