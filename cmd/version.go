package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/3i-Members/member-insights-processor-sub001/internal/build"
)

// NewVersionCommand returns the command to get the dispatcher version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Return the dispatcher version",
		Long:  "Return the dispatcher version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("insights version %s commit %s", build.Version, build.Commit)
	return nil
}
