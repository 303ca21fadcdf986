package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/3i-Members/member-insights-processor-sub001/internal/filters"
	"github.com/3i-Members/member-insights-processor-sub001/internal/selection"
)

// NewValidateCommand returns the command that checks the configuration and
// filter file without touching the datastore.
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and processing filter file",
		Long: `Validate the configuration and processing filter file.

Applies the run guardrails, parses the filter file into allowed
(source type, subtype) pairs and renders a fill query from them, without
connecting to the datastore. Exits non-zero on the first problem.`,
		RunE: validate,
		Args: cobra.NoArgs,
	}
	bindRunFlags(cmd)
	return cmd
}

func validate(cobraCmd *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	filterFile, err := filters.Load(config.Selection.FiltersPath)
	if err != nil {
		return err
	}
	allowedPairs := filterFile.AllowedPairs()

	builder, err := selection.NewBuilder(selection.Config{
		EvidenceTable:    config.Selection.EvidenceTable,
		MembershipTable:  config.Selection.MembershipTable,
		ProcessedTable:   config.Selection.ProcessedTable,
		Generator:        config.Selection.Generator,
		JobStartTime:     time.Now().UTC(),
		AllowedPairs:     allowedPairs,
		PrioritizeRecent: config.Selection.PrioritizeRecent,
	})
	if err != nil {
		return err
	}
	if _, _, err := builder.Build(0, config.Dispatch.FetchLimit); err != nil {
		return err
	}

	cobraCmd.Printf("configuration ok: %d allowed pair(s), generator %q\n",
		len(allowedPairs), config.Selection.Generator)
	return nil
}
