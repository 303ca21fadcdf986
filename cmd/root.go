// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI
// flags, environment variables prefixed with INSIGHTS, or config.yaml (in
// that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("INSIGHTS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/insights", "$HOME/.insights", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "insights",
		Short: "Dispatch engine for member insights processing",
		Long: `Dispatch engine for member insights processing.

Selects eligible contacts with unprocessed evidence, claims each one so
cooperating dispatchers never double-process it, and runs a bounded pool of
workers that bundle evidence into token-budgeted batches for the downstream
generation step.`,
	}
}
