package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	baseDir    string
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "strata",
		Short: "strata - transactional table timeline",
		Long: `strata manages the timeline of a transactional table: an ordered log of
instants, each moving through REQUESTED, INFLIGHT and COMPLETED, stored one
file per stage under .strata/timeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base", "", "table base path (default: discovered from the working directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <base>/.strata/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "strata: "+format+"\n", args...)
}
