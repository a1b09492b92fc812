package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/doctor"
	"github.com/strata-project/strata/internal/table"
)

var (
	doctorStrict bool
	doctorRepair bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check table health",
	Long: `Check table health.

Runs diagnostic checks on the table metadata and timeline and reports any
issues. Use --strict to also verify the audit hash chain, and --repair to
remove leftover temporary files.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		base, err := resolveBase()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(base)
		if err != nil {
			return err
		}
		store, err := table.OpenStore(cfg, base)
		if err != nil {
			return err
		}

		doc := doctor.NewDoctor(store, base, table.LockManager(cfg, base))
		var result *doctor.Result
		if doctorRepair {
			result, err = doc.Repair(ctx, doctorStrict)
		} else {
			result, err = doc.Check(ctx, doctorStrict)
		}
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}

		if jsonOutput {
			if err := outputJSON(result); err != nil {
				return err
			}
		} else {
			for _, r := range result.Repaired {
				fmt.Printf("Repaired: %s\n", r)
			}
			if len(result.Findings) == 0 {
				fmt.Println("Table is healthy.")
			} else {
				fmt.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Category, f.Description)
				}
			}
		}

		if !result.Healthy {
			return fmt.Errorf("table is unhealthy")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "also verify the audit hash chain")
	doctorCmd.Flags().BoolVar(&doctorRepair, "repair", false, "remove leftover temporary files")
	rootCmd.AddCommand(doctorCmd)
}
