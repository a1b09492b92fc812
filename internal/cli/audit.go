package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/audit"
	"github.com/strata-project/strata/internal/table"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the transition audit log",
}

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print audit records, newest last",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveBase()
		if err != nil {
			return err
		}
		records, err := audit.ReadRecords(table.AuditPath(base))
		if err != nil {
			return err
		}
		if auditLimit > 0 && len(records) > auditLimit {
			records = records[len(records)-auditLimit:]
		}

		if jsonOutput {
			return outputJSON(records)
		}
		if len(records) == 0 {
			fmt.Println("Audit log is empty.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %-20s %s\n", r.Timestamp.Format(time.RFC3339), r.EventType, r.Instant)
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveBase()
		if err != nil {
			return err
		}
		n, err := audit.Verify(table.AuditPath(base))
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"records": n, "valid": true})
		}
		fmt.Printf("Audit chain intact (%d records).\n", n)
		return nil
	},
}

func init() {
	auditLogCmd.Flags().IntVarP(&auditLimit, "limit", "n", 0, "show only the last n records")
	auditCmd.AddCommand(auditLogCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
