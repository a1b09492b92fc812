package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/table"
	"github.com/strata-project/strata/pkg/model"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect timeline locks",
	Long: `Inspect the leases held by the file lock provider under .strata/locks.

Other providers keep their state outside the table and are not listed.`,
}

type lockStatus struct {
	Name   string            `json:"name"`
	State  model.LockState   `json:"state"`
	Record *model.LockRecord `json:"record,omitempty"`
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lease status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveBase()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(base)
		if err != nil {
			return err
		}

		mgr := table.LockManager(cfg, base)
		names, err := mgr.Names()
		if err != nil {
			return err
		}
		statuses := make([]lockStatus, 0, len(names))
		for _, name := range names {
			state, rec, err := mgr.Status(name)
			if err != nil {
				return err
			}
			statuses = append(statuses, lockStatus{Name: name, State: state, Record: rec})
		}

		if jsonOutput {
			return outputJSON(map[string]any{"provider": cfg.Lock.Provider, "locks": statuses})
		}

		fmt.Printf("Provider: %s\n", cfg.Lock.Provider)
		if len(statuses) == 0 {
			fmt.Println("No leases held.")
			return nil
		}
		for _, s := range statuses {
			fmt.Printf("  %s: %s", s.Name, s.State)
			if s.Record != nil {
				fmt.Printf(" (session %s, token %d, expires %s)",
					s.Record.SessionID, s.Record.FencingToken, s.Record.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Println()
		}
		return nil
	},
}

var lockBreakCmd = &cobra.Command{
	Use:   "break <name>",
	Short: "Remove an expired lease",
	Long: `Remove a lease left behind by a crashed writer. Only expired leases can be
broken.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveBase()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(base)
		if err != nil {
			return err
		}

		mgr := table.LockManager(cfg, base)
		rec, err := mgr.Steal(args[0], "break")
		if err != nil {
			return err
		}
		if err := mgr.Release(args[0], rec.HolderNonce); err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]any{"name": args[0], "state": model.LockStateFree})
		}
		fmt.Printf("Lease '%s' removed.\n", args[0])
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd, lockBreakCmd)
	rootCmd.AddCommand(lockCmd)
}
