package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/table"
	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/model"
)

var (
	createTime      string
	createPlan      string
	createInflight  bool
	createOverwrite bool

	inflightData      string
	inflightRedundant bool

	completeData string
	completeTime string
	completeNoLk bool

	revertToRequested bool

	deleteState string
	deleteEmpty bool
)

func printInstant(verb string, inst model.Instant, tl *timeline.ActiveTimeline) error {
	if jsonOutput {
		return outputJSON(instantRows(tl, []model.Instant{inst})[0])
	}
	name, _ := tl.FileName(inst)
	fmt.Printf("%s %s (%s)\n", verb, inst, name)
	return nil
}

// savePlan writes a REQUESTED instant with plan through the operation
// matching its action.
func savePlan(ctx context.Context, tl *timeline.ActiveTimeline, inst model.Instant, plan []byte, overwrite bool) error {
	switch inst.Action {
	case model.ActionCompaction:
		return tl.SaveToCompactionRequested(ctx, inst, plan, overwrite)
	case model.ActionLogCompaction:
		return tl.SaveToLogCompactionRequested(ctx, inst, plan, overwrite)
	case model.ActionReplaceCommit:
		return tl.SaveToPendingReplaceCommit(ctx, inst, plan)
	case model.ActionClustering:
		return tl.SaveToPendingClusterCommit(ctx, inst, plan)
	case model.ActionClean:
		return tl.SaveToCleanRequested(ctx, inst, plan)
	case model.ActionRollback:
		return tl.SaveToRollbackRequested(ctx, inst, plan)
	case model.ActionRestore:
		return tl.SaveToRestoreRequested(ctx, inst, plan)
	case model.ActionIndexing:
		return tl.SaveToPendingIndexAction(ctx, inst, plan)
	default:
		_, err := tl.CreateRequestedCommitWithReplaceMetadata(ctx, inst.RequestedTime, inst.Action, plan)
		return err
	}
}

var createCmd = &cobra.Command{
	Use:   "create <action>",
	Short: "Create a new REQUESTED instant",
	Long: `Create a new instant for <action>. The requested time is minted unless
--time is given. --plan attaches a JSON payload read from a file, or stdin with "-".
--inflight starts the instant at INFLIGHT, as savepoints do.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		action, err := parseAction(args[0])
		if err != nil {
			return err
		}
		plan, err := readInput(createPlan)
		if err != nil {
			return err
		}
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		ts := createTime
		if ts == "" {
			if ts, err = h.Timeline.NewInstantTime(ctx, false); err != nil {
				return err
			}
		}

		inst := model.NewInstant(model.StateRequested, action, ts)
		switch {
		case createInflight:
			inst = inst.WithState(model.StateInflight)
			err = h.Timeline.CreateNewInstant(ctx, inst)
		case plan != nil:
			err = savePlan(ctx, h.Timeline, inst, plan, createOverwrite)
		default:
			err = h.Timeline.CreateNewInstant(ctx, inst)
		}
		if err != nil {
			return err
		}
		return printInstant("Created", inst, h.Timeline)
	},
}

var inflightCmd = &cobra.Command{
	Use:   "inflight <requested-time>",
	Short: "Move a REQUESTED instant to INFLIGHT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		data, err := readInput(inflightData)
		if err != nil {
			return err
		}
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		requested, err := findStage(h.Timeline, args[0], model.StateRequested)
		if err != nil {
			return err
		}
		inflight, err := h.Timeline.TransitionRequestedToInflight(ctx, requested, data, inflightRedundant)
		if err != nil {
			return err
		}
		return printInstant("Inflight", inflight, h.Timeline)
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <requested-time>",
	Short: "Complete an INFLIGHT instant",
	Long: `Complete the INFLIGHT instant at <requested-time> with the payload read from
--data. Compactions complete as commits, log compactions as delta commits and
clusterings as replace commits. The completion time is minted under the
configured lock unless --no-lock is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		data, err := readInput(completeData)
		if err != nil {
			return err
		}
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		inflight, err := findStage(h.Timeline, args[0], model.StateInflight)
		if err != nil {
			return err
		}
		done, err := h.Timeline.SaveAsComplete(ctx, !completeNoLk, inflight, data, completeTime)
		if err != nil {
			return err
		}
		return printInstant("Completed", done, h.Timeline)
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <requested-time>",
	Short: "Revert a COMPLETED instant to INFLIGHT",
	Long: `Revert the COMPLETED instant at <requested-time> to the INFLIGHT stage it was
completed from. With --to-requested, revert an INFLIGHT instant to REQUESTED
instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		var out model.Instant
		if revertToRequested {
			inflight, err := findStage(h.Timeline, args[0], model.StateInflight)
			if err != nil {
				return err
			}
			if out, err = h.Timeline.RevertInstantFromInflightToRequested(ctx, inflight); err != nil {
				return err
			}
		} else {
			completed, err := findStage(h.Timeline, args[0], model.StateCompleted)
			if err != nil {
				return err
			}
			if out, err = h.Timeline.RevertToInflight(ctx, completed); err != nil {
				return err
			}
		}
		return printInstant("Reverted to", out, h.Timeline)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <requested-time>",
	Short: "Delete an instant's file",
	Long: `Delete the file of the instant at <requested-time>, by default its latest
stage. Pending stages are deleted outright. A completed instant is deleted
only when it is a rollback, or with --empty when its payload is empty.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		state, err := parseState(deleteState)
		if err != nil {
			return err
		}
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		inst, err := findStage(h.Timeline, args[0], state)
		if err != nil {
			return err
		}
		switch {
		case !inst.IsCompleted():
			err = h.Timeline.DeletePending(ctx, inst)
		case deleteEmpty:
			err = h.Timeline.DeleteEmptyInstantIfExists(ctx, inst)
		case inst.Action == model.ActionRollback:
			err = h.Timeline.DeleteCompletedRollback(ctx, inst)
		default:
			err = fmt.Errorf("refusing to delete completed %s instant %s; revert it first or pass --empty", inst.Action, inst.RequestedTime)
		}
		if err != nil {
			return err
		}
		return printInstant("Deleted", inst, h.Timeline)
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <requested-time>",
	Short: "Copy a completed instant into the archive directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		inst, err := findStage(h.Timeline, args[0], model.StateCompleted)
		if err != nil {
			return err
		}
		if err := h.Timeline.CopyInstant(ctx, inst, table.ArchiveDir); err != nil {
			return err
		}
		return printInstant("Archived", inst, h.Timeline)
	},
}

func init() {
	createCmd.Flags().StringVar(&createTime, "time", "", "requested time (default: minted)")
	createCmd.Flags().StringVar(&createPlan, "plan", "", "JSON plan payload file, or - for stdin")
	createCmd.Flags().BoolVar(&createInflight, "inflight", false, "create the instant at INFLIGHT")
	createCmd.Flags().BoolVar(&createOverwrite, "overwrite", false, "replace an existing compaction plan")

	inflightCmd.Flags().StringVar(&inflightData, "data", "", "JSON payload file for the inflight stage, or - for stdin")
	inflightCmd.Flags().BoolVar(&inflightRedundant, "allow-redundant", false, "tolerate an existing inflight file")

	completeCmd.Flags().StringVar(&completeData, "data", "", "JSON completion metadata file, or - for stdin")
	completeCmd.Flags().StringVar(&completeTime, "completion-time", "", "completion time to record instead of a minted one")
	completeCmd.Flags().BoolVar(&completeNoLk, "no-lock", false, "mint the completion time without the lock")

	revertCmd.Flags().BoolVar(&revertToRequested, "to-requested", false, "revert an INFLIGHT instant to REQUESTED")

	deleteCmd.Flags().StringVar(&deleteState, "state", "", "stage to delete (default: latest)")
	deleteCmd.Flags().BoolVar(&deleteEmpty, "empty", false, "delete a completed instant whose payload is empty")

	rootCmd.AddCommand(createCmd, inflightCmd, completeCmd, revertCmd, deleteCmd, archiveCmd)
}
