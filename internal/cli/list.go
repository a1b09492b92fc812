package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/model"
)

var (
	listState  string
	listAction string
	listOrder  string
)

type instantRow struct {
	model.Instant
	FileName string `json:"file_name"`
}

func instantRows(tl *timeline.ActiveTimeline, instants []model.Instant) []instantRow {
	rows := make([]instantRow, 0, len(instants))
	for _, inst := range instants {
		name, _ := tl.FileName(inst)
		rows = append(rows, instantRow{Instant: inst, FileName: name})
	}
	return rows
}

func printRows(rows []instantRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUESTED\tACTION\tSTATE\tCOMPLETED\tFILE")
	for _, r := range rows {
		completion := r.CompletionTime
		if completion == "" {
			completion = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RequestedTime, r.Action, r.State, completion, r.FileName)
	}
	w.Flush()
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List timeline instants",
	Long: `List the instants on the timeline, ordered by requested time.

Use --state and --action to filter, and --order completion to order completed
instants by completion time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		view := h.Timeline.View()
		state, err := parseState(listState)
		if err != nil {
			return err
		}
		if state != "" {
			view = view.ByState(state)
		}
		if listAction != "" {
			action, err := parseAction(listAction)
			if err != nil {
				return err
			}
			view = view.ByActions(action)
		}

		instants := view.Instants()
		switch listOrder {
		case "", "requested":
		case "completion":
			instants = view.OrderedByCompletionTime()
		default:
			return fmt.Errorf("invalid order %q (must be requested or completion)", listOrder)
		}

		rows := instantRows(h.Timeline, instants)
		if jsonOutput {
			return outputJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("Timeline is empty.")
			return nil
		}
		printRows(rows)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <requested-time|file-name>",
	Short: "Show an instant's stages or a file's payload",
	Long: `Show the stages present for a requested time, or print the payload stored
in a timeline file when given a file name such as 20240101000000.commit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		if inst, ok := h.Timeline.ParseFileName(args[0]); ok {
			data, err := h.Timeline.InstantDetails(ctx, inst)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"instant": inst, "payload": string(data)})
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		stages := h.Timeline.Stages().Find(args[0])
		if len(stages) == 0 {
			return fmt.Errorf("no instant at %s", args[0])
		}
		rows := instantRows(h.Timeline, stages)
		if jsonOutput {
			return outputJSON(rows)
		}
		printRows(rows)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "filter by state (requested, inflight, completed)")
	listCmd.Flags().StringVar(&listAction, "action", "", "filter by action (commit, clean, ...)")
	listCmd.Flags().StringVar(&listOrder, "order", "", "order: requested (default) or completion")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
}
