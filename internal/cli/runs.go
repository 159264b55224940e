package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yubzen/agentstream/internal/state"
)

func NewRunsCmd(g *globalFlags) *cobra.Command {
	var limit int
	var showSteps string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the state database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			db, err := state.Connect(cfg.State.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if showSteps != "" {
				steps, err := db.StepResults(cmd.Context(), showSteps)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 2, 2, ' ', 0)
				fmt.Fprintln(w, "CREATED_AT\tSTEP_ID\tACTION\tSUCCESS")
				for _, s := range steps {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", s.CreatedAt.Format(time.RFC3339), s.StepID, s.Action, s.Success)
				}
				return w.Flush()
			}

			runs, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 2, 2, ' ', 0)
			fmt.Fprintln(w, "RUN_ID\tTHREAD_ID\tSTATUS\tSTARTED_AT\tFINISHED_AT")
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.ThreadID, r.Status, r.StartedAt.Format(time.RFC3339), finished)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", state.DefaultRunListLimit, "Maximum number of runs to list")
	cmd.Flags().StringVar(&showSteps, "steps", "", "Show the step results of this run id instead")
	return cmd
}
