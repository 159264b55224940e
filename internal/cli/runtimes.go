package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewRuntimesCmd(g *globalFlags) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "List configured runtimes and whether their interpreters work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			logger, _ := g.logger(cfg, cmd.ErrOrStderr())
			rt, err := bootstrapRuntime(cfg, logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			runtimes := rt.manager.Runtimes()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 2, 2, ' ', 0)
			fmt.Fprintln(w, "RUNTIME\tCOMMAND\tPATH\tSTATUS")
			for _, name := range runtimes.Names() {
				spec, path, resolveErr := runtimes.Resolve(name)
				status := "available"
				switch {
				case resolveErr != nil:
					status = "missing"
					path = "-"
				case verify && !rt.manager.Verify(cmd.Context(), name):
					status = "broken"
				case verify:
					status = "verified"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, strings.TrimSpace(spec.Command), path, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Run each interpreter's probe command")
	return cmd
}
