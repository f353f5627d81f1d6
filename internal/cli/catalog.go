package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCatalogCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the task types the flow can negotiate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range cat.Types() {
				fmt.Fprintln(out, titleStyle.Render(t.Name)+" "+dimStyle.Render(t.DisplayName(opts.locale)))
				fmt.Fprintf(out, "  %s %s\n", keyStyle.Render("required:"), strings.Join(t.Required, ", "))
				if len(t.Recommended) > 0 {
					fmt.Fprintf(out, "  %s %s\n", keyStyle.Render("recommended:"), strings.Join(t.Recommended, ", "))
				}
				caps := make([]string, len(t.Capabilities))
				for i, c := range t.Capabilities {
					caps[i] = c.Capability
				}
				fmt.Fprintf(out, "  %s %s\n", keyStyle.Render("capabilities:"), strings.Join(caps, " -> "))
				if ex := t.Example(opts.locale); ex != "" {
					fmt.Fprintf(out, "  %s %q\n", keyStyle.Render("example:"), ex)
				}
			}
			return nil
		},
	}
}
