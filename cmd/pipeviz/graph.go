package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pipeviz/internal/stepgraph"
)

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect step configs",
	}
	cmd.AddCommand(graphValidateCmd())
	return cmd
}

func graphValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a step config and report the resulting graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := stepgraph.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d steps, version %s\n", args[0], g.Len(), g.Version())
			for _, d := range g.Definitions() {
				line := "  " + d.ID
				if len(d.Dependencies) > 0 {
					line += " <- " + strings.Join(d.Dependencies, ", ")
				}
				if d.RequiresAcknowledgment {
					line += " [acknowledgment]"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
