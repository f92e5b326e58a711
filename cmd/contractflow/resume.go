package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Enqueue an interrupted task again from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, _, done, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer done()

			client, err := c.newClient(reg)
			if err != nil {
				return err
			}
			defer client.Close()

			p, info, err := client.Relaunch(ctx, args[0])
			if err != nil {
				return err
			}
			from := p.ResumeFrom
			if from == "" {
				from = "latest checkpoint"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s enqueued as %s, resuming from %s\n", p.TaskID, info.ID, from)
			return nil
		},
	}
}
