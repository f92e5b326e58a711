package main

import (
	"fmt"

	"github.com/randalmurphal/contractflow/pkg/contractflow/contract"
	"github.com/randalmurphal/contractflow/pkg/contractflow/worker"
	"github.com/spf13/cobra"
)

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		p        worker.Payload
		state    contract.State
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <document-id>",
		Short: "Register and enqueue a contract analysis",
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

			state.DocumentID = args[0]
			state.UserID = p.UserID
			p.State = state
			p.Priority = priority

			enqueued, info, err := client.Enqueue(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s enqueued as %s on %s\n", enqueued.TaskID, info.ID, info.Queue)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.TaskID, "task-id", "", "task id (default: new uuid)")
	f.StringVar(&p.UserID, "user", "", "owning user id")
	f.StringVar(&p.SessionID, "session", "", "session progress is published to")
	f.StringVar(&p.ContextKey, "context-key", "", "authorization context lease to refresh")
	f.IntVar(&priority, "priority", 0, "recovery priority")
	f.StringVar(&state.AustralianState, "state", "", "Australian state or territory (e.g. NSW)")
	f.StringVar(&state.ContractType, "contract-type", "purchase_agreement", "contract type")
	f.StringVar(&state.UserType, "user-type", "buyer", "user type")
	return cmd
}
