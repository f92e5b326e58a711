package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/spf13/cobra"
)

func newTasksCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage registered tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(c),
		newTasksShowCmd(c),
		newTasksCheckpointCmd(c),
		newTasksOrphansCmd(c),
		newTasksCancelCmd(c),
	)
	return cmd
}

func newTasksListCmd(c *cli) *cobra.Command {
	var (
		states []string
		user   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by recovery priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, done, err := c.openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			f := registry.TaskFilter{UserID: user, Limit: limit}
			for _, s := range states {
				st := registry.TaskState(s)
				if !st.Valid() {
					return fmt.Errorf("unknown task state %q", s)
				}
				f.States = append(f.States, st)
			}

			tasks, err := reg.ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK ID\tSTATE\tPROGRESS\tSTEP\tHEARTBEAT")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n",
					t.TaskID, t.CurrentState, t.ProgressPercent, t.CurrentStep, heartbeat(t.LastHeartbeat))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only tasks in these states")
	cmd.Flags().StringVar(&user, "user", "", "only tasks of this user")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")
	return cmd
}

func heartbeat(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func newTasksShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task's registry row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, done, err := c.openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			t, err := reg.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func newTasksCheckpointCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <task-id>",
		Short: "Print the checkpoint a resume would start from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, done, err := c.openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			data, err := reg.GetLatestCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if data == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s has no checkpoint\n", args[0])
				return nil
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newTasksOrphansCmd(c *cli) *cobra.Command {
	var (
		staleAfter time.Duration
		relaunch   bool
	)
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Mark tasks without a recent heartbeat as orphaned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, _, done, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer done()

			if staleAfter <= 0 {
				staleAfter = c.settings.Recovery.OrphanAfter
			}

			if relaunch {
				client, err := c.newClient(reg)
				if err != nil {
					return err
				}
				defer client.Close()

				ids, err := client.RelaunchOrphans(ctx, staleAfter)
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "relaunched %s\n", id)
				}
				return err
			}

			orphans, err := reg.FindOrphaned(ctx, staleAfter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK ID\tPROGRESS\tSTEP\tRECOVERY")
			for _, t := range orphans {
				fmt.Fprintf(w, "%s\t%d%%\t%s\t%s\n", t.TaskID, t.ProgressPercent, t.CurrentStep, t.RecoveryMethod)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "heartbeat age that makes a task orphaned (default from settings)")
	cmd.Flags().BoolVar(&relaunch, "relaunch", false, "enqueue orphans with auto-recovery enabled again")
	return cmd
}

func newTasksCancelCmd(c *cli) *cobra.Command {
	var asynqID string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cooperative cancellation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, done, err := c.openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if !reg.Cancel(cmd.Context(), args[0]) {
				return fmt.Errorf("task %s not cancelled: %w", args[0], registry.ErrTaskNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s marked cancelled\n", args[0])

			if asynqID == "" {
				return nil
			}
			opt, err := c.redisOpt()
			if err != nil {
				return err
			}
			inspector := asynq.NewInspector(opt)
			defer inspector.Close()
			if err := inspector.CancelProcessing(asynqID); err != nil {
				return fmt.Errorf("signal running task %s: %w", asynqID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel signal sent to %s\n", asynqID)
			return nil
		},
	}
	cmd.Flags().StringVar(&asynqID, "asynq-id", "", "also signal the running asynq task with this id")
	return cmd
}
