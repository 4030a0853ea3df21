package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gyrex/internal/constants"
	"gyrex/internal/gyrex"
	"gyrex/internal/jobs"
	"gyrex/internal/state"
)

func (a *app) buildJobsCommand() *cobra.Command {
	var contextPath string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control jobs",
	}
	cmd.PersistentFlags().StringVar(&contextPath, "context", constants.DefaultContext, "runtime context of the jobs")

	manager := func(s *gyrex.Session) (*jobs.Manager, error) {
		return s.Contexts.Resolve(contextPath)
	}
	cmd.AddCommand(a.buildJobsListCommand(manager))
	cmd.AddCommand(a.buildJobsCancelCommand(manager))
	cmd.AddCommand(a.buildJobsRemoveCommand(manager))
	return cmd
}

type managerFunc func(s *gyrex.Session) (*jobs.Manager, error)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func (a *app) buildJobsListCommand(manager managerFunc) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]state.JobState, 0, len(states))
			for _, s := range states {
				st, ok := state.Parse(s)
				if !ok {
					return fmt.Errorf("unknown job state %q", s)
				}
				filter = append(filter, st)
			}

			return a.withSession(cmd, func(s *gyrex.Session) error {
				m, err := manager(s)
				if err != nil {
					return err
				}
				list, err := m.ListJobs(cmd.Context(), filter...)
				if err != nil {
					return err
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "JOB\tTYPE\tSTATE\tNODE\tLAST FINISH\tRESULT")
				for _, job := range list {
					st, err := m.DisplayState(cmd.Context(), job)
					if err != nil {
						return err
					}
					result := "-"
					if !job.LastFinish.IsZero() {
						result = "ok"
						if !job.LastResult.OK {
							result = "failed: " + job.LastResult.Message
						}
					}
					node := job.ActiveNode
					if node == "" {
						node = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", job.ID, job.TypeID, st, node, formatTime(job.LastFinish), result)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only list jobs in these stored states (none, queued, running)")
	return cmd
}

func (a *app) buildJobsCancelCommand(manager managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or stuck job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				m, err := manager(s)
				if err != nil {
					return err
				}
				if _, err := m.CancelJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) buildJobsRemoveCommand(manager managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete an inactive job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				m, err := manager(s)
				if err != nil {
					return err
				}
				if err := m.RemoveJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}
