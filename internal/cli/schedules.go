package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gyrex/internal/gyrex"
)

func (a *app) buildSchedulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage job schedules",
	}
	cmd.AddCommand(a.buildSchedulesApplyCommand())
	cmd.AddCommand(a.buildSchedulesListCommand())
	cmd.AddCommand(a.buildSchedulesGetCommand())
	cmd.AddCommand(a.buildSchedulesRemoveCommand())
	return cmd
}

func (a *app) buildSchedulesApplyCommand() *cobra.Command {
	var file string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace schedules from a YAML file",
		Long: `Read schedules from a YAML file and save them. Every schedule in the file is
validated before any is saved. Running schedulers pick up changes on their next refresh.

  schedules:
    - id: nightly
      timeZone: Europe/Berlin
      entries:
        - id: export
          jobTypeId: export
          cron: "0 2 * * *"
          parameter: {target: s3}
        - id: index
          jobTypeId: index
          triggerAfter: [export]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read schedule file: %w", err)
			}
			schedules, err := ParseScheduleFile(data)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d schedules are valid\n", len(schedules))
				return nil
			}

			return a.withSession(cmd, func(s *gyrex.Session) error {
				for _, sched := range schedules {
					if err := s.Schedules.Save(cmd.Context(), sched); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%d entries)\n", sched.ID, len(sched.Entries))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file containing schedule definitions")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only validate the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) buildSchedulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				ids, err := s.Schedules.List(cmd.Context())
				if err != nil {
					return err
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "SCHEDULE\tENABLED\tCONTEXT\tQUEUE\tENTRIES")
				for _, id := range ids {
					sched, err := s.Schedules.Load(cmd.Context(), id)
					if err != nil {
						return err
					}
					entries := make([]string, 0, len(sched.Entries))
					for _, e := range sched.Entries {
						entries = append(entries, e.ID)
					}
					fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
						sched.ID, sched.Enabled, sched.ContextOrDefault(), sched.QueueOrDefault(), strings.Join(entries, ","))
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) buildSchedulesGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <schedule-id>",
		Short: "Print a stored schedule as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				sched, err := s.Schedules.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(sched); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func (a *app) buildSchedulesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Delete a stored schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				if err := s.Schedules.Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}
