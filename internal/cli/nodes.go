package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gyrex/internal/gyrex"
	"gyrex/internal/models"
)

func (a *app) buildNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage cluster membership",
	}
	cmd.AddCommand(a.buildNodesListCommand())
	cmd.AddCommand(a.buildNodesApproveCommand())
	cmd.AddCommand(a.buildNodesRetireCommand())
	return cmd
}

func (a *app) buildNodesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending, approved and online nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				ctx := cmd.Context()
				pending, err := s.Admin.ListPending(ctx)
				if err != nil {
					return err
				}
				approved, err := s.Admin.ListApproved(ctx)
				if err != nil {
					return err
				}
				online, err := s.Admin.ListOnline(ctx)
				if err != nil {
					return err
				}

				isOnline := make(map[string]bool, len(online))
				for _, n := range online {
					isOnline[n.ID] = true
				}

				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "NODE\tLOCATION\tSTATE")
				for _, n := range approved {
					st := "approved"
					if isOnline[n.ID] {
						st = "online"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", n.ID, n.Location, st)
				}
				for _, n := range pending {
					fmt.Fprintf(w, "%s\t%s\t%s\n", n.ID, n.Location, "pending")
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) buildNodesApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <node-id>",
		Short: "Approve a pending node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				info, err := s.Admin.Approve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", describe(info))
				return nil
			})
		},
	}
}

func (a *app) buildNodesRetireCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <node-id>",
		Short: "Revoke the approval of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *gyrex.Session) error {
				if err := s.Admin.Retire(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
				return nil
			})
		},
	}
}

func describe(n models.NodeInfo) string {
	if n.Location == "" {
		return n.ID
	}
	return n.ID + " (" + n.Location + ")"
}
