// Package cli implements the gyrex command line:
//
//	gyrex run                          start a node
//	gyrex nodes list|approve|retire    manage cluster membership
//	gyrex schedules apply|list|get|remove
//	gyrex jobs list|cancel|remove
//
// Every command reads the same configuration file and GYREX_ environment variables.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gyrex/internal/gyrex"
	"gyrex/internal/logging"
	"gyrex/internal/models/config"
)

var Version = "dev"

type app struct {
	configFile string
	handlers   []config.JobHandler

	loadConfig func(path string) (*config.GyrexConfig, error)
	// options adds set up options to every session and server, e.g. a shared gate.
	options func() []gyrex.Option
}

// BuildCLI returns the root command. handlers are the job types `gyrex run` executes.
func BuildCLI(handlers ...config.JobHandler) *cobra.Command {
	return newApp(handlers).rootCommand()
}

func newApp(handlers []config.JobHandler) *app {
	return &app{
		handlers:   handlers,
		loadConfig: config.Load,
		options:    func() []gyrex.Option { return nil },
	}
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gyrex",
		Short: "Gyrex: cluster coordination and job scheduling",
		Long: `Gyrex runs scheduled jobs on a cluster of nodes coordinated through ZooKeeper.
Nodes join after an administrator approved them, a single node drives the cron
triggers and every node executes queued jobs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildNodesCommand())
	rootCmd.AddCommand(a.buildSchedulesCommand())
	rootCmd.AddCommand(a.buildJobsCommand())
	return rootCmd
}

func (a *app) config() (*config.GyrexConfig, error) {
	cfg, err := a.loadConfig(a.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// session connects with a quiet console logger, command output goes to stdout.
func (a *app) session(ctx context.Context) (*gyrex.Session, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New("warn", "console")
	if err != nil {
		return nil, err
	}
	return gyrex.Connect(ctx, cfg, append([]gyrex.Option{gyrex.WithLogger(logger)}, a.options()...)...)
}

// withSession runs fn with a connected session and closes it afterwards.
func (a *app) withSession(cmd *cobra.Command, fn func(s *gyrex.Session) error) (err error) {
	s, err := a.session(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return fn(s)
}

func table(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}
