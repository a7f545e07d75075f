package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skobkin/fieldsync/internal/app"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	RootDir string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           app.Name,
		Short:         "fieldsync - field team state sync client",
		Long:          `fieldsync keeps activity, messaging and queued field actions in sync with the dispatch server, online or offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.RootDir, "root", "", "application directory (defaults to the user config dir)")

	root.AddCommand(
		newRunCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newQueueCmd(opts),
		newDiagnosticsCmd(opts),
		newCacheCmd(opts),
		newVersionCmd(),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// withRuntime initializes the runtime for one command and always closes it.
func withRuntime(cmd *cobra.Command, opts *globalOptions, rtOpts app.Options, fn func(rt *app.Runtime) error) error {
	rtOpts.RootDir = opts.RootDir
	rt, err := app.Initialize(cmd.Context(), rtOpts)
	if err != nil {
		return fmt.Errorf("initialize app runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	return fn(rt)
}
