package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/fieldsync/internal/app"
	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/transport"
)

const passwordEnv = "FIELDSYNC_PASSWORD"

func newLoginCmd(global *globalOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{Offline: true}, func(rt *app.Runtime) error {
				ctx := cmd.Context()
				if strings.TrimSpace(user) == "" {
					user = rt.Auth.RememberedUser(ctx)
				}
				if strings.TrimSpace(user) == "" {
					return errors.New("--user is required")
				}
				password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if err := rt.Auth.Login(ctx, user, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", user)

				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user name (defaults to the last one used)")

	return cmd
}

// readPassword prefers FIELDSYNC_PASSWORD and falls back to one line of input.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	fmt.Fprint(prompt, "password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}

	return password, nil
}

func newLogoutCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop stored credentials and cached user data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{Offline: true}, func(rt *app.Runtime) error {
				if err := rt.Logout(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")

				return nil
			})
		},
	}
}

func newQueueCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending and failed offline actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{Offline: true}, func(rt *app.Runtime) error {
				ctx := cmd.Context()
				if err := rt.Offline.Load(ctx); err != nil {
					return err
				}
				failed, err := rt.Offline.Failed(ctx)
				if err != nil {
					return err
				}

				return printQueue(cmd.OutOrStdout(), rt.Offline.Queued(), failed)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Replay pending actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{}, func(rt *app.Runtime) error {
				ctx := cmd.Context()
				if err := rt.Offline.Load(ctx); err != nil {
					return err
				}
				if !rt.CheckConnectivity(ctx) {
					return errors.New("server unreachable; pending actions kept")
				}
				res, err := rt.Offline.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, dropped %d, remaining %d\n",
					res.Attempted, res.Succeeded, res.Dropped, res.Remaining)

				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear-failed",
		Short: "Forget actions that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{Offline: true}, func(rt *app.Runtime) error {
				return rt.Offline.ClearFailed(cmd.Context())
			})
		},
	})

	return cmd
}

func printQueue(out io.Writer, pending []domain.PendingAction, failed []domain.FailedAction) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PENDING (%d)\n", len(pending))
	for _, a := range pending {
		fmt.Fprintf(tw, "%s\t%s\tretries=%d\t%s\n", a.ID, a.Type, a.RetryCount, a.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "FAILED (%d)\n", len(failed))
	for _, f := range failed {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Action.ID, f.Action.Type, f.FailedAt.Format(time.RFC3339), f.LastError)
	}

	return tw.Flush()
}

func newDiagnosticsCmd(global *globalOptions) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show recent request failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{Offline: true}, func(rt *app.Runtime) error {
				if reset {
					return rt.Diagnostics.Clear(cmd.Context())
				}

				return printDiagnostics(cmd.OutOrStdout(), rt.Diagnostics.Entries())
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "clear", false, "empty the failure log")

	return cmd
}

func printDiagnostics(out io.Writer, entries []transport.DiagnosticEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "no recorded failures")

		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		status := "-"
		if e.Status > 0 {
			status = fmt.Sprint(e.Status)
		}
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%dms\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Method, e.URL, status, e.DurationMs, e.Message)
	}

	return tw.Flush()
}

func newCacheCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached data",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop cached responses and display names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, global, app.Options{Offline: true}, func(rt *app.Runtime) error {
				if err := rt.ClearCache(cmd.Context()); err != nil {
					return err
				}
				rt.Appointments.Clear(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")

				return nil
			})
		},
	})

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.BuildVersionWithDate())
		},
	}
}
