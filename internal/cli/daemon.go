package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"corekeeper/internal/app"
	"corekeeper/internal/core"
	"corekeeper/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground.

The daemon starts the auto_connect connection (if configured), serves the
control socket and refreshes due subscriptions. It stops on SIGINT or
SIGTERM; SIGUSR1 restarts the kernel and SIGUSR2 stops it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		monitor, _ := cmd.Flags().GetBool("monitor")
		return runDaemon(cmd, app.DaemonOptions{}, monitor)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [connection-id-or-name]",
	Short: "Run the daemon connected to a connection",
	Long: `Run the daemon in the foreground and start the given connection.

With --auto, every connection (or those of --group) is tested over TCP and
the fastest one is used.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		auto, _ := cmd.Flags().GetBool("auto")
		groupRef, _ := cmd.Flags().GetString("group")
		monitor, _ := cmd.Flags().GetBool("monitor")

		opts := app.DaemonOptions{Auto: auto}
		switch {
		case len(args) > 0:
			conn, err := appInstance.Registry.FindConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts.Connect = conn.ID
		case auto:
			if groupRef != "" {
				group, err := appInstance.Registry.FindGroup(cmd.Context(), groupRef)
				if err != nil {
					return fmt.Errorf("group not found: %s", groupRef)
				}
				opts.AutoGroup = group.ID
			}
		default:
			return fmt.Errorf("please specify a connection ID or name, or use --auto")
		}
		return runDaemon(cmd, opts, monitor)
	},
}

// runDaemon runs the daemon until it stops. With monitor the terminal UI
// runs on top of it and quitting the UI stops the daemon.
func runDaemon(cmd *cobra.Command, opts app.DaemonOptions, monitor bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := make(chan *core.Supervisor, 1)
	opts.Ready = func(sup *core.Supervisor) { ready <- sup }

	d := appInstance.NewDaemon(opts)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var sp *spinner.Spinner
	if !monitor {
		sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " Starting CoreKeeper..."
		sp.Start()
	}

	var err error
	select {
	case sup := <-ready:
		if sp != nil {
			sp.Stop()
			printReady(cmd.Context(), sup)
		}
		if monitor {
			err = runMonitor(ctx, stop, sup, done)
		} else {
			err = <-done
		}
	case err = <-done:
		if sp != nil {
			sp.Stop()
		}
	}

	if app.ExitCode(err) == app.ExitNewVersion {
		fmt.Printf("✓ Restarting into %s\n", d.Upgrade())
		if rerr := app.Relaunch(d.Upgrade(), relaunchArgs()...); rerr != nil {
			return rerr
		}
	}
	return err
}

// runMonitor shows the terminal UI until the user quits or the daemon
// stops, then waits for the daemon to finish.
func runMonitor(ctx context.Context, stopDaemon context.CancelFunc, sup *core.Supervisor, done <-chan error) error {
	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		err := <-done
		cancel()
		result <- err
	}()

	if err := tui.Run(monCtx, tui.Deps{Kernel: sup, Bus: appInstance.Bus, Registry: appInstance.Registry}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: monitor failed: %v\n", err)
	}
	stopDaemon()
	return <-result
}

func printReady(ctx context.Context, sup *core.Supervisor) {
	st := sup.Status()
	fmt.Println("✓ CoreKeeper is running")
	fmt.Println()
	if st.Connection.IsEmpty() {
		fmt.Println("  Connection: none (use 'corekeeper connect' or the control commands)")
	} else {
		conn := appInstance.Registry.ConnectionMeta(ctx, st.Connection.ConnectionID)
		fmt.Printf("  Connection: %s (%s)\n", conn.Name, conn.Protocol)
		fmt.Printf("  Address:    %s:%d\n", conn.Address, conn.Port)
		fmt.Printf("  Kernel:     %s (pid %d)\n", st.CoreType, st.PID)
	}
	in := appInstance.Config.Inbound
	fmt.Printf("  SOCKS5:     %s:%d\n", in.Listen, in.SOCKSPort)
	fmt.Printf("  HTTP:       %s:%d\n", in.Listen, in.HTTPPort)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
}

// relaunchArgs carries --home over to the replacement executable.
func relaunchArgs() []string {
	if home, _ := rootCmd.PersistentFlags().GetString("home"); home != "" {
		return []string{"--home", home}
	}
	return nil
}

func init() {
	runCmd.Flags().BoolP("monitor", "m", false, "show the terminal monitor")

	connectCmd.Flags().Bool("auto", false, "connect to the lowest latency connection")
	connectCmd.Flags().StringP("group", "g", "", "limit --auto to a group")
	connectCmd.Flags().BoolP("monitor", "m", false, "show the terminal monitor")
	connectCmd.RegisterFlagCompletionFunc("group", completeGroupNamesForFlag)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(connectCmd)
}
