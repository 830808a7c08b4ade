package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"corekeeper/internal/app"
	"corekeeper/internal/control"
	"corekeeper/internal/signals"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pid, err := app.DaemonPID(appInstance.Dirs.DaemonPIDFile())
		if err != nil {
			fmt.Println("Status: Daemon not running")
			return nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		running, healthErr := kernelRunning(dialCtx)

		fmt.Println("CoreKeeper Status")
		fmt.Println("═════════════════")
		fmt.Println()
		fmt.Printf("Daemon:     ● Running (pid %d)\n", pid)
		switch {
		case healthErr != nil:
			fmt.Printf("Kernel:     ? Unknown (%v)\n", healthErr)
		case running:
			fmt.Println("Kernel:     ● Running")
		default:
			fmt.Println("Kernel:     ○ Idle")
		}

		active, err := appInstance.Registry.Active(ctx)
		if err != nil || active == nil {
			return nil
		}
		conn := appInstance.Registry.ConnectionMeta(ctx, active.ConnectionID)
		group := appInstance.Registry.GroupMeta(ctx, active.GroupID)

		fmt.Println()
		fmt.Printf("Connection: %s (ID: %s)\n", conn.Name, conn.ID)
		fmt.Printf("Protocol:   %s\n", conn.Protocol)
		fmt.Printf("Address:    %s:%d\n", conn.Address, conn.Port)
		fmt.Printf("Group:      %s\n", group.Name)
		fmt.Printf("Core:       %s (pid %d)\n", active.CoreType, active.PID)
		fmt.Printf("Started:    %s\n", active.StartedAt.Format(time.RFC3339))
		fmt.Printf("Uptime:     %s\n", time.Since(active.StartedAt).Round(time.Second))
		return nil
	},
}

func kernelRunning(ctx context.Context) (bool, error) {
	client, err := control.Dial(ctx, appInstance.Dirs.ControlSocket())
	if err != nil {
		return false, err
	}
	defer client.Close()
	return client.KernelRunning(ctx)
}

var disconnectCmd = &cobra.Command{
	Use:     "disconnect",
	Aliases: []string{"stop"},
	Short:   "Stop the kernel; the daemon keeps running",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(signals.SendStop, "✓ Disconnect requested")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the kernel with the current connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(signals.SendRestart, "✓ Restart requested")
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the kernel and the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(signals.SendShutdown, "✓ Shutdown requested")
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <executable>",
	Short: "Replace the running daemon with another executable",
	Long: `Record a replacement executable and shut the daemon down. The daemon
exits with code 70 and the replacement is started with "run".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := app.DaemonPID(appInstance.Dirs.DaemonPIDFile())
		if err != nil {
			return err
		}
		if err := app.RequestUpgrade(appInstance.Dirs.UpgradeFile(), args[0]); err != nil {
			return err
		}
		if err := signals.SendShutdown(pid); err != nil {
			return fmt.Errorf("failed to signal daemon: %w", err)
		}
		fmt.Printf("✓ Upgrade requested, daemon (pid %d) is restarting\n", pid)
		return nil
	},
}

func signalDaemon(send func(int) error, done string) error {
	pid, err := app.DaemonPID(appInstance.Dirs.DaemonPIDFile())
	if err != nil {
		return err
	}
	if err := send(pid); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}
	fmt.Println(done)
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(upgradeCmd)
}
