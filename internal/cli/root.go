// Package cli implements the corekeeper command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"corekeeper/internal/app"
	"corekeeper/internal/notify"
	pkgerrors "corekeeper/pkg/errors"
)

var (
	appInstance *app.App
	version     = "dev"

	// newNotifier builds the notifier for startup failures.
	newNotifier = func() *notify.Notifier { return notify.New(nil) }
)

// skipApp marks commands that run without opening the database.
const skipApp = "skip-app"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "corekeeper",
	Short: "CoreKeeper - proxy kernel lifecycle manager",
	Long: `CoreKeeper - proxy kernel lifecycle manager

  Runs an Xray kernel for the connection you pick, restarts it on request,
  reports traffic statistics and cleans up after crashes.

  Quick start:
    corekeeper group create work --url "https://..."
    corekeeper sub update work
    corekeeper test --group work
    corekeeper connect --auto --group work

  Control a running daemon:
    corekeeper status | restart | stop | shutdown`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipApp] != "" {
			return nil
		}
		var err error
		appInstance, err = openApp(cmd)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance != nil {
			err := appInstance.Close()
			appInstance = nil
			return err
		}
		return nil
	},
}

func openApp(cmd *cobra.Command) (*app.App, error) {
	home, _ := cmd.Flags().GetString("home")
	level, _ := cmd.Flags().GetString("log-level")
	quiet := false
	if f := cmd.Flags().Lookup("monitor"); f != nil && f.Value.String() == "true" {
		quiet = true
	}
	return app.Open(app.Options{Home: home, LogLevel: level, Quiet: quiet})
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if appInstance != nil {
		appInstance.Close()
		appInstance = nil
	}
	if err == nil {
		return app.ExitOK
	}

	if app.IsFatalStartup(err) {
		reportStartupFailure(err)
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return app.ExitCode(err)
}

// reportStartupFailure explains a fatal startup error on stderr and through
// a critical desktop notification.
func reportStartupFailure(err error) {
	var se *pkgerrors.StartupError
	errors.As(err, &se)

	fmt.Fprintf(os.Stderr, "CoreKeeper failed to start (exit code %d)\n\n", se.Code)
	fmt.Fprintf(os.Stderr, "  %s\n", err)
	if hint := startupHint(se.Code); hint != "" {
		fmt.Fprintf(os.Stderr, "\n  %s\n", hint)
	}

	n := newNotifier()
	defer n.Close()
	n.Critical("CoreKeeper failed to start", se.Msg)
}

func startupHint(code int) string {
	switch code {
	case app.ExitPreInit:
		return "Run 'corekeeper --help' for usage."
	case app.ExitConfigPath:
		return "Check that the configuration directory is writable, or pass --home."
	case app.ExitConfigFile:
		return "Fix or remove the configuration file; defaults are written on the next start."
	case app.ExitTLS:
		return "Install the system CA certificates package."
	case app.ExitEarlySetup:
		return "Set kernel.path in the configuration or COREKEEPER_KERNEL_PATH."
	}
	return ""
}

func init() {
	rootCmd.PersistentFlags().String("home", "", "keep config, data and cache under this directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &pkgerrors.StartupError{Code: app.ExitPreInit, Msg: "invalid arguments", Err: err}
	})

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Annotations: map[string]string{skipApp: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CoreKeeper %s\n", version)
	},
}
