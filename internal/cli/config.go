package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"corekeeper/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the daemon configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and COREKEEPER_* environment
overrides were applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(appInstance.Config); err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		return enc.Close()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the locations CoreKeeper uses",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		d := appInstance.Dirs
		fmt.Printf("Config:     %s\n", d.ConfigFile())
		fmt.Printf("Database:   %s\n", d.Database())
		fmt.Printf("Cache:      %s\n", d.Cache)
		fmt.Printf("Bug report: %s\n", d.BugReportDir())
		fmt.Printf("Socket:     %s\n", d.ControlSocket())
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite the configuration file with defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force && !confirm("Replace the configuration file with defaults?") {
			fmt.Println("Cancelled.")
			return nil
		}
		if err := config.Default().Save(appInstance.Dirs.ConfigFile()); err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}
		fmt.Printf("✓ Configuration reset: %s\n", appInstance.Dirs.ConfigFile())
		return nil
	},
}

func init() {
	configResetCmd.Flags().BoolP("force", "f", false, "skip confirmation")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configResetCmd)
	rootCmd.AddCommand(configCmd)
}
