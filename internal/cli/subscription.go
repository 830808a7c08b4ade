package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"corekeeper/internal/subscription"
)

var subCmd = &cobra.Command{
	Use:     "sub",
	Aliases: []string{"subscription"},
	Short:   "Manage subscriptions",
	Long:    "Refresh subscription groups and show when they update next",
}

var subUpdateCmd = &cobra.Command{
	Use:               "update [group]",
	Short:             "Update subscription",
	Long:              "Update a subscription group, or every due group if --all is specified",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeGroupNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		manager := appInstance.Subscriptions()

		if updateAll, _ := cmd.Flags().GetBool("all"); updateAll {
			fmt.Println("Updating all due subscription groups...")
			results, err := manager.UpdateAllDue(ctx)
			if err != nil {
				return fmt.Errorf("failed to update subscriptions: %w", err)
			}
			if len(results) == 0 {
				fmt.Println("No subscription groups due for update.")
				return nil
			}

			fmt.Println()
			for _, result := range results {
				fmt.Printf("Group: %s\n", result.GroupName)
				printUpdateResult(result)
				fmt.Println()
			}
			fmt.Printf("✓ Updated %d subscription groups\n", len(results))
			return nil
		}

		if len(args) == 0 {
			return fmt.Errorf("please specify a group name or use --all")
		}

		group, err := appInstance.Registry.FindGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("group not found: %s", args[0])
		}
		fmt.Printf("Updating subscription for group '%s'...\n", group.Name)

		result, err := manager.UpdateGroup(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}

		fmt.Println()
		fmt.Printf("✓ Subscription updated!\n\n")
		printUpdateResult(result)
		return nil
	},
}

func printUpdateResult(result *subscription.UpdateResult) {
	fmt.Printf("  Total links:   %d\n", result.TotalURIs)
	fmt.Printf("  Added:         %d connections\n", result.Added)
	fmt.Printf("  Removed:       %d\n", result.Removed)
	if result.Skipped > 0 {
		fmt.Printf("  Filtered:      %d\n", result.Skipped)
	}
	fmt.Printf("  Failed:        %d\n", result.Failed)

	if len(result.Errors) > 0 {
		fmt.Printf("  Errors:\n")
		for _, err := range result.Errors {
			fmt.Printf("    - %v\n", err)
		}
	}
}

var subStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show subscription status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := appInstance.Subscriptions().GetUpdateStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get subscription status: %w", err)
		}
		if len(statuses) == 0 {
			fmt.Println("No subscription groups found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tCONNECTIONS\tAUTO-UPDATE\tINTERVAL\tLAST UPDATED\tNEXT UPDATE\tSTATUS")
		fmt.Fprintln(w, "-----\t-----------\t-----------\t--------\t------------\t-----------\t------")

		for _, status := range statuses {
			autoUpdate := "✗"
			if status.AutoUpdate {
				autoUpdate = "✓"
			}

			nextUpdate := "N/A"
			if status.NextUpdate != nil {
				nextUpdate = status.NextUpdate.Local().Format("2006-01-02 15:04")
			}

			statusStr := "OK"
			if status.IsDue {
				statusStr = "⚠ Due"
			}

			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				status.GroupName, status.ConnectionCount, autoUpdate,
				formatDuration(status.Interval), formatTime(status.LastUpdated),
				nextUpdate, statusStr)
		}

		w.Flush()
		return nil
	},
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	if hours >= 24 {
		return fmt.Sprintf("%dd", hours/24)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

// formatTime prints t relative to now; nil means never.
func formatTime(t *time.Time) string {
	if t == nil {
		return "Never"
	}
	diff := time.Since(*t)

	if diff < time.Minute {
		return "just now"
	}
	if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	if diff < 7*24*time.Hour {
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}

	return t.Format("2006-01-02")
}

func init() {
	subUpdateCmd.Flags().Bool("all", false, "update every due group")

	subCmd.AddCommand(subUpdateCmd)
	subCmd.AddCommand(subStatusCmd)
	rootCmd.AddCommand(subCmd)
}
