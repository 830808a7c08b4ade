package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"corekeeper/internal/storage/models"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage connection groups",
	Long:  "Create, list, rename and delete connection groups and their subscriptions",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		groups, err := appInstance.Registry.Groups(ctx)
		if err != nil {
			return fmt.Errorf("failed to get groups: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCONNECTIONS\tSUBSCRIPTION\tAUTO-UPDATE\tLAST UPDATED")
		fmt.Fprintln(w, "--\t----\t-----------\t------------\t-----------\t------------")

		for _, group := range groups {
			conns, err := appInstance.Registry.GroupConnections(ctx, group.ID)
			if err != nil {
				return fmt.Errorf("failed to get connections: %w", err)
			}

			hasSub := "No"
			autoUpdate := "-"
			if group.HasSubscription() {
				hasSub = "Yes"
				autoUpdate = "✗"
				if group.Subscription.AutoUpdate {
					autoUpdate = "✓"
				}
			}

			name := group.Name
			if group.IsDefault {
				name += " (default)"
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				group.ID, name, len(conns), hasSub, autoUpdate, formatTime(group.LastUpdated))
		}

		w.Flush()
		fmt.Printf("\nTotal: %d groups\n", len(groups))

		return nil
	},
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sub, err := subscriptionFlags(cmd, models.SubscriptionOption{AutoUpdate: true, UpdateInterval: 86400})
		if err != nil {
			return err
		}

		group, err := appInstance.Registry.CreateGroup(ctx, args[0], sub)
		if err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}

		fmt.Printf("✓ Group created!\n\n")
		fmt.Printf("  ID:           %s\n", group.ID)
		fmt.Printf("  Name:         %s\n", group.Name)
		if !group.HasSubscription() {
			return nil
		}

		fmt.Printf("  Subscription: %s\n", sub.Address)
		fmt.Printf("  Auto-update:  %v\n", sub.AutoUpdate)
		fmt.Printf("  Interval:     %s\n", time.Duration(sub.UpdateInterval)*time.Second)

		if !confirm("\nUpdate subscription now?") {
			return nil
		}
		fmt.Println("\nUpdating subscription...")
		result, err := appInstance.Subscriptions().UpdateGroup(ctx, group.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to update subscription: %v\n", err)
			return nil
		}
		fmt.Printf("✓ Added %d connections from subscription\n", result.Added)
		if result.Failed > 0 {
			fmt.Printf("  Failed: %d links\n", result.Failed)
		}
		return nil
	},
}

var groupRenameCmd = &cobra.Command{
	Use:               "rename <group> <new-name>",
	Short:             "Rename a group",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeGroupNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		group, err := appInstance.Registry.FindGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("group not found: %s", args[0])
		}
		if err := appInstance.Registry.RenameGroup(ctx, group.ID, args[1]); err != nil {
			return fmt.Errorf("failed to rename group: %w", err)
		}

		fmt.Printf("✓ Group renamed: %s → %s\n", group.Name, strings.TrimSpace(args[1]))
		return nil
	},
}

var groupSubscriptionCmd = &cobra.Command{
	Use:   "subscription <group>",
	Short: "Change a group's subscription",
	Long: `Change the subscription options of a group. Only the flags given are
changed; pass --url "" to turn the group back into a manual group.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeGroupNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		group, err := appInstance.Registry.FindGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("group not found: %s", args[0])
		}
		sub, err := subscriptionFlags(cmd, group.Subscription)
		if err != nil {
			return err
		}
		if err := appInstance.Registry.UpdateSubscription(ctx, group.ID, sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}

		fmt.Printf("✓ Subscription updated for group: %s\n", group.Name)
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:               "delete <group>",
	Short:             "Delete a group",
	Long:              "Delete a group. Its connections move to the default group unless --purge is given.",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeGroupNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		group, err := appInstance.Registry.FindGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("group not found: %s", args[0])
		}
		if group.IsDefault {
			return fmt.Errorf("cannot delete the default group")
		}

		purge, _ := cmd.Flags().GetBool("purge")
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			prompt := fmt.Sprintf("Delete group '%s'? Its connections move to the default group.", group.Name)
			if purge {
				prompt = fmt.Sprintf("Delete group '%s' and all its connections?", group.Name)
			}
			if !confirm(prompt) {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		moved, err := appInstance.Registry.DeleteGroup(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}

		if purge {
			for _, id := range moved {
				if err := appInstance.Registry.DeleteConnection(ctx, id); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to delete connection %s: %v\n", id, err)
				}
			}
			fmt.Printf("✓ Group deleted: %s (%d connections removed)\n", group.Name, len(moved))
			return nil
		}
		fmt.Printf("✓ Group deleted: %s (%d connections moved to default)\n", group.Name, len(moved))
		return nil
	},
}

var groupConnectionsCmd = &cobra.Command{
	Use:               "connections <group>",
	Short:             "List connections in a group",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeGroupNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		group, err := appInstance.Registry.FindGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("group not found: %s", args[0])
		}
		conns, err := appInstance.Registry.GroupConnections(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("failed to get connections: %w", err)
		}
		if len(conns) == 0 {
			fmt.Printf("No connections in group '%s'.\n", group.Name)
			return nil
		}

		fmt.Printf("Connections in group: %s\n", group.Name)
		fmt.Println(strings.Repeat("═", 60))
		fmt.Println()
		printConnections(cmd, conns)
		return nil
	},
}

// subscriptionFlags applies the subscription flags that were set to base.
func subscriptionFlags(cmd *cobra.Command, base models.SubscriptionOption) (models.SubscriptionOption, error) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		base.Address, _ = flags.GetString("url")
	}
	if flags.Changed("auto-update") {
		base.AutoUpdate, _ = flags.GetBool("auto-update")
	}
	if flags.Changed("interval") {
		d, _ := flags.GetDuration("interval")
		if d < time.Minute {
			return base, fmt.Errorf("interval must be at least one minute")
		}
		base.UpdateInterval = int(d / time.Second)
	}
	if flags.Changed("user-agent") {
		base.UserAgent, _ = flags.GetString("user-agent")
	}
	if flags.Changed("include") {
		base.IncludeKeywords, _ = flags.GetStringSlice("include")
	}
	if flags.Changed("exclude") {
		base.ExcludeKeywords, _ = flags.GetStringSlice("exclude")
	}
	return base, nil
}

func addSubscriptionFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "subscription URL")
	cmd.Flags().Bool("auto-update", true, "refresh the subscription automatically")
	cmd.Flags().Duration("interval", 24*time.Hour, "update interval")
	cmd.Flags().String("user-agent", "", "user agent sent to the provider")
	cmd.Flags().StringSlice("include", nil, "keep only connections whose name contains one of these")
	cmd.Flags().StringSlice("exclude", nil, "drop connections whose name contains one of these")
}

// confirm asks a yes/no question on stdin; anything but y means no.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "Y"
}

func init() {
	addSubscriptionFlags(groupCreateCmd)
	addSubscriptionFlags(groupSubscriptionCmd)

	groupDeleteCmd.Flags().Bool("purge", false, "delete the group's connections too")
	groupDeleteCmd.Flags().BoolP("force", "f", false, "skip confirmation")

	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupRenameCmd)
	groupCmd.AddCommand(groupSubscriptionCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	groupCmd.AddCommand(groupConnectionsCmd)

	rootCmd.AddCommand(groupCmd)
}
