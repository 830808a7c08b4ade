package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
)

var connectionCmd = &cobra.Command{
	Use:     "connection",
	Aliases: []string{"conn"},
	Short:   "Manage proxy connections",
	Long:    "Import, list, show, rename, move and delete proxy connections",
}

var connectionAddCmd = &cobra.Command{
	Use:   "add <link>...",
	Short: "Import connections from share links",
	Long: `Import connections from vmess://, vless://, trojan:// or ss:// share links.
Pass "-" to read links from stdin, one per line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		groupRef, _ := cmd.Flags().GetString("group")
		customName, _ := cmd.Flags().GetString("name")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		notes, _ := cmd.Flags().GetString("notes")

		group := models.Group{ID: models.DefaultGroupID, Name: "default"}
		if groupRef != "" {
			g, err := appInstance.Registry.FindGroup(ctx, groupRef)
			if err != nil {
				return fmt.Errorf("group not found: %s", groupRef)
			}
			group = g
		}

		text := strings.Join(args, "\n")
		if len(args) == 1 && args[0] == "-" {
			data, err := readAll(cmd)
			if err != nil {
				return err
			}
			text = data
		}

		conns, parseErrs := appInstance.Parser.ParseLines(text)
		for _, err := range parseErrs {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if len(conns) == 0 {
			return fmt.Errorf("no valid share links")
		}
		if customName != "" && len(conns) > 1 {
			return fmt.Errorf("--name needs exactly one link")
		}

		added := 0
		for _, conn := range conns {
			conn.GroupID = group.ID
			conn.FromSubscription = false
			if customName != "" {
				conn.Name = customName
			}
			if len(tags) > 0 {
				conn.Tags = tags
			}
			if notes != "" {
				conn.Notes = notes
			}
			if err := appInstance.Registry.CreateConnection(ctx, conn); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to save %s: %v\n", conn.Name, err)
				continue
			}
			added++
		}

		if added == 1 {
			conn := conns[0]
			fmt.Printf("✓ Connection added successfully!\n\n")
			fmt.Printf("  ID:       %s\n", conn.ID)
			fmt.Printf("  Name:     %s\n", conn.Name)
			fmt.Printf("  Protocol: %s\n", conn.Protocol)
			fmt.Printf("  Address:  %s:%d\n", conn.Address, conn.Port)
			fmt.Printf("  Group:    %s\n", group.Name)
			if len(conn.Tags) > 0 {
				fmt.Printf("  Tags:     %v\n", conn.Tags)
			}
			return nil
		}
		fmt.Printf("✓ Added %d connections to group %s\n", added, group.Name)
		if failed := len(conns) + len(parseErrs) - added; failed > 0 {
			fmt.Printf("  Failed: %d\n", failed)
		}
		return nil
	},
}

var connectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		groupRef, _ := cmd.Flags().GetString("group")
		protocol, _ := cmd.Flags().GetString("protocol")
		search, _ := cmd.Flags().GetString("search")

		filter := storage.ConnectionFilter{SearchTerm: search}
		if groupRef != "" {
			group, err := appInstance.Registry.FindGroup(ctx, groupRef)
			if err != nil {
				return fmt.Errorf("group not found: %s", groupRef)
			}
			filter.GroupID = &group.ID
		}
		if protocol != "" {
			filter.Protocol = &protocol
		}

		conns, err := appInstance.Registry.Connections(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to get connections: %w", err)
		}
		if len(conns) == 0 {
			fmt.Println("No connections found.")
			return nil
		}

		printConnections(cmd, conns)
		return nil
	},
}

// printConnections prints conns as a table with their latest latency.
func printConnections(cmd *cobra.Command, conns []*models.Connection) {
	ctx := cmd.Context()
	groupNames := map[string]string{}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROTOCOL\tADDRESS\tGROUP\tLATENCY\tTRAFFIC")
	fmt.Fprintln(w, "--\t----\t--------\t-------\t-----\t-------\t-------")

	for _, conn := range conns {
		name, ok := groupNames[conn.GroupID]
		if !ok {
			name = appInstance.Registry.GroupMeta(ctx, conn.GroupID).Name
			groupNames[conn.GroupID] = name
		}

		latStr := "-"
		if lat, err := appInstance.Storage.GetLatestLatency(ctx, conn.ID); err == nil && lat != nil {
			if lat.Success && lat.LatencyMS != nil {
				latStr = fmt.Sprintf("%d ms", *lat.LatencyMS)
			} else {
				latStr = "fail"
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s\t%s\t%s\n",
			shortID(conn.ID), truncate(conn.Name, 40), conn.Protocol,
			conn.Address, conn.Port, name, latStr,
			formatBytes(conn.TotalUpload+conn.TotalDownload))
	}

	w.Flush()
	fmt.Printf("\nTotal: %d connections\n", len(conns))
}

var connectionShowCmd = &cobra.Command{
	Use:               "show <connection>",
	Short:             "Show connection details",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conn, err := appInstance.Registry.FindConnection(ctx, args[0])
		if err != nil {
			return err
		}
		group := appInstance.Registry.GroupMeta(ctx, conn.GroupID)

		fmt.Println("Connection Details")
		fmt.Println("══════════════════")
		fmt.Println()
		fmt.Printf("ID:            %s\n", conn.ID)
		fmt.Printf("Name:          %s\n", conn.Name)
		fmt.Printf("Protocol:      %s\n", conn.Protocol)
		fmt.Printf("Address:       %s:%d\n", conn.Address, conn.Port)
		fmt.Printf("Network:       %s\n", conn.Network)
		fmt.Printf("TLS:           %v\n", conn.TLSEnabled)
		fmt.Printf("Group:         %s\n", group.Name)
		fmt.Printf("Subscription:  %v\n", conn.FromSubscription)
		if len(conn.Tags) > 0 {
			fmt.Printf("Tags:          %s\n", strings.Join(conn.Tags, ", "))
		}
		if conn.Notes != "" {
			fmt.Printf("Notes:         %s\n", conn.Notes)
		}
		fmt.Println()
		fmt.Printf("Used:          %d times\n", conn.UseCount)
		fmt.Printf("Last used:     %s\n", formatTime(conn.LastConnected))
		fmt.Printf("Uploaded:      %s\n", formatBytes(conn.TotalUpload))
		fmt.Printf("Downloaded:    %s\n", formatBytes(conn.TotalDownload))

		if lat, err := appInstance.Storage.GetLatestLatency(ctx, conn.ID); err == nil && lat != nil {
			fmt.Println()
			if lat.Success && lat.LatencyMS != nil {
				fmt.Printf("Latency:       %d ms (%s, %s)\n", *lat.LatencyMS, lat.TestStrategy, lat.TestedAt.Local().Format("2006-01-02 15:04"))
			} else {
				fmt.Printf("Latency:       failed (%s)\n", lat.ErrorMessage)
			}
		}

		if show, _ := cmd.Flags().GetBool("link"); show {
			link, err := appInstance.Parser.Encode(&conn)
			if err != nil {
				return fmt.Errorf("failed to encode share link: %w", err)
			}
			fmt.Println()
			fmt.Println(link)
		}
		return nil
	},
}

var connectionRenameCmd = &cobra.Command{
	Use:               "rename <connection> <new-name>",
	Short:             "Rename a connection",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conn, err := appInstance.Registry.FindConnection(ctx, args[0])
		if err != nil {
			return err
		}
		if err := appInstance.Registry.RenameConnection(ctx, conn.ID, args[1]); err != nil {
			return fmt.Errorf("failed to rename connection: %w", err)
		}

		fmt.Printf("✓ Connection renamed: %s → %s\n", conn.Name, strings.TrimSpace(args[1]))
		return nil
	},
}

var connectionMoveCmd = &cobra.Command{
	Use:               "move <connection> <group>",
	Short:             "Move a connection to another group",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conn, err := appInstance.Registry.FindConnection(ctx, args[0])
		if err != nil {
			return err
		}
		group, err := appInstance.Registry.FindGroup(ctx, args[1])
		if err != nil {
			return fmt.Errorf("group not found: %s", args[1])
		}
		if err := appInstance.Registry.MoveConnection(ctx, conn.ID, group.ID); err != nil {
			return fmt.Errorf("failed to move connection: %w", err)
		}

		fmt.Printf("✓ Connection %s moved to group %s\n", conn.Name, group.Name)
		return nil
	},
}

var connectionDeleteCmd = &cobra.Command{
	Use:               "delete <connection>",
	Short:             "Delete a connection",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conn, err := appInstance.Registry.FindConnection(ctx, args[0])
		if err != nil {
			return err
		}

		force, _ := cmd.Flags().GetBool("force")
		if !force && !confirm(fmt.Sprintf("Delete connection '%s'?", conn.Name)) {
			fmt.Println("Cancelled.")
			return nil
		}

		if err := appInstance.Registry.DeleteConnection(ctx, conn.ID); err != nil {
			return fmt.Errorf("failed to delete connection: %w", err)
		}

		fmt.Printf("✓ Connection deleted: %s\n", conn.Name)
		return nil
	},
}

var connectionResetStatsCmd = &cobra.Command{
	Use:               "reset-stats <connection>",
	Short:             "Zero a connection's traffic totals",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conn, err := appInstance.Registry.FindConnection(ctx, args[0])
		if err != nil {
			return err
		}
		if err := appInstance.Registry.ResetStats(ctx, conn.ID); err != nil {
			return fmt.Errorf("failed to reset statistics: %w", err)
		}

		fmt.Printf("✓ Traffic statistics reset for %s\n", conn.Name)
		return nil
	},
}

var connectionExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print share links, one per line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var filter storage.ConnectionFilter
		if groupRef, _ := cmd.Flags().GetString("group"); groupRef != "" {
			group, err := appInstance.Registry.FindGroup(ctx, groupRef)
			if err != nil {
				return fmt.Errorf("group not found: %s", groupRef)
			}
			filter.GroupID = &group.ID
		}

		conns, err := appInstance.Registry.Connections(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to get connections: %w", err)
		}
		for _, conn := range conns {
			link, err := appInstance.Parser.Encode(conn)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", conn.Name, err)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
		}
		return nil
	},
}

func readAll(cmd *cobra.Command) (string, error) {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "~"
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/gb)
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/mb)
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/kb)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func init() {
	connectionAddCmd.Flags().StringP("group", "g", "", "group name or id (default group when empty)")
	connectionAddCmd.Flags().StringP("name", "n", "", "custom name")
	connectionAddCmd.Flags().StringSlice("tags", []string{}, "tags (comma-separated)")
	connectionAddCmd.Flags().String("notes", "", "notes")
	connectionAddCmd.RegisterFlagCompletionFunc("group", completeGroupNamesForFlag)

	connectionListCmd.Flags().StringP("group", "g", "", "filter by group")
	connectionListCmd.Flags().StringP("protocol", "p", "", "filter by protocol")
	connectionListCmd.Flags().StringP("search", "s", "", "match name, address or notes")
	connectionListCmd.RegisterFlagCompletionFunc("group", completeGroupNamesForFlag)

	connectionShowCmd.Flags().Bool("link", false, "print the share link")

	connectionDeleteCmd.Flags().BoolP("force", "f", false, "skip confirmation")

	connectionExportCmd.Flags().StringP("group", "g", "", "export only this group")
	connectionExportCmd.RegisterFlagCompletionFunc("group", completeGroupNamesForFlag)

	connectionCmd.AddCommand(connectionAddCmd)
	connectionCmd.AddCommand(connectionListCmd)
	connectionCmd.AddCommand(connectionShowCmd)
	connectionCmd.AddCommand(connectionRenameCmd)
	connectionCmd.AddCommand(connectionMoveCmd)
	connectionCmd.AddCommand(connectionDeleteCmd)
	connectionCmd.AddCommand(connectionResetStatsCmd)
	connectionCmd.AddCommand(connectionExportCmd)

	rootCmd.AddCommand(connectionCmd)
}
