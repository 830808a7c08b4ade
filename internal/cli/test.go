package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"corekeeper/internal/latency"
	"corekeeper/internal/storage"
)

var testCmd = &cobra.Command{
	Use:   "test [connection]",
	Short: "Test proxy latency",
	Long: `Test latency of proxy connections.

Test a single connection by ID or name, or test several with --all or --group.
Default strategy is TCP (handshake with the server). Use --strategy http to
route a request through a short-lived kernel instead.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeConnectionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		strategyName, _ := cmd.Flags().GetString("strategy")
		all, _ := cmd.Flags().GetBool("all")
		groupRef, _ := cmd.Flags().GetString("group")

		cfg := latency.TesterConfig{
			Workers: int64(appInstance.Config.Latency.Workers),
			Timeout: appInstance.Config.Latency.Timeout,
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers, _ = cmd.Flags().GetInt64("workers")
		}
		if cmd.Flags().Changed("timeout") {
			cfg.Timeout, _ = cmd.Flags().GetDuration("timeout")
		}

		strategy, err := latency.NewStrategy(strategyName, appInstance.NewCore)
		if err != nil {
			return err
		}
		cfg.Strategy = strategy
		tester := latency.NewTester(appInstance.Storage, cfg, appInstance.Log)

		if all || groupRef != "" {
			return runBatchTest(ctx, tester, groupRef)
		}
		if len(args) == 0 {
			return fmt.Errorf("please specify a connection ID or name, or use --all / --group")
		}
		return runSingleTest(ctx, tester, args[0])
	},
}

func runSingleTest(ctx context.Context, tester *latency.Tester, ref string) error {
	conn, err := appInstance.Registry.FindConnection(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Printf("Testing %s (%s:%d)... ", conn.Name, conn.Address, conn.Port)

	result := tester.TestSingle(ctx, &conn)
	if result.Latency.Success {
		fmt.Printf("%d ms\n", *result.Latency.LatencyMS)
	} else {
		fmt.Printf("FAILED (%s)\n", result.Latency.ErrorMessage)
	}
	return nil
}

func runBatchTest(ctx context.Context, tester *latency.Tester, groupRef string) error {
	var filter storage.ConnectionFilter
	if groupRef != "" {
		group, err := appInstance.Registry.FindGroup(ctx, groupRef)
		if err != nil {
			return fmt.Errorf("group not found: %s", groupRef)
		}
		filter.GroupID = &group.ID
	}

	conns, err := appInstance.Registry.Connections(ctx, filter)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		fmt.Println("No connections found.")
		return nil
	}

	fmt.Printf("Testing %d connections...\n\n", len(conns))

	progress := func(result *latency.TestResult, current, total int) {
		if result.Latency.Success {
			fmt.Printf("  [%d/%d] %-40s %d ms\n", current, total,
				truncate(result.Connection.Name, 40), *result.Latency.LatencyMS)
		} else {
			fmt.Printf("  [%d/%d] %-40s FAILED\n", current, total,
				truncate(result.Connection.Name, 40))
		}
	}

	batch := tester.TestBatch(ctx, conns, progress)

	fmt.Printf("\n\nResults (sorted by latency):\n")
	fmt.Println(strings.Repeat("─", 75))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tADDRESS\tLATENCY\tSTATUS")
	fmt.Fprintln(w, "-\t----\t-------\t-------\t------")

	for i, result := range batch.Results {
		latStr := "N/A"
		statusStr := "FAIL"
		if result.Latency.Success {
			latStr = fmt.Sprintf("%d ms", *result.Latency.LatencyMS)
			statusStr = "OK"
		}
		fmt.Fprintf(w, "%d\t%s\t%s:%d\t%s\t%s\n",
			i+1, truncate(result.Connection.Name, 35),
			result.Connection.Address, result.Connection.Port,
			latStr, statusStr)
	}
	w.Flush()

	fmt.Printf("\nSummary: %d tested, %d succeeded, %d failed (%.1fs)\n",
		batch.Tested, batch.Succeeded, batch.Failed, batch.Duration.Seconds())

	return nil
}

func init() {
	testCmd.Flags().StringP("strategy", "s", "tcp", "test strategy (tcp, http)")
	testCmd.Flags().Int64P("workers", "w", 10, "number of concurrent workers (default from config)")
	testCmd.Flags().DurationP("timeout", "t", 0, "per-test timeout (default from config)")
	testCmd.Flags().Bool("all", false, "test all connections")
	testCmd.Flags().StringP("group", "g", "", "test all connections in a group")

	testCmd.RegisterFlagCompletionFunc("strategy", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"tcp", "http"}, cobra.ShellCompDirectiveNoFileComp
	})
	testCmd.RegisterFlagCompletionFunc("group", completeGroupNamesForFlag)

	rootCmd.AddCommand(testCmd)
}
