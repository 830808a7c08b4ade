package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"corekeeper/internal/storage"
)

// ensureApp lazily initializes appInstance for shell completion.
// Cobra may invoke ValidArgsFunction without running PersistentPreRunE.
func ensureApp(cmd *cobra.Command) error {
	if appInstance != nil {
		return nil
	}
	var err error
	appInstance, err = openApp(cmd)
	return err
}

// completeConnectionNames provides shell completion for connection names.
func completeConnectionNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if err := ensureApp(cmd); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	conns, err := appInstance.Registry.Connections(cmd.Context(), storage.ConnectionFilter{})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, c := range conns {
		if hasPrefixFold(c.Name, toComplete) {
			completions = append(completions, c.Name)
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}

// completeGroupNames provides shell completion for group names.
func completeGroupNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return completeGroupNamesForFlag(cmd, args, toComplete)
}

// completeGroupNamesForFlag provides group name completion for --group flags.
func completeGroupNamesForFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if err := ensureApp(cmd); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	groups, err := appInstance.Registry.Groups(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, g := range groups {
		if hasPrefixFold(g.Name, toComplete) {
			completions = append(completions, g.Name)
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}
