package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// completionScripts writes the completion script of each supported shell.
var completionScripts = map[string]func(w io.Writer, descriptions bool) error{
	"bash": func(w io.Writer, desc bool) error { return rootCmd.GenBashCompletionV2(w, desc) },
	"zsh": func(w io.Writer, desc bool) error {
		if desc {
			return rootCmd.GenZshCompletion(w)
		}
		return rootCmd.GenZshCompletionNoDesc(w)
	},
	"fish": func(w io.Writer, desc bool) error { return rootCmd.GenFishCompletion(w, desc) },
	"powershell": func(w io.Writer, desc bool) error {
		if desc {
			return rootCmd.GenPowerShellCompletionWithDesc(w)
		}
		return rootCmd.GenPowerShellCompletion(w)
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Print a shell completion script",
	Long: `Print the completion script for bash, zsh, fish or powershell.

Connection and group arguments complete from the local database, so
'corekeeper connect <TAB>' lists the stored connections by name.

Try it in the current shell:
  source <(corekeeper completion bash)
  corekeeper completion fish | source

Install it for new shells:
  corekeeper completion bash > ~/.local/share/bash-completion/completions/corekeeper
  corekeeper completion zsh  > "${fpath[1]}/_corekeeper"
  corekeeper completion fish > ~/.config/fish/completions/corekeeper.fish
  corekeeper completion powershell >> $PROFILE

zsh needs 'autoload -U compinit; compinit' in ~/.zshrc.`,
	Annotations:           map[string]string{skipApp: "true"},
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		noDesc, _ := cmd.Flags().GetBool("no-descriptions")
		return completionScripts[args[0]](cmd.OutOrStdout(), !noDesc)
	},
}

func init() {
	completionCmd.Flags().Bool("no-descriptions", false, "leave completion descriptions out")
	rootCmd.AddCommand(completionCmd)
}
