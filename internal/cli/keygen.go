package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/crypto"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Output string
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new agent identity",
		Long: `Generate a fresh Ed25519 signing key and X25519 sealing key and
write them to an identity file.

Example:
  weft keygen --out identity.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := crypto.NewAgent()
			if err != nil {
				return WrapExitError(ExitFailure, "generate keys", err)
			}
			if err := WriteIdentity(opts.Output, agent); err != nil {
				return WrapExitError(ExitCommandError, "write identity file", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), agent.ID())
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Output, "out", "identity.yaml", "path to write the identity file")

	return cmd
}
