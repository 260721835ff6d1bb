package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ragpack/internal/config"
)

func newValidateCommand() *cobra.Command {
	var packPath, policyPath string
	cmd := &cobra.Command{
		Use:   "validate --pack <path>",
		Short: "Validate a pack against the policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := config.LoadPolicy(policyPath)
			if err != nil {
				return fail(ExitError, "Failed to load policy:\n%v", err)
			}
			pack, err := config.LoadPack(packPath, policy)
			var invalid *config.ValidationError
			if errors.As(err, &invalid) {
				return fail(ExitError, "Validation failed (%d %s issue(s), %d question(s) affected):\n%v",
					len(invalid.Issues), invalid.Document, len(invalid.Questions()), err)
			}
			if err != nil {
				return fail(ExitError, "Validation failed:\n%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pack OK: %d questions (engine=%s, mission=%t)\n",
				len(pack.Questions), pack.Engine, config.IsMission(pack, policy))
			return nil
		},
	}
	cmd.Flags().StringVar(&packPath, "pack", "", "Path to pack.yaml")
	cmd.Flags().StringVar(&policyPath, "policy", "", "Policy override file merged onto the built-in policy")
	_ = cmd.MarkFlagRequired("pack")
	return cmd
}
